package ncp

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	llACKTimeout   = 500 * time.Millisecond
	llMaxRetries   = 3
	hlRespTimeout  = 5 * time.Second
	zclRespTimeout = 10 * time.Second
)

// ZBOSS NCP reset options.
const (
	zbossResetNoOption uint8 = 0x00
	zbossResetFactory  uint8 = 0x02
)

// NRF52840 drives an nRF52840 dongle running ZBOSS NCP firmware.
type NRF52840 struct {
	port   io.ReadWriteCloser
	open   func() (io.ReadWriteCloser, error)
	reader *bufio.Reader
	logger *slog.Logger

	hlTSN     atomic.Uint32
	hlMu      sync.Mutex
	hlPending map[uint8]chan *zbossFrame

	llSeqMu  sync.Mutex
	llPktSeq uint8
	llAckCh  chan uint8
	writeMu  sync.Mutex

	zclSeq     atomic.Uint32
	zclMu      sync.Mutex
	zclPending map[uint8]chan zclFrame

	handlerMu  sync.RWMutex
	onAnnounce func(DeviceAnnounceEvent)
	onReport   func(AttributeReportEvent)

	resetIndCh chan struct{}

	infoMu  sync.Mutex
	ncpInfo NCPInfo

	// lifecycleMu guards port, done, llAckCh and closeOnce across reset and Close.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// OpenNRF52840 opens the serial port and starts the read loop.
func OpenNRF52840(portName string, baudRate int, logger *slog.Logger) (*NRF52840, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	open := func() (io.ReadWriteCloser, error) {
		p, err := serial.Open(portName, mode)
		if err != nil {
			return nil, err
		}
		// USB CDC ACM firmware only talks once DTR/RTS are asserted.
		_ = p.SetDTR(true)
		_ = p.SetRTS(true)
		return p, nil
	}
	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("nrf52840: open %s: %w", portName, err)
	}
	return newNRF52840(port, open, logger), nil
}

func newNRF52840(port io.ReadWriteCloser, open func() (io.ReadWriteCloser, error), logger *slog.Logger) *NRF52840 {
	n := &NRF52840{
		port:       port,
		open:       open,
		reader:     bufio.NewReader(port),
		logger:     logger.With("component", "ncp"),
		hlPending:  make(map[uint8]chan *zbossFrame),
		zclPending: make(map[uint8]chan zclFrame),
		llAckCh:    make(chan uint8, 4),
		resetIndCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.readLoop(n.reader, n.done)
	return n
}

func (n *NRF52840) nextTSN() uint8    { return uint8(n.hlTSN.Add(1)) }
func (n *NRF52840) nextZCLSeq() uint8 { return uint8(n.zclSeq.Add(1)) }

// nextPktSeq cycles the 2-bit LL sequence 1, 2, 3, 1...
func (n *NRF52840) nextPktSeq() uint8 {
	n.llSeqMu.Lock()
	defer n.llSeqMu.Unlock()
	n.llPktSeq = n.llPktSeq%3 + 1
	return n.llPktSeq
}

func (n *NRF52840) doneCh() chan struct{} {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.done
}

func (n *NRF52840) write(frame []byte) error {
	n.lifecycleMu.Lock()
	port := n.port
	n.lifecycleMu.Unlock()
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_, err := port.Write(frame)
	return err
}

// request sends an HL request and waits for the response with the same TSN.
// A context without deadline gets hlRespTimeout.
func (n *NRF52840) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hlRespTimeout)
		defer cancel()
	}
	cmd := zbossCmdName(callID)
	tsn := n.nextTSN()

	ch := make(chan *zbossFrame, 1)
	n.hlMu.Lock()
	n.hlPending[tsn] = ch
	n.hlMu.Unlock()
	defer func() {
		n.hlMu.Lock()
		delete(n.hlPending, tsn)
		n.hlMu.Unlock()
	}()

	pktSeq := n.nextPktSeq()
	if err := n.writeWithACK(ctx, zbossEncodeRequest(callID, tsn, pktSeq, payload), pktSeq); err != nil {
		return nil, fmt.Errorf("zboss %s: %w", cmd, err)
	}
	n.logger.Debug("zboss TX", "cmd", cmd, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("zboss %s: %w", cmd, ErrClosed)
		}
		if !resp.ok() {
			status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
			n.logger.Warn("zboss RX", "cmd", cmd, "tsn", tsn, "status", status)
			return resp, fmt.Errorf("zboss %s: %s", cmd, status)
		}
		n.logger.Debug("zboss RX", "cmd", cmd, "tsn", tsn, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("zboss %s: %w", cmd, ctxErr(ctx))
	case <-n.doneCh():
		return nil, fmt.Errorf("zboss %s: %w", cmd, ErrClosed)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// writeWithACK writes a data frame and waits for the matching LL ACK,
// retransmitting up to llMaxRetries times.
func (n *NRF52840) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	n.lifecycleMu.Lock()
	ackCh, done := n.llAckCh, n.done
	n.lifecycleMu.Unlock()

	for attempt := 1; attempt <= llMaxRetries+1; attempt++ {
		if err := n.write(frame); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		timer := time.NewTimer(llACKTimeout)
	wait:
		for {
			select {
			case seq := <-ackCh:
				if seq == pktSeq {
					timer.Stop()
					return nil
				}
				n.logger.Debug("zboss stale ACK", "got", seq, "want", pktSeq)
			case <-timer.C:
				n.logger.Warn("zboss ACK timeout", "attempt", attempt, "pkt_seq", pktSeq)
				break wait
			case <-ctx.Done():
				timer.Stop()
				return ctxErr(ctx)
			case <-done:
				timer.Stop()
				return ErrClosed
			}
		}
	}
	return fmt.Errorf("%w: no LL ACK after %d attempts", ErrTimeout, llMaxRetries+1)
}

func (n *NRF52840) readLoop(r *bufio.Reader, done chan struct{}) {
	defer n.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		raw, err := readRawZBOSSFrame(r)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				n.logger.Error("serial read failed", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			n.logger.Warn("zboss decode failed", "err", err)
			continue
		}
		n.handleFrame(frame)
	}
}

func (n *NRF52840) handleFrame(frame *zbossFrame) {
	if zbossLLIsACK(frame.LL.Flags) {
		n.lifecycleMu.Lock()
		ackCh := n.llAckCh
		n.lifecycleMu.Unlock()
		select {
		case ackCh <- zbossLLAckSeq(frame.LL.Flags):
		default:
		}
		return
	}

	if err := n.write(zbossEncodeACK(zbossLLPktSeq(frame.LL.Flags))); err != nil {
		n.logger.Error("zboss ACK write failed", "err", err)
	}

	switch frame.HL.PacketType {
	case zbossHLResponse:
		n.hlMu.Lock()
		ch, ok := n.hlPending[frame.HL.TSN]
		n.hlMu.Unlock()
		if !ok {
			n.logger.Warn("zboss late response", "cmd", zbossCmdName(frame.HL.CallID), "tsn", frame.HL.TSN)
			return
		}
		select {
		case ch <- frame:
		default:
		}
	case zbossHLIndication:
		n.handleIndication(frame)
	}
}

func (n *NRF52840) handleIndication(f *zbossFrame) {
	n.handlerMu.RLock()
	onAnnounce, onReport := n.onAnnounce, n.onReport
	n.handlerMu.RUnlock()

	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// nwk_addr(2) ieee(8) capability(1)
		if len(f.Payload) < 11 || onAnnounce == nil {
			return
		}
		evt := DeviceAnnounceEvent{
			ShortAddr:  binary.LittleEndian.Uint16(f.Payload[0:2]),
			Capability: f.Payload[10],
		}
		copy(evt.IEEEAddr[:], f.Payload[2:10])
		onAnnounce(evt)

	case zbossCmdAPSDEDataInd:
		n.handleAPSDEDataInd(f.Payload, onReport)

	case zbossCmdNCPResetInd:
		n.logger.Warn("NCP reset indication")
		n.lifecycleMu.Lock()
		resetCh := n.resetIndCh
		n.lifecycleMu.Unlock()
		select {
		case resetCh <- struct{}{}:
		default:
		}

	case zbossCmdNwkLeaveInd:
		if len(f.Payload) >= 8 {
			n.logger.Info("device left network", "ieee", fmt.Sprintf("%016X", f.Payload[:8]))
		}

	default:
		n.logger.Debug("zboss indication ignored", "cmd", zbossCmdName(f.HL.CallID))
	}
}

// handleAPSDEDataInd routes ZCL responses to their waiting caller by ZCL
// sequence number and hands attribute reports to onReport.
func (n *NRF52840) handleAPSDEDataInd(payload []byte, onReport func(AttributeReportEvent)) {
	ind, ok := parseAPSDEDataInd(payload)
	if !ok {
		return
	}
	zf, ok := parseZCLFrame(ind.Data)
	if !ok || zf.FrameType != zclFrameTypeGlobal {
		return
	}

	switch zf.Command {
	case zclCmdReadAttributesRsp, zclCmdWriteAttributesRsp, zclCmdConfigReportingRsp, zclCmdDefaultResponse:
		n.zclMu.Lock()
		ch, ok := n.zclPending[zf.Seq]
		n.zclMu.Unlock()
		if !ok {
			return
		}
		zf.Payload = append([]byte(nil), zf.Payload...)
		select {
		case ch <- zf:
		default:
		}

	case zclCmdReportAttributes:
		if onReport == nil {
			return
		}
		for _, rpt := range zclParseAttributeReports(zf.Payload) {
			rpt.SrcAddr = ind.SrcAddr
			rpt.SrcEP = ind.SrcEP
			rpt.ClusterID = ind.ClusterID
			rpt.LQI = ind.LQI
			rpt.RSSI = ind.RSSI
			onReport(rpt)
		}
	}
}

// zclTransact sends a ZCL frame and waits for the response carrying the same
// sequence number. build receives the allocated sequence number.
func (n *NRF52840) zclTransact(ctx context.Context, dst uint16, ep uint8, cluster uint16, build func(seq uint8) []byte) (zclFrame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, zclRespTimeout)
		defer cancel()
	}
	seq := n.nextZCLSeq()
	ch := make(chan zclFrame, 1)
	n.zclMu.Lock()
	n.zclPending[seq] = ch
	n.zclMu.Unlock()
	defer func() {
		n.zclMu.Lock()
		delete(n.zclPending, seq)
		n.zclMu.Unlock()
	}()

	// The APSDE response only confirms transmission; the ZCL answer arrives
	// later as an APSDE_DATA_IND.
	if _, err := n.request(ctx, zbossCmdAPSDEDataReq, buildAPSDEDataReq(dst, ep, 1, cluster, build(seq))); err != nil {
		return zclFrame{}, err
	}

	select {
	case zf, ok := <-ch:
		if !ok {
			return zclFrame{}, ErrClosed
		}
		if zf.Command == zclCmdDefaultResponse && len(zf.Payload) >= 2 && zf.Payload[1] != 0 {
			return zf, fmt.Errorf("zcl default response: command 0x%02X status 0x%02X", zf.Payload[0], zf.Payload[1])
		}
		return zf, nil
	case <-ctx.Done():
		n.logger.Warn("ZCL response timeout", "short", fmt.Sprintf("0x%04X", dst), "cluster", fmt.Sprintf("0x%04X", cluster))
		return zclFrame{}, ctxErr(ctx)
	case <-n.doneCh():
		return zclFrame{}, ErrClosed
	}
}

// resetAndReconnect resets the NCP and reopens the port once the dongle
// has re-enumerated on USB.
func (n *NRF52840) resetAndReconnect(ctx context.Context, option uint8) error {
	// After a host restart the NCP's expected LL sequence is unknown, so the
	// reset goes out once per sequence; only one is accepted.
	tsn := n.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		_ = n.write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option}))
	}
	time.Sleep(100 * time.Millisecond)
	n.logger.Info("NCP reset sent, waiting for reconnect", "factory", option == zbossResetFactory)
	n.stopReader()

	for attempt := 1; attempt <= 30; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		port, err := n.open()
		if err != nil {
			n.logger.Debug("waiting for NCP", "attempt", attempt, "err", err)
			continue
		}
		n.restart(port)

		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = n.request(probeCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err != nil {
			n.logger.Debug("NCP not ready", "attempt", attempt, "err", err)
			n.stopReader()
			continue
		}

		n.lifecycleMu.Lock()
		resetCh := n.resetIndCh
		n.lifecycleMu.Unlock()
		select {
		case <-resetCh:
		case <-time.After(3 * time.Second):
			n.logger.Warn("no reset indication after reconnect")
		case <-ctx.Done():
			return ctx.Err()
		}
		n.logger.Info("NCP reconnected", "attempts", attempt)
		return nil
	}
	return errors.New("nrf52840: NCP did not come back after reset")
}

// stopReader closes the port and waits for the read loop to exit.
func (n *NRF52840) stopReader() {
	n.lifecycleMu.Lock()
	n.closeOnce.Do(func() { close(n.done) })
	_ = n.port.Close()
	n.lifecycleMu.Unlock()
	n.wg.Wait()
}

// restart installs a fresh port and read loop. Requests still waiting
// on the old session are released with ErrClosed.
func (n *NRF52840) restart(port io.ReadWriteCloser) {
	n.lifecycleMu.Lock()
	n.port = port
	n.reader = bufio.NewReader(port)
	n.done = make(chan struct{})
	n.llAckCh = make(chan uint8, 4)
	n.resetIndCh = make(chan struct{}, 1)
	n.closeOnce = sync.Once{}
	reader, done := n.reader, n.done
	n.lifecycleMu.Unlock()

	n.releasePending()

	n.llSeqMu.Lock()
	n.llPktSeq = 0
	n.llSeqMu.Unlock()
	n.hlTSN.Store(0)
	n.zclSeq.Store(0)

	n.wg.Add(1)
	go n.readLoop(reader, done)
}

func (n *NRF52840) releasePending() {
	n.hlMu.Lock()
	for tsn, ch := range n.hlPending {
		close(ch)
		delete(n.hlPending, tsn)
	}
	n.hlMu.Unlock()

	n.zclMu.Lock()
	for seq, ch := range n.zclPending {
		close(ch)
		delete(n.zclPending, seq)
	}
	n.zclMu.Unlock()
}

func (n *NRF52840) Reset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetNoOption)
}

func (n *NRF52840) FactoryReset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetFactory)
}

// Init reads the firmware version and applies the Trust Center policies
// for legacy (well-known link key) joining.
func (n *NRF52840) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) >= 12 {
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		n.infoMu.Lock()
		n.ncpInfo.FWVersion = binary.LittleEndian.Uint32(resp.Payload[0:4])
		n.ncpInfo.StackVersion = fmt.Sprintf("%d.%d.%d.%d", stack>>24, stack>>16&0xFF, stack>>8&0xFF, stack&0xFF)
		n.ncpInfo.ProtocolVersion = binary.LittleEndian.Uint32(resp.Payload[8:12])
		info := n.ncpInfo
		n.infoMu.Unlock()
		n.logger.Info("NCP version", "fw", info.FWVersion, "stack", info.StackVersion, "protocol", info.ProtocolVersion)
	}

	policies := []struct {
		typ uint16
		val uint8
	}{
		{zbossTCPolicyLinkKeysRequired, 0},
		{zbossTCPolicyICRequired, 0},
		{zbossTCPolicyTCRejoinEnabled, 1},
		{zbossTCPolicyAPSInsecureJoin, 0},
	}
	for _, p := range policies {
		buf := binary.LittleEndian.AppendUint16(nil, p.typ)
		if _, err := n.request(ctx, zbossCmdSetTCPolicy, append(buf, p.val)); err != nil {
			return fmt.Errorf("set TC policy 0x%04X: %w", p.typ, err)
		}
	}
	return nil
}

// FormNetwork forms a new network as coordinator with a fresh random network key.
func (n *NRF52840) FormNetwork(ctx context.Context, cfg NetworkConfig) error {
	if _, err := n.request(ctx, zbossCmdSetZigbeeRole, []byte{zbossRoleCoordinator}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetExtPanID, cfg.ExtPanID[:]); err != nil {
		return fmt.Errorf("set ext pan id: %w", err)
	}
	mask := uint32(1) << cfg.Channel
	if _, err := n.request(ctx, zbossCmdSetChannelMask, binary.LittleEndian.AppendUint32([]byte{0x00}, mask)); err != nil {
		return fmt.Errorf("set channel mask: %w", err)
	}

	key := make([]byte, 17) // key(16) + key_seq(1)
	if _, err := rand.Read(key[:16]); err != nil {
		return fmt.Errorf("generate network key: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetNwkKey, key); err != nil {
		return fmt.Errorf("set network key: %w", err)
	}
	n.infoMu.Lock()
	n.ncpInfo.NetworkKey = append([]byte(nil), key[:16]...)
	n.infoMu.Unlock()

	// channel list(1+5) scan duration(1) distributed(1) dist addr(2) ext pan id(8)
	form := []byte{0x01, 0x00}
	form = binary.LittleEndian.AppendUint32(form, mask)
	form = append(form, 0x05, 0x00, 0x00, 0x00)
	form = append(form, cfg.ExtPanID[:]...)
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err = n.request(ctx, zbossCmdNwkFormation, form); err == nil {
			break
		}
		// freshly reset firmware sometimes answers NO_MATCH once
		n.logger.Warn("network formation failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("form network: %w", err)
	}

	// PAN ID is only accepted after formation.
	if _, err := n.request(ctx, zbossCmdSetPanID, binary.LittleEndian.AppendUint16(nil, cfg.PanID)); err != nil {
		return fmt.Errorf("set pan id: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}
	return nil
}

// StartNetwork resumes the stored network and registers endpoint 1.
func (n *NRF52840) StartNetwork(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return err
	}
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, buildSimpleDescPayload(1, zclProfileHA, 0x0005)); err != nil {
		return fmt.Errorf("register endpoint 1: %w", err)
	}
	return nil
}

func (n *NRF52840) NetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	info := &NetworkInfo{}
	resp, err := n.request(ctx, zbossCmdGetChannel, nil)
	if err != nil {
		return nil, fmt.Errorf("network info: %w", err)
	}
	if len(resp.Payload) >= 2 {
		info.Channel = resp.Payload[1] // page(1) channel(1)
	}
	if resp, err = n.request(ctx, zbossCmdGetPanID, nil); err == nil && len(resp.Payload) >= 2 {
		info.PanID = binary.LittleEndian.Uint16(resp.Payload)
	}
	if resp, err = n.request(ctx, zbossCmdGetExtPanID, nil); err == nil && len(resp.Payload) >= 8 {
		copy(info.ExtPanID[:], resp.Payload[:8])
	}
	return info, nil
}

func (n *NRF52840) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	var ieee [8]byte
	resp, err := n.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return ieee, fmt.Errorf("get local ieee: %w", err)
	}
	// mac_interface(1) ieee(8)
	if len(resp.Payload) >= 9 {
		copy(ieee[:], resp.Payload[1:9])
	}
	return ieee, nil
}

func (n *NRF52840) Bind(ctx context.Context, req BindRequest) error {
	// nwk_addr(2) src_ieee(8) src_ep(1) cluster(2) dst_mode(1) dst_ieee(8) dst_ep(1)
	buf := binary.LittleEndian.AppendUint16(nil, req.TargetShortAddr)
	buf = append(buf, req.SrcIEEE[:]...)
	buf = append(buf, req.SrcEP)
	buf = binary.LittleEndian.AppendUint16(buf, req.ClusterID)
	buf = append(buf, zbossAddrModeIEEE)
	buf = append(buf, req.DstIEEE[:]...)
	buf = append(buf, req.DstEP)
	_, err := n.request(ctx, zbossCmdZDOBindReq, buf)
	return err
}

func (n *NRF52840) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error) {
	zf, err := n.zclTransact(ctx, req.DstAddr, req.DstEP, req.ClusterID, func(seq uint8) []byte {
		return zclBuildReadAttributes(seq, req.AttrIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes 0x%04X/%d: %w", req.DstAddr, req.DstEP, err)
	}
	if zf.Command != zclCmdReadAttributesRsp {
		return nil, fmt.Errorf("read attributes 0x%04X/%d: unexpected response 0x%02X", req.DstAddr, req.DstEP, zf.Command)
	}
	return parseAttributeResponses(zf.Payload), nil
}

// WriteAttributes writes the records and returns those the device rejected.
func (n *NRF52840) WriteAttributes(ctx context.Context, req WriteAttributesRequest) ([]WriteStatus, error) {
	zf, err := n.zclTransact(ctx, req.DstAddr, req.DstEP, req.ClusterID, func(seq uint8) []byte {
		return zclBuildWriteAttributes(seq, req.Records)
	})
	if err != nil {
		return nil, fmt.Errorf("write attributes 0x%04X/%d: %w", req.DstAddr, req.DstEP, err)
	}
	if zf.Command == zclCmdDefaultResponse {
		return nil, nil
	}
	return parseWriteResponse(zf.Payload), nil
}

// ConfigureReporting does not wait for the ZCL response; sleepy devices
// often answer only on their next poll.
func (n *NRF52840) ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error {
	frame := zclBuildConfigureReporting(n.nextZCLSeq(), req)
	_, err := n.request(ctx, zbossCmdAPSDEDataReq, buildAPSDEDataReq(req.DstAddr, req.DstEP, 1, req.ClusterID, frame))
	return err
}

func (n *NRF52840) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onAnnounce = handler
}

func (n *NRF52840) OnAttributeReport(handler func(AttributeReportEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onReport = handler
}

// GetNCPInfo returns a copy of the cached version information.
func (n *NRF52840) GetNCPInfo() *NCPInfo {
	n.infoMu.Lock()
	defer n.infoMu.Unlock()
	info := n.ncpInfo
	info.NetworkKey = append([]byte(nil), n.ncpInfo.NetworkKey...)
	return &info
}

// Close stops the read loop and releases every waiting request.
func (n *NRF52840) Close() error {
	n.lifecycleMu.Lock()
	if n.closed {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeOnce.Do(func() { close(n.done) })
	err := n.port.Close()
	n.lifecycleMu.Unlock()

	n.wg.Wait()
	n.releasePending()
	return err
}

// buildSimpleDescPayload builds an AF_SET_SIMPLE_DESC payload with no clusters.
func buildSimpleDescPayload(ep uint8, profileID, deviceID uint16) []byte {
	buf := []byte{ep}
	buf = binary.LittleEndian.AppendUint16(buf, profileID)
	buf = binary.LittleEndian.AppendUint16(buf, deviceID)
	return append(buf, 0x00, 0x00, 0x00) // version, in count, out count
}
