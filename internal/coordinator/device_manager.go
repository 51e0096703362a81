package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-people-counter/internal/ncp"
	"zigbee-people-counter/internal/store"
	"zigbee-people-counter/internal/zcl"
)

// AttributeHandler receives the decoded value of a reported attribute.
type AttributeHandler func(value any)

type subKey struct {
	ieee     string
	endpoint uint8
	cluster  uint16
	attr     uint16
}

// DeviceManager tracks configured devices, maps short addresses back to
// IEEE addresses and fans attribute reports out to subscribers.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string

	subMu  sync.RWMutex
	subs   map[subKey]map[uint64]AttributeHandler
	nextID uint64
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:     coord,
		logger:    coord.logger.With("component", "device_manager"),
		addrIndex: make(map[uint16]string),
		subs:      make(map[subKey]map[uint64]AttributeHandler),
	}
}

// updateAddrIndex updates the short address -> IEEE mapping, dropping any
// stale address the device used before.
func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr uint16) {
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee && addr != shortAddr {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[shortAddr] = ieee
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
}

// lookupIEEE finds IEEE address by short address from in-memory index.
func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr]
}

// deviceName returns a human-readable display name for a device.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" || dev.Model != "" {
		name := dev.Manufacturer
		if dev.Model != "" {
			if name != "" {
				name += " "
			}
			name += dev.Model
		}
		return name
	}
	return dev.IEEEAddress
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// Register adds or updates a configured device. Devices are declared in the
// config file with their addresses; there is no join/interview flow. For a
// device already in the store the config address and name are only used
// when the stored ones are empty.
func (dm *DeviceManager) Register(ieee string, shortAddr uint16, endpoint uint8, name string) (*store.Device, error) {
	ieee, err := NormalizeIEEE(ieee)
	if err != nil {
		return nil, err
	}

	dev, err := dm.coord.Store().GetDevice(ieee)
	added := false
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("register %s: %w", ieee, err)
		}
		dev = &store.Device{IEEEAddress: ieee, JoinedAt: time.Now()}
		added = true
	}
	// An announced address and an API rename outlive the config values.
	if added || dev.ShortAddress == 0 {
		dev.ShortAddress = shortAddr
	}
	if name != "" && (added || dev.FriendlyName == "") {
		dev.FriendlyName = name
	}
	dev.Endpoint = endpoint
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return nil, fmt.Errorf("register %s: %w", ieee, err)
	}
	dm.updateAddrIndex(ieee, dev.ShortAddress)

	if added {
		dm.logger.Info("device added", "ieee", ieee, "short", fmt.Sprintf("0x%04X", dev.ShortAddress), "name", deviceName(dev))
		dm.coord.Events().Emit(Event{
			Type: EventDeviceAdded,
			Data: map[string]any{"ieee": ieee, "short_addr": dev.ShortAddress, "name": deviceName(dev)},
		})
	}
	return dev, nil
}

// HandleAnnounce updates the short address of a known device after it
// rejoined. Announces from unknown devices are ignored.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounceEvent) {
	ieee := fmt.Sprintf("%016X", evt.IEEEAddr)

	var dev *store.Device
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		d.ShortAddress = evt.ShortAddr
		d.LastSeen = time.Now()
		dev = d
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			dm.logger.Info("announce from unconfigured device ignored", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr))
		} else {
			dm.logger.Error("update device on announce", "err", err, "ieee", ieee)
		}
		return
	}
	dm.updateAddrIndex(ieee, evt.ShortAddr)
	dm.logger.Info("device announce", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", deviceName(dev))

	dm.coord.Events().Emit(Event{
		Type: EventDeviceAnnounce,
		Data: map[string]any{
			"ieee":       ieee,
			"short_addr": evt.ShortAddr,
		},
	})
}

// lookupOrRebuild looks up an IEEE address by short address from the in-memory
// index. If not found, rebuilds the index from the store under a write lock
// with a double-check to avoid redundant rebuilds.
func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) string {
	dm.addrMu.RLock()
	ieee := dm.addrIndex[shortAddr]
	dm.addrMu.RUnlock()
	if ieee != "" {
		return ieee
	}

	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()

	if ieee = dm.addrIndex[shortAddr]; ieee != "" {
		return ieee
	}

	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index for lookup", "err", err)
		return ""
	}
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
		if d.ShortAddress == shortAddr {
			ieee = d.IEEEAddress
		}
	}
	return ieee
}

// HandleAttributeReport records link quality, emits an attribute_report
// event and hands the decoded value to subscribers of that attribute.
func (dm *DeviceManager) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	ieee := dm.lookupOrRebuild(evt.SrcAddr)

	var decoded any
	if len(evt.Value) > 0 {
		val, _, decErr := zcl.DecodeValue(evt.DataType, evt.Value)
		if decErr == nil {
			decoded = val
		} else {
			decoded = fmt.Sprintf("%X", evt.Value)
		}
	}
	clusterName, attrName := dm.coord.Registry().Names(evt.ClusterID, evt.AttrID)

	if ieee == "" {
		dm.logger.Debug("report from unknown address", "short", fmt.Sprintf("0x%04X", evt.SrcAddr), "cluster", clusterName, "attr", attrName)
		return
	}

	var name string
	err := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		dev.LastSeen = time.Now()
		if evt.LQI > 0 {
			dev.LQI = evt.LQI
			dev.RSSI = evt.RSSI
		}
		name = deviceName(dev)
		return nil
	})
	if err != nil {
		dm.logger.Error("save device last_seen", "err", err, "ieee", ieee)
	}

	dm.logger.Debug("attribute report",
		"ieee", ieee,
		"name", name,
		"cluster", clusterName,
		"attr", attrName,
		"value", decoded,
	)

	dm.coord.Events().Emit(Event{
		Type: EventAttributeReport,
		Data: map[string]any{
			"ieee":         ieee,
			"short_addr":   evt.SrcAddr,
			"endpoint":     evt.SrcEP,
			"cluster_id":   evt.ClusterID,
			"cluster_name": clusterName,
			"attr_id":      evt.AttrID,
			"attr_name":    attrName,
			"value":        decoded,
		},
	})

	if decoded != nil {
		dm.dispatch(subKey{ieee: ieee, endpoint: evt.SrcEP, cluster: evt.ClusterID, attr: evt.AttrID}, decoded)
	}
}

// Subscribe registers fn for reports of one attribute on one device endpoint.
// Handlers run synchronously on the NCP dispatch goroutine. Returns an
// unsubscribe function.
func (dm *DeviceManager) Subscribe(ieee string, endpoint uint8, clusterID, attrID uint16, fn AttributeHandler) func() {
	key := subKey{ieee: ieee, endpoint: endpoint, cluster: clusterID, attr: attrID}
	dm.subMu.Lock()
	defer dm.subMu.Unlock()
	id := dm.nextID
	dm.nextID++
	if dm.subs[key] == nil {
		dm.subs[key] = make(map[uint64]AttributeHandler)
	}
	dm.subs[key][id] = fn
	return func() {
		dm.subMu.Lock()
		defer dm.subMu.Unlock()
		delete(dm.subs[key], id)
		if len(dm.subs[key]) == 0 {
			delete(dm.subs, key)
		}
	}
}

func (dm *DeviceManager) dispatch(key subKey, value any) {
	dm.subMu.RLock()
	handlers := make([]AttributeHandler, 0, len(dm.subs[key]))
	for _, h := range dm.subs[key] {
		handlers = append(handlers, h)
	}
	dm.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					dm.logger.Error("attribute handler panic", "ieee", key.ieee, "attr", fmt.Sprintf("0x%04X", key.attr), "panic", r)
				}
			}()
			h(value)
		}()
	}
}

// RemoveDevice forgets a device: address index, subscriptions and every
// stored row.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", ieee, ErrDeviceNotFound)
		}
		return err
	}

	dm.removeFromAddrIndex(ieee)
	dm.subMu.Lock()
	for key := range dm.subs {
		if key.ieee == ieee {
			delete(dm.subs, key)
		}
	}
	dm.subMu.Unlock()

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		return fmt.Errorf("delete device %s: %w", ieee, err)
	}
	dm.logger.Info("device removed", "ieee", ieee, "name", deviceName(dev))
	dm.coord.Events().Emit(Event{
		Type: EventDeviceRemoved,
		Data: map[string]any{"ieee": ieee},
	})
	return nil
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address, or ErrDeviceNotFound.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	dev, err := dm.coord.Store().GetDevice(ieee)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", ieee, ErrDeviceNotFound)
	}
	return dev, err
}

// SaveDevice persists a device to the store.
func (dm *DeviceManager) SaveDevice(dev *store.Device) error {
	return dm.coord.Store().SaveDevice(dev)
}
