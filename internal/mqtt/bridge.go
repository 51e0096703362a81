//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/peoplecounter"
	"zigbee-people-counter/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Devices looks up configured counters.
type Devices interface {
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// Capabilities returns the published capability values of a device.
type Capabilities interface {
	Capabilities(ieee string) (map[string]any, error)
}

// Commands are the device actions reachable from the /set topic.
type Commands interface {
	SetPeopleCount(ctx context.Context, ieee string, n int) error
	Refresh(ctx context.Context, ieee string) error
}

// publisher is the part of the MQTT client the bridge uses.
type publisher interface {
	Publish(topic string, payload []byte, retained bool)
	Subscribe(topic string, handler func(payload []byte))
	Unsubscribe(topic string)
}

// Bridge mirrors people counter capabilities to MQTT with HA autodiscovery
// and accepts commands on <prefix>/<device>/set.
type Bridge struct {
	client   pahomqtt.Client
	pub      publisher
	events   *coordinator.EventBus
	devices  Devices
	caps     Capabilities
	commands Commands
	prefix   string
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc

	// IEEE -> state topic name, so removal can clear topics of a device
	// that is already gone from the store.
	mu     sync.Mutex
	topics map[string]string
}

// CommandTimeout bounds a command received over MQTT.
const CommandTimeout = 30 * time.Second

func newBridge(events *coordinator.EventBus, devices Devices, caps Capabilities, commands Commands, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		events:   events,
		devices:  devices,
		caps:     caps,
		commands: commands,
		prefix:   prefix,
		logger:   logger.With("component", "mqtt"),
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(events *coordinator.EventBus, devices Devices, caps Capabilities, commands Commands, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(events, devices, caps, commands, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-people-counter"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		// Commands block on the radio; let paho run handlers concurrently.
		SetOrderMatters(false).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.syncAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.pub = &pahoPublisher{client: client, logger: b.logger}

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}
	switch event.Type {
	case coordinator.EventCapabilityChanged:
		b.publishState(ieee)
	case coordinator.EventDeviceAdded:
		b.syncDevice(ieee)
	case coordinator.EventDeviceRemoved:
		b.removeDevice(ieee)
	}
}

// syncAll publishes discovery, state and command subscriptions of every
// device. Called on every (re)connect since retained state may be gone.
func (b *Bridge) syncAll() {
	devices, err := b.devices.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.syncDeviceRecord(dev)
	}
}

func (b *Bridge) syncDevice(ieee string) {
	dev, err := b.devices.GetDevice(ieee)
	if err != nil {
		b.logger.Warn("sync device", "ieee", ieee, "err", err)
		return
	}
	b.syncDeviceRecord(dev)
}

func (b *Bridge) syncDeviceRecord(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.pub.Publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev))

	name := deviceTopicName(dev)
	b.mu.Lock()
	prev, had := b.topics[dev.IEEEAddress]
	b.topics[dev.IEEEAddress] = name
	b.mu.Unlock()
	if had && prev != name {
		b.pub.Unsubscribe(b.prefix + "/" + prev + "/set")
	}

	ieee := dev.IEEEAddress
	b.pub.Subscribe(b.prefix+"/"+name+"/set", func(payload []byte) {
		b.handleCommand(ieee, payload)
	})
	b.publishState(ieee)
}

func (b *Bridge) removeDevice(ieee string) {
	for _, msg := range buildRemoveDiscovery(ieee) {
		b.pub.Publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	name, ok := b.topics[ieee]
	delete(b.topics, ieee)
	b.mu.Unlock()
	if ok {
		b.pub.Unsubscribe(b.prefix + "/" + name + "/set")
		// empty retained payload clears the last state
		b.pub.Publish(b.prefix+"/"+name, nil, true)
	}
	b.logger.Info("removed HA discovery", "ieee", ieee)
}

// stateFor builds the retained state document of a device.
func (b *Bridge) stateFor(ieee string) (map[string]any, *store.Device, error) {
	dev, err := b.devices.GetDevice(ieee)
	if err != nil {
		return nil, nil, err
	}
	caps, err := b.caps.Capabilities(ieee)
	if err != nil {
		return nil, nil, err
	}
	state := make(map[string]any, len(caps)+2)
	for k, v := range caps {
		state[k] = v
	}
	state["linkquality"] = dev.LQI
	if !dev.LastSeen.IsZero() {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	return state, dev, nil
}

func (b *Bridge) publishState(ieee string) {
	state, dev, err := b.stateFor(ieee)
	if err != nil {
		b.logger.Debug("no state to publish", "ieee", ieee, "err", err)
		return
	}
	b.pub.Publish(b.prefix+"/"+deviceTopicName(dev), mustJSON(state), true)
}

func (b *Bridge) publishBridgeState(state string) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(b.prefix+"/bridge/state", []byte(state), true)
}

// command is a /set payload. Both fields may be present.
type command struct {
	PeopleSetting *float64 `json:"people_setting"`
	Refresh       bool     `json:"refresh"`
}

var errEmptyCommand = errors.New("command has neither people_setting nor refresh")

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command JSON: %w", err)
	}
	if cmd.PeopleSetting == nil && !cmd.Refresh {
		return cmd, errEmptyCommand
	}
	if n := cmd.PeopleSetting; n != nil && (*n < 0 || *n > peoplecounter.MaxCount || *n != math.Trunc(*n)) {
		return cmd, fmt.Errorf("people_setting %v: not a whole number in 0..%d", *n, peoplecounter.MaxCount)
	}
	return cmd, nil
}

func (b *Bridge) handleCommand(ieee string, payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("bad command", "ieee", ieee, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, CommandTimeout)
	defer cancel()

	// people_setting refreshes on its own
	if cmd.PeopleSetting != nil {
		if err := b.commands.SetPeopleCount(ctx, ieee, int(*cmd.PeopleSetting)); err != nil {
			b.logger.Warn("set people command failed", "ieee", ieee, "err", err)
		}
		return
	}
	if err := b.commands.Refresh(ctx, ieee); err != nil {
		b.logger.Warn("refresh command failed", "ieee", ieee, "err", err)
	}
}

// pahoPublisher adapts a paho client. Publishes are fire-and-forget with
// the outcome logged.
type pahoPublisher struct {
	client pahomqtt.Client
	logger *slog.Logger
}

func (p *pahoPublisher) Publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (p *pahoPublisher) Subscribe(topic string, handler func([]byte)) {
	token := p.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.Warn("MQTT subscribe error", "topic", topic, "err", token.Error())
		}
	}()
}

func (p *pahoPublisher) Unsubscribe(topic string) {
	p.client.Unsubscribe(topic)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
