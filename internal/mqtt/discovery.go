//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zigbee-people-counter/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/people_counter_000D6F.../people/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Device            haDevice `json:"device"`
}

// maxPeopleSetting bounds the HA number entity; the counter itself has no limit.
const maxPeopleSetting = 500

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ieee string) string {
	return "people_counter_" + ieee
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.IEEEAddress
}

// entity describes one HA entity of a people counter.
type entity struct {
	component, objectID, suffix   string
	deviceClass, unit, stateClass string
	valueTmpl                     string
	icon, category                string
}

var counterEntities = []entity{
	{component: "sensor", objectID: "people", suffix: "People", unit: "people", stateClass: "measurement",
		valueTmpl: "{{ value_json.measure_people }}", icon: "mdi:account-group"},
	{component: "sensor", objectID: "direction", suffix: "Direction",
		valueTmpl: "{{ value_json.state_peoplecounter }}", icon: "mdi:swap-horizontal"},
	{component: "binary_sensor", objectID: "occupancy", suffix: "Occupancy", deviceClass: "occupancy",
		valueTmpl: "{{ 'ON' if value_json.alarm_motion else 'OFF' }}"},
	{component: "sensor", objectID: "battery", suffix: "Battery", deviceClass: "battery", unit: "%", stateClass: "measurement",
		valueTmpl: "{{ value_json.measure_battery }}", category: "diagnostic"},
	{component: "binary_sensor", objectID: "battery_low", suffix: "Battery Low", deviceClass: "battery",
		valueTmpl: "{{ 'ON' if value_json.alarm_battery else 'OFF' }}", category: "diagnostic"},
	// No device_class: "signal_strength" requires dB/dBm units, but LQI is unitless.
	{component: "sensor", objectID: "linkquality", suffix: "Link Quality", unit: "lqi", stateClass: "measurement",
		valueTmpl: "{{ value_json.linkquality }}", category: "diagnostic"},
}

// buildDiscovery generates HA discovery messages for a people counter.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	cmdTopic := stateTopic + "/set"
	nodeID := deviceIdentifier(dev.IEEEAddress)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Name:         displayName,
	}
	if dev.AppVersion != 0 {
		haDev.SWVersion = fmt.Sprintf("%d", dev.AppVersion)
	}

	msgs := make([]discoveryMsg, 0, len(counterEntities)+2)
	for _, e := range counterEntities {
		payload := haDiscovery{
			Name:              displayName + " " + e.suffix,
			UniqueID:          nodeID + "_" + e.objectID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     e.valueTmpl,
			UnitOfMeasurement: e.unit,
			DeviceClass:       e.deviceClass,
			StateClass:        e.stateClass,
			EntityCategory:    e.category,
			Icon:              e.icon,
			Device:            haDev,
		}
		if e.component == "binary_sensor" {
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID),
			Payload: mustJSON(payload),
		})
	}

	lo, hi := 0.0, float64(maxPeopleSetting)
	msgs = append(msgs, discoveryMsg{
		Topic: fmt.Sprintf("homeassistant/number/%s/people_setting/config", nodeID),
		Payload: mustJSON(haDiscovery{
			Name:              displayName + " People Setting",
			UniqueID:          nodeID + "_people_setting",
			StateTopic:        stateTopic,
			CommandTopic:      cmdTopic,
			CommandTemplate:   `{"people_setting": {{ value | int }}}`,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.people_setting }}",
			Min:               &lo,
			Max:               &hi,
			Mode:              "box",
			EntityCategory:    "config",
			Device:            haDev,
		}),
	})
	msgs = append(msgs, discoveryMsg{
		Topic: fmt.Sprintf("homeassistant/button/%s/refresh/config", nodeID),
		Payload: mustJSON(haDiscovery{
			Name:              displayName + " Refresh",
			UniqueID:          nodeID + "_refresh",
			CommandTopic:      cmdTopic,
			PayloadPress:      `{"refresh": true}`,
			AvailabilityTopic: avail,
			Icon:              "mdi:refresh",
			Device:            haDev,
		}),
	})
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(ieee string) []discoveryMsg {
	nodeID := deviceIdentifier(ieee)
	msgs := make([]discoveryMsg, 0, len(counterEntities)+2)
	for _, e := range counterEntities {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID),
		})
	}
	msgs = append(msgs,
		discoveryMsg{Topic: fmt.Sprintf("homeassistant/number/%s/people_setting/config", nodeID)},
		discoveryMsg{Topic: fmt.Sprintf("homeassistant/button/%s/refresh/config", nodeID)},
	)
	return msgs
}
