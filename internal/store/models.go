package store

import "time"

// Device is a configured people counter and what the hub learned about it.
type Device struct {
	IEEEAddress  string    `json:"ieee_address"`
	ShortAddress uint16    `json:"short_address"`
	Endpoint     uint8     `json:"endpoint"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	ZCLVersion   uint8     `json:"zcl_version,omitempty"`
	AppVersion   uint8     `json:"app_version,omitempty"`
	PowerSource  uint8     `json:"power_source,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
	LQI          uint8     `json:"lqi,omitempty"`
	RSSI         int8      `json:"rssi,omitempty"`
}

// NetworkState holds persisted network configuration.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NetworkState struct {
	Channel    uint8  `json:"channel"`
	PanID      uint16 `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	NetworkKey string `json:"-"`
	Formed     bool   `json:"formed"`
}

// networkStateStorage is the internal struct used for DB serialization,
// preserving the network key on disk.
type networkStateStorage struct {
	Channel    uint8  `json:"channel"`
	PanID      uint16 `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	NetworkKey string `json:"network_key,omitempty"`
	Formed     bool   `json:"formed"`
}
