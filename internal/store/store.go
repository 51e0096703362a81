package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	// DeleteDevice removes the device together with its capabilities,
	// settings and init marker.
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// Capability values last published for a device.
	SaveCapabilities(ieee string, caps map[string]any) error
	GetCapabilities(ieee string) (map[string]any, error)

	// User settings of a device.
	SaveSettings(ieee string, settings map[string]any) error
	GetSettings(ieee string) (map[string]any, error)

	// First-init markers.
	MarkInitialized(ieee string) error
	IsInitialized(ieee string) (bool, error)

	// Network state
	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	// Close the store
	Close() error
}
