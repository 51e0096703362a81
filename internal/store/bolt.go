package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices      = []byte("devices")
	bucketCapabilities = []byte("capabilities")
	bucketSettings     = []byte("settings")
	bucketMeta         = []byte("meta")
	bucketNetwork      = []byte("network")
	keyNetState        = []byte("state")
)

// perDeviceBuckets hold one row per device keyed by IEEE.
var perDeviceBuckets = [][]byte{bucketDevices, bucketCapabilities, bucketSettings, bucketMeta}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range append(perDeviceBuckets, bucketNetwork) {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func (s *BoltStore) put(name []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", name, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// get decodes the row into v. ok is false when the row does not exist.
func (s *BoltStore) get(name []byte, key string, v any) (ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, v)
	})
	return ok, err
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.put(bucketDevices, dev.IEEEAddress, dev)
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	ok, err := s.get(bucketDevices, ieee, &dev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return &dev, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		data, err = json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(ieee), data)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range perDeviceBuckets {
			b, err := bucket(tx, name)
			if err != nil {
				return err
			}
			if err := b.Delete([]byte(ieee)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveCapabilities(ieee string, caps map[string]any) error {
	return s.put(bucketCapabilities, ieee, caps)
}

// GetCapabilities returns an empty map for a device that never published.
func (s *BoltStore) GetCapabilities(ieee string) (map[string]any, error) {
	caps := make(map[string]any)
	if _, err := s.get(bucketCapabilities, ieee, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

func (s *BoltStore) SaveSettings(ieee string, settings map[string]any) error {
	return s.put(bucketSettings, ieee, settings)
}

func (s *BoltStore) GetSettings(ieee string) (map[string]any, error) {
	settings := make(map[string]any)
	if _, err := s.get(bucketSettings, ieee, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

type initMarker struct {
	InitializedAt time.Time `json:"initialized_at"`
}

func (s *BoltStore) MarkInitialized(ieee string) error {
	return s.put(bucketMeta, ieee, initMarker{InitializedAt: time.Now()})
}

func (s *BoltStore) IsInitialized(ieee string) (bool, error) {
	var m initMarker
	return s.get(bucketMeta, ieee, &m)
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	// Use internal storage struct to persist the network key.
	return s.put(bucketNetwork, string(keyNetState), networkStateStorage{
		Channel:    state.Channel,
		PanID:      state.PanID,
		ExtPanID:   state.ExtPanID,
		NetworkKey: state.NetworkKey,
		Formed:     state.Formed,
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var st networkStateStorage
	ok, err := s.get(bucketNetwork, string(keyNetState), &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("network state: %w", ErrNotFound)
	}
	return &NetworkState{
		Channel:    st.Channel,
		PanID:      st.PanID,
		ExtPanID:   st.ExtPanID,
		NetworkKey: st.NetworkKey,
		Formed:     st.Formed,
	}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
