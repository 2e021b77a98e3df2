package devsvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
)

const (
	selectionKey    = "bridge/selection"
	deviceKeyPrefix = "bridge/devices/"
)

// DeviceRecord is the persisted view of a device, keyed by identity.
type DeviceRecord struct {
	Identity    string    `json:"identity"`
	Name        string    `json:"name"`
	Phys        string    `json:"phys"`
	Uniq        string    `json:"uniq"`
	Source      string    `json:"source"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Store persists the device selection and per-device metadata in
// badger. Selection is a set of identities; it survives restarts and is
// mutated only by explicit Select/Deselect calls.
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func deviceKey(identity string) []byte {
	return []byte(deviceKeyPrefix + identity)
}

// Selection loads the set of selected identities.
func (s *Store) Selection() (map[string]struct{}, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(selectionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ids)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load selection: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Select adds an identity to the selection.
func (s *Store) Select(identity string) error {
	return s.mutateSelection(func(set map[string]struct{}) {
		set[identity] = struct{}{}
	})
}

// Deselect removes an identity from the selection.
func (s *Store) Deselect(identity string) error {
	return s.mutateSelection(func(set map[string]struct{}) {
		delete(set, identity)
	})
}

func (s *Store) mutateSelection(mutate func(map[string]struct{})) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var ids []string
		item, err := txn.Get([]byte(selectionKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ids)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal selection: %w", err)
			}
		}
		set := make(map[string]struct{}, len(ids)+1)
		for _, id := range ids {
			set[id] = struct{}{}
		}
		mutate(set)
		ids = ids[:0]
		for id := range set {
			ids = append(ids, id)
		}
		b, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to marshal selection: %w", err)
		}
		return txn.Set([]byte(selectionKey), b)
	})
	if err != nil {
		return fmt.Errorf("failed to update selection: %w", err)
	}
	return nil
}

// RecordSighting upserts the device record for a discovered descriptor,
// keeping firstSeenAt and refreshing lastSeenAt.
func (s *Store) RecordSighting(desc Descriptor, now time.Time) (DeviceRecord, error) {
	identity := desc.Identity()
	var rec DeviceRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(identity)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device record: %w", err)
			}
		}
		rec.Identity = identity
		rec.Name = desc.Name
		rec.Phys = desc.Phys
		rec.Uniq = desc.Uniq
		rec.Source = desc.Source()
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = now
		}
		rec.LastSeenAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device record: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("failed to record device sighting: %w", err)
	}
	return rec, nil
}

// ListDevices returns every device ever recorded.
func (s *Store) ListDevices() ([]DeviceRecord, error) {
	var records []DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(deviceKeyPrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var rec DeviceRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return records, nil
}
