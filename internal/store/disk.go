package store

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DiskStore keeps the last known device state across restarts.
// Keys are namespaced per device name:
//
//	"s" + name              sensor bit set
//	"t" + name + "/" + vpin last turnout value written
type DiskStore struct {
	db *badger.DB
}

func Open(dir string) (*DiskStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(log.StandardLogger())
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open store "+dir)
	}

	return &DiskStore{db: db}, nil
}

func (s *DiskStore) Close() error {
	return s.db.Close()
}

func sensorKey(name string) []byte {
	key := make([]byte, 0, 1+len(name))
	key = append(key, 's')
	return append(key, name...)
}

func turnoutPrefix(name string) []byte {
	key := make([]byte, 0, 6+len(name))
	key = append(key, 't')
	key = append(key, name...)
	return append(key, '/')
}

// SaveSensors replaces the stored sensor bit set of device name.
func (s *DiskStore) SaveSensors(name string, bits []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sensorKey(name), bits)
	})
}

// LoadSensors returns the stored sensor bit set, or nil if there is none.
func (s *DiskStore) LoadSensors(name string) ([]byte, error) {
	var bits []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sensorKey(name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		bits, err = item.ValueCopy(nil)
		return err
	})

	return bits, err
}

// SaveTurnout records the last value written to a turnout.
func (s *DiskStore) SaveTurnout(name string, vpin uint32, value uint8) error {
	key := turnoutPrefix(name)
	key = append(key, byte(vpin>>24), byte(vpin>>16), byte(vpin>>8), byte(vpin))

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte{value})
	})
}

// LoadTurnouts calls iter for every turnout recorded for device name.
func (s *DiskStore) LoadTurnouts(name string, iter func(vpin uint32, value uint8)) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := turnoutPrefix(name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			if len(k) != len(prefix)+4 {
				continue
			}
			err := item.Value(func(val []byte) error {
				if len(val) == 1 {
					iter(binary.BigEndian.Uint32(k[len(prefix):]), val[0])
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC compacts the value log every interval until ctx is done.
func (s *DiskStore) RunGC(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if err != badger.ErrNoRewrite {
					log.WithFields(log.Fields{
						"err": err,
					}).Warn("store value log GC")
				}
				break
			}
		}
	}
}
