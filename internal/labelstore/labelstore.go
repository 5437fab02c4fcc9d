// Package labelstore is a convenience index layered above the raw vdev
// label regions (spec.md §6): a caller can use it to answer "which
// pools/clusters/vdevs exist" without re-reading every raw label off disk
// on every query. DevManager does not use it; Taste reads labels directly.
// It is not a replacement for the label
// regions themselves, which remain the durability source of truth written
// by vdev.VdevFile.WriteLabel.
//
// Two engines are supported, matching go-ethereum's historical dual
// leveldb/pebble support: Pebble (default, cockroachdb/pebble) and
// LevelDB (syndtr/goleveldb), selected by the Engine argument to Open.
package labelstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/bfffs/bfffs/bfffserr"
)

// Engine selects the backing key-value store implementation.
type Engine int

const (
	EnginePebble Engine = iota
	EngineLevelDB
)

// Store is the minimal KV surface the label index needs.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Open opens (creating if necessary) a label index at path using engine.
func Open(path string, engine Engine) (Store, error) {
	switch engine {
	case EngineLevelDB:
		db, err := leveldb.OpenFile(path, nil)
		if err != nil {
			return nil, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "open leveldb labelstore", err)
		}
		return &levelStore{db: db}, nil
	default:
		db, err := pebble.Open(path, &pebble.Options{})
		if err != nil {
			return nil, bfffserr.Wrap(bfffserr.KindIoError, bfffserr.EAGAIN, "open pebble labelstore", err)
		}
		return &pebbleStore{db: db}, nil
	}
}

type pebbleStore struct{ db *pebble.DB }

func (s *pebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, bfffserr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (s *pebbleStore) Put(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

func (s *pebbleStore) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

func (s *pebbleStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleStore) Close() error { return s.db.Close() }

type levelStore struct{ db *leveldb.DB }

func (s *levelStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, bfffserr.ErrNotFound
	}
	return v, err
}

func (s *levelStore) Put(key, value []byte) error  { return s.db.Put(key, value, nil) }
func (s *levelStore) Delete(key []byte) error       { return s.db.Delete(key, nil) }
func (s *levelStore) Close() error                  { return s.db.Close() }

func (s *levelStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			break
		}
		if err := fn(k, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
