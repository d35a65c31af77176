package ocspxy

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// StoreErrorKind classifies a Cache Store Adapter failure.
type StoreErrorKind int

const (
	StoreUnavailable StoreErrorKind = iota
	StoreCorrupt
)

// StoreError reports a failure reading, writing or listing the shared
// key-value store.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Kind == StoreCorrupt {
		return fmt.Sprintf("ocspxy: store corrupt: %v", e.Err)
	}
	return fmt.Sprintf("ocspxy: store unavailable: %v", e.Err)
}
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the narrow interface the rest of the proxy uses over the
// shared key-value store, per spec.md §4.3. Get returns (entry, false,
// nil) when the key is simply absent — that is not an error.
type Store interface {
	Get(key string) (CacheEntry, bool, error)
	Put(entry CacheEntry) error
	Delete(key string) error
	ListKeys(prefix string) ([]string, error)
	Close() error
}

// levelDBStore implements Store over an embedded, persistent LevelDB
// database, standing in for the "shared key-value store" of spec.md §1/§6
// so that cached entries genuinely survive a restart. Grounded on
// devforth-wait0's diskCache, simplified to a single key namespace since
// CacheEntry carries no separate metadata/body split the way the
// teacher's HTTP cache entries did.
type levelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (creating if necessary) a LevelDB database at
// path.
func NewLevelDBStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, &StoreError{Kind: StoreUnavailable, Err: err}
	}
	return &levelDBStore{db: db}, nil
}

func (s *levelDBStore) Get(key string) (CacheEntry, bool, error) {
	b, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, &StoreError{Kind: StoreUnavailable, Err: err}
	}
	var ent CacheEntry
	if err := gobDecode(b, &ent); err != nil {
		return CacheEntry{}, false, &StoreError{Kind: StoreCorrupt, Err: err}
	}
	return ent, true, nil
}

func (s *levelDBStore) Put(entry CacheEntry) error {
	b, err := gobEncode(entry)
	if err != nil {
		return &StoreError{Kind: StoreCorrupt, Err: err}
	}
	if err := s.db.Put([]byte(entry.CacheKey), b, nil); err != nil {
		return &StoreError{Kind: StoreUnavailable, Err: err}
	}
	return nil
}

func (s *levelDBStore) Delete(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return &StoreError{Kind: StoreUnavailable, Err: err}
	}
	return nil
}

func (s *levelDBStore) ListKeys(prefix string) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, &StoreError{Kind: StoreUnavailable, Err: err}
	}
	return keys, nil
}

func (s *levelDBStore) Close() error {
	return s.db.Close()
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
