package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

// Key layout:
//
//	proxy rows:    [keySetProxy][proxy type][address]  -> [float64 bits][unix nanos]
//	scanned pairs: [keySetScanned][subnet:port]         -> empty
const (
	keySetProxy   = byte(0x01)
	keySetScanned = byte(0x02)

	proxyValueLen = 16
)

// LevelDBStorage implements Storage on top of an embedded leveldb database.
type LevelDBStorage struct {
	db *leveldb.DB

	// writeMu serializes writers so that each batch is applied atomically
	// with respect to other batches.
	writeMu sync.Mutex
	now     func() time.Time
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBStorage, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open proxy database")
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("path", path).Msg("Proxy database loaded.")
	return newLevelDBStorage(db), nil
}

// OpenMemStorage returns a storage backed by an in-memory leveldb. Nothing is
// written to disk.
func OpenMemStorage() (*LevelDBStorage, error) {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open in-memory database")
	}
	return newLevelDBStorage(db), nil
}

func newLevelDBStorage(db *leveldb.DB) *LevelDBStorage {
	return &LevelDBStorage{db: db, now: time.Now}
}

func proxyPrefix(t model.ProxyType) []byte {
	return []byte{keySetProxy, byte(t)}
}

func proxyKey(t model.ProxyType, addr string) []byte {
	key := make([]byte, 0, 2+len(addr))
	key = append(key, keySetProxy, byte(t))
	return append(key, addr...)
}

func scannedKey(p model.ScanPair) []byte {
	return append([]byte{keySetScanned}, p.Key()...)
}

func encodeProxyValue(p model.LiveProxy) []byte {
	buf := make([]byte, proxyValueLen)
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(p.ResponseTime))
	binary.BigEndian.PutUint64(buf[8:16], uint64(p.LastChecked.UnixNano()))
	return buf
}

func decodeProxyValue(t model.ProxyType, key, value []byte) (model.LiveProxy, error) {
	if len(value) != proxyValueLen {
		return model.LiveProxy{}, fmt.Errorf("malformed value for %q: %d bytes", key, len(value))
	}
	return model.LiveProxy{
		Type:         t,
		Address:      string(key[2:]),
		ResponseTime: math.Float64frombits(binary.BigEndian.Uint64(value[0:8])),
		LastChecked:  time.Unix(0, int64(binary.BigEndian.Uint64(value[8:16]))),
	}, nil
}

// Upsert implements Storage.
func (s *LevelDBStorage) Upsert(proxies []model.LiveProxy) error {
	if len(proxies) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, p := range proxies {
		if !p.Type.Valid() {
			return model.MakeError(model.ErrStore, fmt.Sprintf("refusing to store %s with invalid type", p.Address))
		}
		batch.Put(proxyKey(p.Type, p.Address), encodeProxyValue(p))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, "failed to upsert proxies")
	}
	return nil
}

// List implements Storage.
func (s *LevelDBStorage) List(t model.ProxyType, f Filter) ([]model.LiveProxy, error) {
	l := logger.WithComponent("ProxyPool/Storage")
	now := s.now()

	iter := s.db.NewIterator(util.BytesPrefix(proxyPrefix(t)), nil)
	defer iter.Release()

	proxies := make([]model.LiveProxy, 0)
	for iter.Next() {
		p, err := decodeProxyValue(t, iter.Key(), iter.Value())
		if err != nil {
			l.Warn().Err(err).Msg("Skipping malformed row in proxy database.")
			continue
		}
		if f.Match(p, now) {
			proxies = append(proxies, p)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to iterate proxies")
	}

	model.SortByLatency(proxies)
	return proxies, nil
}

// Delete implements Storage.
func (s *LevelDBStorage) Delete(t model.ProxyType, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, addr := range addrs {
		batch.Delete(proxyKey(t, addr))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, "failed to delete proxies")
	}
	return nil
}

// DeleteOlderThan implements Storage.
func (s *LevelDBStorage) DeleteOlderThan(t model.ProxyType, cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(proxyPrefix(t)), nil)
	for iter.Next() {
		p, err := decodeProxyValue(t, iter.Key(), iter.Value())
		if err != nil || p.LastChecked.Before(cutoff) {
			// Malformed rows are dropped as well.
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return 0, convertLdbErr(err, "failed to iterate proxies")
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, convertLdbErr(err, "failed to delete stale proxies")
	}
	return batch.Len(), nil
}

// MarkScanned implements Storage.
func (s *LevelDBStorage) MarkScanned(pairs []model.ScanPair) error {
	if len(pairs) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, p := range pairs {
		batch.Put(scannedKey(p), nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, "failed to record scanned pairs")
	}
	return nil
}

// ScannedPairs implements Storage.
func (s *LevelDBStorage) ScannedPairs() (map[model.ScanPair]struct{}, error) {
	l := logger.WithComponent("ProxyPool/Storage")
	iter := s.db.NewIterator(util.BytesPrefix([]byte{keySetScanned}), nil)
	defer iter.Release()

	pairs := make(map[model.ScanPair]struct{})
	for iter.Next() {
		p, err := model.ParseScanPairKey(string(iter.Key()[1:]))
		if err != nil {
			l.Warn().Err(err).Msg("Skipping malformed scanned pair.")
			continue
		}
		pairs[p] = struct{}{}
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to iterate scanned pairs")
	}
	return pairs, nil
}

// Close implements Storage.
func (s *LevelDBStorage) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Close(); err != nil {
		return convertLdbErr(err, "failed to close proxy database")
	}
	return nil
}

// convertLdbErr converts the passed leveldb error into a store error with the
// passed description. The leveldb error is kept as the raw error.
func convertLdbErr(ldbErr error, desc string) error {
	switch {
	case ldberrors.IsCorrupted(ldbErr):
		desc += " (database corrupted)"
	case errors.Is(ldbErr, leveldb.ErrClosed):
		desc += " (database closed)"
	}
	return model.WrapError(model.ErrStore, desc, ldbErr)
}
