// pkg/diskio/store.go

package diskio

import (
	"bytes"
	"sync/atomic"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/compress"
	"AveGrid/pkg/object"

	"github.com/pkg/errors"
)

// Config of the two storage tiers.
type Config struct {
	RuntimeCacheSize int64 // MiB, 0 writes straight through to the persistent tier
	Compression      string
	SlowOperation    time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		RuntimeCacheSize: 256,
		Compression:      "lz4",
		SlowOperation:    time.Second,
	}
}

// Stats of a Store.
type Stats struct {
	RuntimeEntries   int64
	RuntimeBytes     int64
	RuntimeHits      int64
	PersistentReads  int64
	PersistentMisses int64
	PersistentWrites int64
	WriteErrors      int64
}

// Store keeps encoded chunks in memory and spills them to an object storage.
type Store struct {
	conf       Config
	layout     *chunk.LayoutInfo
	persistent object.ObjectStorage
	compressor compress.Compressor
	mem        *memCache
	group      Controller

	runtimeHits      int64
	persistentReads  int64
	persistentMisses int64
	persistentWrites int64
	writeErrors      int64
}

// NewStore creates a Store for chunks of `layout` persisted in `persistent`.
func NewStore(layout *chunk.LayoutInfo, persistent object.ObjectStorage, conf *Config) (*Store, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	compressor := compress.NewCompressor(conf.Compression)
	if compressor == nil {
		return nil, errors.Errorf("unknown compression algorithm: %s", conf.Compression)
	}
	return &Store{
		conf:       *conf,
		layout:     layout,
		persistent: persistent,
		compressor: compressor,
		mem:        newMemCache(conf.RuntimeCacheSize << 20),
	}, nil
}

func (s *Store) logSlow(op string, id chunk.ID, start time.Time) {
	used := time.Since(start)
	if s.conf.SlowOperation > 0 && used > s.conf.SlowOperation {
		logger.Infof("slow operation: %s %s <%.6f>", op, id, used.Seconds())
	}
}

func (s *Store) decode(id chunk.ID, data []byte) (*chunk.Chunk, error) {
	c, err := chunk.Decode(data, s.layout)
	if err != nil {
		return nil, errors.Wrapf(err, "decode chunk %s", id)
	}
	return c, nil
}

func (s *Store) LoadFromRuntimeCache(id chunk.ID) (*chunk.Chunk, bool, error) {
	data, ok := s.mem.load(id)
	if !ok {
		return nil, false, nil
	}
	atomic.AddInt64(&s.runtimeHits, 1)
	c, err := s.decode(id, data)
	return c, err == nil, err
}

func (s *Store) LoadFromPersistentCache(id chunk.ID) (*chunk.Chunk, bool, error) {
	start := time.Now()
	defer s.logSlow("read", id, start)
	atomic.AddInt64(&s.persistentReads, 1)
	data, err := s.group.Execute(id, func() ([]byte, error) {
		return object.ReadAll(s.persistent, id.Key())
	})
	if object.IsNotFound(err) {
		atomic.AddInt64(&s.persistentMisses, 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read chunk %s from %s", id, s.persistent)
	}
	c, err := s.decode(id, data)
	return c, err == nil, err
}

func (s *Store) StoreInRuntimeCache(c *chunk.Chunk, id chunk.ID) {
	data, err := chunk.Encode(c, s.compressor)
	if err != nil {
		atomic.AddInt64(&s.writeErrors, 1)
		logger.Errorf("encode chunk %s: %s", id, err)
		return
	}
	if s.conf.RuntimeCacheSize <= 0 {
		if err = s.persist(id, data); err != nil {
			// keep it around so the next Flush can retry
			s.mem.cache(id, data, true)
			logger.Errorf("write chunk %s: %s", id, err)
		}
		return
	}
	for k, v := range s.mem.cache(id, data, true) {
		if err := s.persist(k, v); err != nil {
			logger.Errorf("write evicted chunk %s: %s", k, err)
			continue
		}
		s.mem.flushed(k, v)
	}
}

func (s *Store) persist(id chunk.ID, data []byte) error {
	start := time.Now()
	defer s.logSlow("write", id, start)
	if err := s.persistent.Put(id.Key(), bytes.NewReader(data)); err != nil {
		atomic.AddInt64(&s.writeErrors, 1)
		return err
	}
	atomic.AddInt64(&s.persistentWrites, 1)
	return nil
}

// Flush writes every chunk not yet persisted to the persistent tier.
func (s *Store) Flush() error {
	var failed int
	var lastErr error
	for id, data := range s.mem.dirtyItems() {
		if err := s.persist(id, data); err != nil {
			failed++
			lastErr = err
			logger.Errorf("flush chunk %s: %s", id, err)
			continue
		}
		s.mem.markClean(id, data)
		s.mem.flushed(id, data)
	}
	if failed > 0 {
		return errors.Wrapf(lastErr, "flush %d chunks", failed)
	}
	return nil
}

// Remove deletes a chunk from both tiers.
func (s *Store) Remove(id chunk.ID) error {
	s.mem.remove(id)
	if err := s.persistent.Delete(id.Key()); err != nil && !object.IsNotFound(err) {
		return errors.Wrapf(err, "delete chunk %s", id)
	}
	return nil
}

func (s *Store) Stats() Stats {
	entries, used := s.mem.stats()
	return Stats{
		RuntimeEntries:   entries,
		RuntimeBytes:     used,
		RuntimeHits:      atomic.LoadInt64(&s.runtimeHits),
		PersistentReads:  atomic.LoadInt64(&s.persistentReads),
		PersistentMisses: atomic.LoadInt64(&s.persistentMisses),
		PersistentWrites: atomic.LoadInt64(&s.persistentWrites),
		WriteErrors:      atomic.LoadInt64(&s.writeErrors),
	}
}
