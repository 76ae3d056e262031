// Package highwater persists, per partition version, the highest txId this node has
// taken from each ring member.
package highwater

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/amza/internal/model"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var highwatersBucket = []byte("highwaters")

type key struct {
	member model.RingMember
	vpn    model.VersionedPartitionName
}

// Storage keeps highwaters in memory and writes dirty ones to bbolt on Flush, or
// once flushThreshold updates have accumulated.
type Storage struct {
	db             *bolt.DB
	flushThreshold int64
	logger         *zap.Logger

	mu      sync.Mutex
	cache   map[key]int64
	dirty   map[key]struct{}
	updates int64
}

// Open opens the highwater database at path.
func Open(path string, flushThreshold int64, logger *zap.Logger) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open highwater storage: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(highwatersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Storage{
		db:             db,
		flushThreshold: flushThreshold,
		logger:         logger,
		cache:          make(map[key]int64),
		dirty:          make(map[key]struct{}),
	}, nil
}

func vpnPrefix(vpn model.VersionedPartitionName) []byte {
	vb := vpn.ToBytes()
	buf := make([]byte, 4+len(vb))
	binary.BigEndian.PutUint32(buf, uint32(len(vb)))
	copy(buf[4:], vb)
	return buf
}

func dbKey(k key) []byte {
	return append(vpnPrefix(k.vpn), k.member.ToBytes()...)
}

// Get returns the highwater for member on vpn, or -1.
func (s *Storage) Get(member model.RingMember, vpn model.VersionedPartitionName) (int64, error) {
	k := key{member: member, vpn: vpn}
	s.mu.Lock()
	if txID, ok := s.cache[k]; ok {
		s.mu.Unlock()
		return txID, nil
	}
	s.mu.Unlock()

	txID := int64(-1)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(highwatersBucket).Get(dbKey(k)); len(v) == 8 {
			txID = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[k]; ok && cached > txID {
		return cached, nil
	}
	if txID >= 0 {
		s.cache[k] = txID
	}
	return txID, nil
}

// SetIfLarger raises the highwater for member on vpn. updates is how many rows the
// caller applied to get there; it drives the flush threshold.
func (s *Storage) SetIfLarger(member model.RingMember, vpn model.VersionedPartitionName, updates int, txID int64) (bool, error) {
	current, err := s.Get(member, vpn)
	if err != nil {
		return false, err
	}
	if txID <= current {
		return false, nil
	}

	k := key{member: member, vpn: vpn}
	s.mu.Lock()
	if cached, ok := s.cache[k]; ok && cached >= txID {
		s.mu.Unlock()
		return false, nil
	}
	s.cache[k] = txID
	s.dirty[k] = struct{}{}
	s.updates += int64(updates)
	flush := s.flushThreshold > 0 && s.updates >= s.flushThreshold
	s.mu.Unlock()

	if flush {
		if err := s.Flush(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Clear forgets every member's highwater for vpn.
func (s *Storage) Clear(vpn model.VersionedPartitionName) error {
	s.mu.Lock()
	for k := range s.cache {
		if k.vpn == vpn {
			delete(s.cache, k)
			delete(s.dirty, k)
		}
	}
	s.mu.Unlock()

	prefix := vpnPrefix(vpn)
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(highwatersBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush writes dirty highwaters to disk.
func (s *Storage) Flush() error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := make(map[key]int64, len(s.dirty))
	for k := range s.dirty {
		pending[k] = s.cache[k]
	}
	s.dirty = make(map[key]struct{})
	s.updates = 0
	s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(highwatersBucket)
		for k, txID := range pending {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(txID))
			if err := b.Put(dbKey(k), buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Lock()
		for k := range pending {
			s.dirty[k] = struct{}{}
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to flush highwaters: %w", err)
	}
	s.logger.Debug("Flushed highwaters", zap.Int("count", len(pending)))
	return nil
}

// Close flushes and closes the database.
func (s *Storage) Close() error {
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}
