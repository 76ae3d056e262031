package index

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/devrev/amza/internal/model"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	pointersBucket = []byte("pointers")
	metaBucket     = []byte("meta")
	txsBucket      = []byte("txs")
	highestTxKey   = []byte("highest_tx_id")
)

// iteratorBatch bounds how many entries a bolt iterator reads per read transaction,
// so long scans never pin a transaction across a merge.
const iteratorBatch = 512

// BoltIndex is the persisted pointer index of a base partition store.
type BoltIndex struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// OpenBoltIndex opens or creates the index at path.
func OpenBoltIndex(path string, logger *zap.Logger) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pointersBucket, metaBucket, txsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index buckets: %w", err)
	}
	return &BoltIndex{db: db, path: path, logger: logger}, nil
}

func encodePointer(p model.WALPointer) ([]byte, error) {
	return msgpack.Marshal(&p)
}

func decodePointer(data []byte) (model.WALPointer, error) {
	var p model.WALPointer
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return model.WALPointer{}, fmt.Errorf("failed to decode pointer: %w", err)
	}
	return p, nil
}

func (b *BoltIndex) GetPointer(composed []byte) (model.WALPointer, bool, error) {
	var (
		ptr   model.WALPointer
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(pointersBucket).Get(composed)
		if data == nil {
			return nil
		}
		p, err := decodePointer(data)
		if err != nil {
			return err
		}
		ptr, found = p, true
		return nil
	})
	return ptr, found, err
}

func (b *BoltIndex) Len() int {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pointersBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		b.logger.Warn("Failed to count index keys", zap.String("path", b.path), zap.Error(err))
	}
	return n
}

// HighestTxID is the highest transaction applied to the index, or -1.
func (b *BoltIndex) HighestTxID() (int64, error) {
	highest := int64(-1)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(highestTxKey)
		if len(data) == 8 {
			highest = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return highest, err
}

// TxStart records where a transaction's first row sits in the row file.
type TxStart struct {
	TxID int64
	Fp   int64
}

func txKey(txID int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(txID))
	return buf
}

// Apply merges entries in one transaction and records txID as the highest applied
// transaction. An entry replaces the stored pointer only when its timestamp is not
// older. firstFp is where the transaction's rows start in the row file, or -1.
// Returns how many pointers changed.
func (b *BoltIndex) Apply(txID, firstFp int64, entries []model.KeyedPointer) (int, error) {
	applied := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		if firstFp >= 0 {
			if err := tx.Bucket(txsBucket).Put(txKey(txID), txKey(firstFp)); err != nil {
				return err
			}
		}
		pointers := tx.Bucket(pointersBucket)
		for _, e := range entries {
			if existing := pointers.Get(e.Composed); existing != nil {
				current, err := decodePointer(existing)
				if err != nil {
					return err
				}
				if e.Pointer.Timestamp < current.Timestamp {
					continue
				}
			}
			data, err := encodePointer(e.Pointer)
			if err != nil {
				return err
			}
			if err := pointers.Put(e.Composed, data); err != nil {
				return err
			}
			applied++
		}
		return putHighest(tx, txID)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply tx %d to index: %w", txID, err)
	}
	return applied, nil
}

// Load bulk-writes entries as-is, used when rebuilding an index during compaction.
func (b *BoltIndex) Load(entries []model.KeyedPointer, starts []TxStart, highestTxID int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		txs := tx.Bucket(txsBucket)
		for _, s := range starts {
			if err := txs.Put(txKey(s.TxID), txKey(s.Fp)); err != nil {
				return err
			}
		}
		pointers := tx.Bucket(pointersBucket)
		for _, e := range entries {
			data, err := encodePointer(e.Pointer)
			if err != nil {
				return err
			}
			if err := pointers.Put(e.Composed, data); err != nil {
				return err
			}
		}
		return putHighest(tx, highestTxID)
	})
}

func putHighest(tx *bolt.Tx, txID int64) error {
	meta := tx.Bucket(metaBucket)
	if data := meta.Get(highestTxKey); len(data) == 8 && int64(binary.BigEndian.Uint64(data)) >= txID {
		return nil
	}
	return meta.Put(highestTxKey, txKey(txID))
}

// SeekTx returns the row file position of the first transaction above txID.
func (b *BoltIndex) SeekTx(txID int64) (int64, bool, error) {
	var (
		fp    int64
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(txsBucket).Cursor()
		var v []byte
		if txID < 0 {
			_, v = c.First()
		} else {
			_, v = c.Seek(txKey(txID + 1))
		}
		if len(v) == 8 {
			fp, found = int64(binary.BigEndian.Uint64(v)), true
		}
		return nil
	})
	return fp, found, err
}

// LastTxStart returns the row file position of the last transaction at or below txID.
func (b *BoltIndex) LastTxStart(txID int64) (int64, bool, error) {
	var (
		fp    int64
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(txsBucket).Cursor()
		k, v := c.Seek(txKey(txID + 1))
		if k == nil {
			_, v = c.Last()
		} else {
			_, v = c.Prev()
		}
		if len(v) == 8 {
			fp, found = int64(binary.BigEndian.Uint64(v)), true
		}
		return nil
	})
	return fp, found, err
}

// ForgetTxsFrom drops transactions whose first row sits at or past fp and lowers
// the highest txId below the first one dropped. It returns the highest txId.
func (b *BoltIndex) ForgetTxsFrom(fp int64) (int64, error) {
	highest := int64(-1)
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if data := meta.Get(highestTxKey); len(data) == 8 {
			highest = int64(binary.BigEndian.Uint64(data))
		}
		c := tx.Bucket(txsBucket).Cursor()
		dropped := int64(-1)
		for k, v := c.Last(); k != nil; k, v = c.Last() {
			if len(v) != 8 || int64(binary.BigEndian.Uint64(v)) < fp {
				break
			}
			dropped = int64(binary.BigEndian.Uint64(k))
			if err := c.Delete(); err != nil {
				return err
			}
		}
		if dropped < 0 || dropped > highest {
			return nil
		}
		highest = dropped - 1
		return meta.Put(highestTxKey, txKey(highest))
	})
	if err != nil {
		return -1, fmt.Errorf("failed to forget transactions past %d: %w", fp, err)
	}
	return highest, nil
}

func (b *BoltIndex) RangeIterator(from, to []byte) (Iterator, error) {
	return &boltIterator{index: b, from: from, to: to, pos: -1}, nil
}

// Sync forces the index to disk.
func (b *BoltIndex) Sync() error {
	return b.db.Sync()
}

// Path is the index file path.
func (b *BoltIndex) Path() string {
	return b.path
}

// Close closes the index.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}

type boltIterator struct {
	index   *BoltIndex
	from    []byte
	to      []byte
	batch   []model.KeyedPointer
	pos     int
	resume  []byte
	started bool
	done    bool
	err     error
}

func (it *boltIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos+1 < len(it.batch) {
		it.pos++
		return true
	}
	if it.done {
		return false
	}
	if err := it.fill(); err != nil {
		it.err = err
		return false
	}
	if len(it.batch) == 0 {
		return false
	}
	it.pos = 0
	return true
}

// fill reads the next batch in its own read transaction, resuming after the last key.
func (it *boltIterator) fill() error {
	it.batch = it.batch[:0]
	it.pos = -1
	return it.index.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pointersBucket).Cursor()
		var k, v []byte
		switch {
		case it.started:
			k, v = c.Seek(it.resume)
			if k != nil && string(k) == string(it.resume) {
				k, v = c.Next()
			}
		case it.from != nil:
			k, v = c.Seek(it.from)
		default:
			k, v = c.First()
		}
		it.started = true
		for ; k != nil; k, v = c.Next() {
			if !inRange(k, it.from, it.to) {
				it.done = true
				return nil
			}
			p, err := decodePointer(v)
			if err != nil {
				return err
			}
			composed := append([]byte(nil), k...)
			it.batch = append(it.batch, model.KeyedPointer{Composed: composed, Pointer: p})
			if len(it.batch) >= iteratorBatch {
				it.resume = composed
				return nil
			}
		}
		it.done = true
		return nil
	})
}

func (it *boltIterator) Entry() model.KeyedPointer { return it.batch[it.pos] }
func (it *boltIterator) Err() error                { return it.err }
func (it *boltIterator) Close() error {
	it.done = true
	it.batch = nil
	return nil
}
