// Package txid hands out strictly increasing transaction ids.
package txid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// OrderIDProvider returns ids that increase with every call.
type OrderIDProvider interface {
	NextID() int64
}

// MemoryProvider is a counter seeded from the wall clock, so ids keep growing
// across restarts as long as the clock does.
type MemoryProvider struct {
	last atomic.Int64
}

// NewMemoryProvider creates a provider seeded with the current time in microseconds.
func NewMemoryProvider() *MemoryProvider {
	p := &MemoryProvider{}
	p.last.Store(time.Now().UnixMicro())
	return p
}

// NewMemoryProviderFrom creates a provider whose first id is start+1.
func NewMemoryProviderFrom(start int64) *MemoryProvider {
	p := &MemoryProvider{}
	p.last.Store(start)
	return p
}

func (p *MemoryProvider) NextID() int64 {
	return p.last.Add(1)
}

// SQLiteProvider reserves blocks of ids in a sqlite table and hands them out from
// memory. A restart skips the unused part of the last block.
type SQLiteProvider struct {
	db        *sql.DB
	blockSize int64
	logger    *zap.Logger

	mu   sync.Mutex
	next int64
	max  int64
}

// OpenSQLiteProvider opens (or creates) the id table in the sqlite database at path.
func OpenSQLiteProvider(ctx context.Context, path string, blockSize int64, logger *zap.Logger) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open id database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "create table if not exists order_ids(counter bigint not null)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create id table: %w", err)
	}
	p := &SQLiteProvider{db: db, blockSize: blockSize, logger: logger}
	if err := p.reserve(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// reserve claims the next block. Callers hold mu, except during open.
func (p *SQLiteProvider) reserve(ctx context.Context) error {
	var newMax int64
	err := p.db.QueryRowContext(ctx,
		"update order_ids set counter = counter + $1 returning counter", p.blockSize).Scan(&newMax)
	if errors.Is(err, sql.ErrNoRows) {
		err = p.db.QueryRowContext(ctx,
			"insert into order_ids (counter) values ($1) returning counter", p.blockSize).Scan(&newMax)
	}
	if err != nil {
		return fmt.Errorf("failed to reserve ids: %w", err)
	}
	p.max = newMax
	p.next = newMax - p.blockSize
	p.logger.Debug("Reserved order id block", zap.Int64("max", newMax))
	return nil
}

// NextID returns the next id, reserving a new block when the current one runs out.
// It panics if sqlite cannot reserve a block, since handing out a duplicate id
// would break txId ordering.
func (p *SQLiteProvider) NextID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= p.max {
		if err := p.reserve(context.Background()); err != nil {
			panic(err)
		}
	}
	p.next++
	return p.next
}

// Close closes the database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}
