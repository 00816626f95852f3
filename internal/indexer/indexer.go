// Package indexer keeps a queryable sqlite copy of every ledger transaction.
package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"github.com/google/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultLimit caps List when the filter sets no limit.
const DefaultLimit = 100

type Indexer struct {
	db *gorm.DB
}

// Filter selects indexed transactions. Zero values match everything.
type Filter struct {
	// Address matches either side of the transaction.
	Address string
	Op      string
	Success *bool
	TraceID string
	Limit   int
}

// Open opens or creates the index database at path.
func Open(path string) (*Indexer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if err := db.AutoMigrate(&models.TransactionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return &Indexer{db: db}, nil
}

func (ix *Indexer) Close() error {
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores every transaction of trace in one database transaction.
// Transactions already indexed are skipped.
func (ix *Indexer) Record(trace *chain.Trace) error {
	if trace == nil || len(trace.Transactions) == 0 {
		return nil
	}
	rows := make([]models.TransactionRecord, 0, len(trace.Transactions))
	for _, tx := range trace.Transactions {
		rows = append(rows, models.TransactionRecord{
			TraceID:    trace.ID.String(),
			LT:         tx.LT,
			From:       tx.From.String(),
			To:         tx.To.String(),
			Op:         tx.Op,
			Value:      uint64(tx.Value),
			Success:    tx.Success,
			Bounced:    tx.Bounced,
			ExitReason: tx.ExitReason,
			CreatedAt:  time.Unix(tx.Now, 0).UTC(),
		})
	}
	return ix.db.Transaction(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

// Observe is a ledger subscriber. Failures are logged; indexing never blocks
// execution.
func (ix *Indexer) Observe(trace *chain.Trace) {
	if err := ix.Record(trace); err != nil {
		logger.Errorf("index trace %s: %v", trace.ID, err)
	}
}

// List returns matching transactions, newest first.
func (ix *Indexer) List(f Filter) ([]models.TransactionRecord, error) {
	q := ix.db.Model(&models.TransactionRecord{})
	if f.Address != "" {
		q = q.Where("\"from\" = ? OR \"to\" = ?", f.Address, f.Address)
	}
	if f.Op != "" {
		q = q.Where("op = ?", f.Op)
	}
	if f.Success != nil {
		q = q.Where("success = ?", *f.Success)
	}
	if f.TraceID != "" {
		q = q.Where("trace_id = ?", f.TraceID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var records []models.TransactionRecord
	if err := q.Order("lt desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of indexed transactions.
func (ix *Indexer) Count() (int64, error) {
	var n int64
	err := ix.db.Model(&models.TransactionRecord{}).Count(&n).Error
	return n, err
}
