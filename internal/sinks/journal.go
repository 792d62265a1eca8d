// Package sinks holds the downstream handlers that write dispatched
// operations to the relational store and the cache.
package sinks

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/scheduler"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

// QueryRouter runs a data call against the pool for a read or a write
type QueryRouter interface {
	RouteQuery(ctx context.Context, isWrite bool, fn func(ctx context.Context, db *gorm.DB) error) error
}

// JournalEntry is one dispatched operation recorded in the store
type JournalEntry struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID  string    `gorm:"size:64;index:idx_journal_account_recorded" json:"account_id"`
	Tier       string    `gorm:"size:16" json:"tier"`
	Kind       string    `gorm:"size:32;index" json:"kind"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RecordedAt time.Time `gorm:"index:idx_journal_account_recorded" json:"recorded_at"`
}

// TableName overrides the table name used by gorm
func (JournalEntry) TableName() string {
	return "operation_journal"
}

// Journal records balance updates and trade executions through the write pool.
// Inserts are idempotent on the operation id.
type Journal struct {
	router QueryRouter
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewJournal creates a journal handler
func NewJournal(router QueryRouter, clock clockwork.Clock, logger *zap.Logger) *Journal {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{router: router, clock: clock, logger: logger}
}

var _ scheduler.Handler = (*Journal)(nil)

// Migrate creates the journal table
func (j *Journal) Migrate(ctx context.Context) error {
	return j.router.RouteQuery(ctx, true, func(ctx context.Context, db *gorm.DB) error {
		return db.AutoMigrate(&JournalEntry{})
	})
}

// Handle inserts every operation on its own so one bad row does not fail the rest
func (j *Journal) Handle(ctx context.Context, ops []orderqueue.Operation) ([]scheduler.Result, error) {
	results := make([]scheduler.Result, len(ops))
	now := j.clock.Now()

	err := j.router.RouteQuery(ctx, true, func(ctx context.Context, db *gorm.DB) error {
		var failures []error
		for i, op := range ops {
			results[i] = scheduler.Result{OperationID: op.ID}
			entry := JournalEntry{
				ID:         op.ID,
				AccountID:  op.AccountID,
				Tier:       op.Tier.String(),
				Kind:       string(op.Kind),
				Payload:    op.Payload,
				EnqueuedAt: op.EnqueuedAt,
				RecordedAt: now,
			}
			if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
				results[i].Err = err
				failures = append(failures, err)
				j.logger.Debug("journal insert failed",
					zap.String("operation_id", op.ID),
					zap.Error(err))
			}
		}
		// report a failed write to the pool statistics only when nothing landed
		if len(failures) == len(ops) {
			return errors.Join(failures...)
		}
		return nil
	})
	if err != nil && errs.Is(err, errs.PoolUnavailable) {
		return nil, err
	}
	return results, nil
}

// Recent returns the latest entries for an account from a read pool
func (j *Journal) Recent(ctx context.Context, accountID string, limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.router.RouteQuery(ctx, false, func(ctx context.Context, db *gorm.DB) error {
		return db.Where("account_id = ?", accountID).
			Order("recorded_at DESC").
			Limit(limit).
			Find(&entries).Error
	})
	return entries, err
}
