// Package accounts provides funding snapshots for tier classification.
package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/tiergate/internal/tier"
)

// FundingRecord holds the three funding balances of an account
type FundingRecord struct {
	AccountID string          `json:"account_id" gorm:"primaryKey;type:varchar(64)"`
	Primary   decimal.Decimal `json:"primary" gorm:"column:primary_balance;type:decimal(36,18);default:0;not null"`
	Secondary decimal.Decimal `json:"secondary" gorm:"column:secondary_balance;type:decimal(36,18);default:0;not null"`
	Trial     decimal.Decimal `json:"trial" gorm:"column:trial_balance;type:decimal(36,18);default:0;not null"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"index:idx_funding_updated"`
}

// TableName returns the table name
func (FundingRecord) TableName() string {
	return "funding_records"
}

// Snapshot converts the record for the classifier
func (r FundingRecord) Snapshot() *tier.FundingSnapshot {
	return &tier.FundingSnapshot{Primary: r.Primary, Secondary: r.Secondary, Trial: r.Trial}
}

// QueryRouter runs a data call against the pool for a read or a write
type QueryRouter interface {
	RouteQuery(ctx context.Context, isWrite bool, fn func(ctx context.Context, db *gorm.DB) error) error
}

// Repository reads funding records from the read pools and writes them
// through the write pool.
type Repository struct {
	router QueryRouter
}

// NewRepository creates a repository over router
func NewRepository(router QueryRouter) *Repository {
	return &Repository{router: router}
}

var _ tier.BalanceProvider = (*Repository)(nil)

// Migrate creates the funding table
func (r *Repository) Migrate(ctx context.Context) error {
	return r.router.RouteQuery(ctx, true, func(ctx context.Context, db *gorm.DB) error {
		return db.AutoMigrate(&FundingRecord{})
	})
}

// GetBalances returns the account's funding snapshot. An unknown account has
// all-zero balances.
func (r *Repository) GetBalances(ctx context.Context, accountID string) (*tier.FundingSnapshot, error) {
	var rec FundingRecord
	err := r.router.RouteQuery(ctx, false, func(ctx context.Context, db *gorm.DB) error {
		return db.Where("account_id = ?", accountID).Take(&rec).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &tier.FundingSnapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Snapshot(), nil
}

// Upsert inserts or replaces the record for rec.AccountID
func (r *Repository) Upsert(ctx context.Context, rec FundingRecord) error {
	return r.router.RouteQuery(ctx, true, func(ctx context.Context, db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"primary_balance", "secondary_balance", "trial_balance", "updated_at"}),
		}).Create(&rec).Error
	})
}
