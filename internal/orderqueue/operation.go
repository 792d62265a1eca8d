// Package orderqueue holds admitted operations in bounded per-tier sub-queues
// and drains them into weighted batches.
package orderqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/tiergate/internal/tier"
)

// Kind names the downstream operation type. Items are grouped by kind at dispatch.
type Kind string

const (
	KindBalanceUpdate   Kind = "balance-update"
	KindTradeExecution  Kind = "trade-execution"
	KindMarketDataWrite Kind = "market-data-write"
	KindNotification    Kind = "notification"
)

// Operation is an immutable unit of admitted work.
type Operation struct {
	ID         string    // Unique operation identifier, doubles as the caller's ticket
	Tier       tier.Tier // Funding tier at admission
	Kind       Kind      // Downstream operation type
	Payload    []byte    // Opaque to the scheduler
	AccountID  string
	EnqueuedAt time.Time
}

// NewOperation stamps a fresh id on a new operation.
func NewOperation(accountID string, t tier.Tier, kind Kind, payload []byte, now time.Time) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Tier:       t,
		Kind:       kind,
		Payload:    payload,
		AccountID:  accountID,
		EnqueuedAt: now,
	}
}
