// Package tier classifies accounts into funding tiers.
package tier

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a priority class derived from an account's funding source.
// Lower values have higher priority.
type Tier int

const (
	Primary Tier = iota
	Secondary
	Trial
)

// All lists the tiers in priority order.
var All = []Tier{Primary, Secondary, Trial}

func (t Tier) String() string {
	switch t {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	case Trial:
		return "trial"
	default:
		return fmt.Sprintf("tier-%d", int(t))
	}
}

// Parse resolves a tier name case-insensitively.
func Parse(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "primary":
		return Primary, nil
	case "secondary":
		return Secondary, nil
	case "trial":
		return Trial, nil
	}
	return Trial, fmt.Errorf("unknown tier %q", name)
}

// FundingSnapshot holds the three independent balances of an account.
type FundingSnapshot struct {
	Primary   decimal.Decimal `json:"primary"`
	Secondary decimal.Decimal `json:"secondary"`
	Trial     decimal.Decimal `json:"trial"`
}

// BalanceProvider looks up the funding snapshot of an account.
type BalanceProvider interface {
	GetBalances(ctx context.Context, accountID string) (*FundingSnapshot, error)
}

// BalanceProviderFunc adapts a function to BalanceProvider
type BalanceProviderFunc func(ctx context.Context, accountID string) (*FundingSnapshot, error)

func (f BalanceProviderFunc) GetBalances(ctx context.Context, accountID string) (*FundingSnapshot, error) {
	return f(ctx, accountID)
}

// Classify maps a snapshot to exactly one tier. A nil snapshot is Trial.
func Classify(s *FundingSnapshot) Tier {
	if s == nil {
		return Trial
	}
	if s.Primary.IsPositive() {
		return Primary
	}
	if s.Secondary.IsPositive() {
		return Secondary
	}
	return Trial
}

// Classifier resolves an account's tier through a BalanceProvider.
// Lookup failures fall back to Trial, never to a higher tier.
type Classifier struct {
	provider BalanceProvider
}

func NewClassifier(provider BalanceProvider) *Classifier {
	return &Classifier{provider: provider}
}

// ClassifyAccount returns the account's tier and the lookup error, if any.
// The tier is always usable even when err is non-nil.
func (c *Classifier) ClassifyAccount(ctx context.Context, accountID string) (Tier, error) {
	if c == nil || c.provider == nil {
		return Trial, nil
	}
	snapshot, err := c.provider.GetBalances(ctx, accountID)
	if err != nil {
		return Trial, err
	}
	return Classify(snapshot), nil
}
