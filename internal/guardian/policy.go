package guardian

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxSettlementWindow bounds how far in the future a settlement deadline may lie.
const MaxSettlementWindow = 24 * time.Hour

// Policy holds the thresholds the three laws are evaluated against.
type Policy struct {
	MaxSettlementAmount decimal.Decimal
	SettlementWindow    time.Duration

	MaxPriceDeviationBps        int64
	MaxUpdatesPerPeriod         uint64
	SuspiciousActivityThreshold uint64
	SuspiciousSeverityCutoff    uint8

	NegativeBalanceTimeout time.Duration
	GlobalNegativeCap      decimal.Decimal

	DefaultActions map[LawType]Action

	ActivePenalty   uint64
	CriticalPenalty uint64
	CompliantScore  uint8
}

// DefaultPolicy returns the thresholds used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxSettlementAmount:         decimal.NewFromInt(1_000_000),
		SettlementWindow:            MaxSettlementWindow,
		MaxPriceDeviationBps:        500,
		MaxUpdatesPerPeriod:         100,
		SuspiciousActivityThreshold: 5,
		SuspiciousSeverityCutoff:    80,
		NegativeBalanceTimeout:      time.Hour,
		GlobalNegativeCap:           decimal.NewFromInt(10_000_000),
		DefaultActions: map[LawType]Action{
			LawFundsProtection:   ActionLogOnly,
			LawMarketIntegrity:   ActionLogOnly,
			LawBalanceProtection: ActionPause,
		},
		ActivePenalty:   5,
		CriticalPenalty: 10,
		CompliantScore:  80,
	}
}

// Validate rejects policies that cannot be enforced.
func (p Policy) Validate() error {
	if p.SettlementWindow <= 0 || p.SettlementWindow > MaxSettlementWindow {
		return fmt.Errorf("settlement window must be within (0, %s]", MaxSettlementWindow)
	}
	if p.MaxPriceDeviationBps <= 0 {
		return fmt.Errorf("max price deviation must be positive")
	}
	if p.MaxUpdatesPerPeriod == 0 {
		return fmt.Errorf("max updates per period must be positive")
	}
	if p.SuspiciousSeverityCutoff > 100 {
		return fmt.Errorf("suspicious severity cutoff must be within 0-100")
	}
	if p.NegativeBalanceTimeout <= 0 {
		return fmt.Errorf("negative balance timeout must be positive")
	}
	if p.GlobalNegativeCap.IsNegative() {
		return fmt.Errorf("global negative cap cannot be negative")
	}
	if p.CompliantScore > 100 {
		return fmt.Errorf("compliant score must be within 0-100")
	}
	for law, action := range p.DefaultActions {
		if !validDefaultAction(action) {
			return fmt.Errorf("default action for %s: %w", law, ErrInvalidAction)
		}
	}
	return nil
}

func validDefaultAction(a Action) bool {
	return a == ActionLogOnly || a == ActionRevert || a == ActionPause
}
