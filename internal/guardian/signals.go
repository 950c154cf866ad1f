package guardian

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SignalKind names an outbound signal.
type SignalKind string

const (
	SignalSettlementAuthorized SignalKind = "settlement_authorized"
	SignalSettlementExecuted   SignalKind = "settlement_executed"
	SignalSuspiciousActivity   SignalKind = "suspicious_activity"
	SignalNegativeBalance      SignalKind = "negative_balance"
	SignalViolationDetected    SignalKind = "violation_detected"
	SignalViolationResolved    SignalKind = "violation_resolved"
	SignalEmergencyAction      SignalKind = "emergency_action"
	SignalEmergencyCleared     SignalKind = "emergency_cleared"
	SignalEnforcementChanged   SignalKind = "enforcement_changed"
	SignalComplianceScore      SignalKind = "compliance_score_updated"
)

// Signal is emitted for observers after the entry point that produced it
// has released the guardian.
type Signal struct {
	Kind        SignalKind
	At          time.Time
	Caller      common.Address
	User        common.Address
	Market      string
	Amount      decimal.Decimal
	Ticket      common.Hash
	Action      Action
	Score       uint8
	Description string
	Violation   *Violation
}

// SignalSink receives signals in the order their calls committed. Calls to
// HandleSignal never overlap; a signal may reach the sink after the call
// that emitted it has returned when another goroutine is delivering.
type SignalSink interface {
	HandleSignal(ctx context.Context, s Signal)
}

// SignalSinkFunc adapts a function to SignalSink.
type SignalSinkFunc func(ctx context.Context, s Signal)

func (f SignalSinkFunc) HandleSignal(ctx context.Context, s Signal) {
	f(ctx, s)
}

type nopSink struct{}

func (nopSink) HandleSignal(context.Context, Signal) {}
