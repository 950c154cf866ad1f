package guardian

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// DecideAction maps a violation to its enforcement action. Emergencies shut
// the system down, criticals pause it, warnings take the law's default.
// With enforcement disabled every violation is only logged.
func DecideAction(severity Severity, lawDefault Action, enforcementEnabled bool) Action {
	if !enforcementEnabled {
		return ActionLogOnly
	}
	switch {
	case severity >= SeverityEmergency:
		return ActionShutdown
	case severity >= SeverityCritical:
		return ActionPause
	default:
		return lawDefault
	}
}

// ComputeScore derives the 0-100 compliance score: fixed penalties per
// active and per critical violation, floored at zero, then halved once for
// each raised emergency flag.
func ComputeScore(active, critical uint64, flags EmergencyFlags, p Policy) uint8 {
	penalty := active*p.ActivePenalty + critical*p.CriticalPenalty
	score := uint64(0)
	if penalty < 100 {
		score = 100 - penalty
	}
	for _, raised := range []bool{flags.EmergencyMode, flags.FundsFrozen, flags.BalanceEmergency} {
		if raised {
			score /= 2
		}
	}
	return uint8(score)
}

// report writes a violation, applies its enforcement action and refreshes
// the score. The record is committed before a revert is signalled, so the
// returned *ViolationError never loses the audit entry.
func (g *Guardian) report(f *callFrame, law LawType, severity Severity, violator common.Address, amount decimal.Decimal, description string) (Violation, error) {
	l := g.ledger
	enabled := l.enforcement && l.lawEnabled[law]
	action := DecideAction(severity, l.defaultActions[law], enabled)

	v := Violation{
		ID:          uint64(len(l.violations)) + 1,
		Law:         law,
		Severity:    severity,
		Violator:    violator,
		Amount:      amount,
		Fingerprint: fingerprint(f, g.blockNumber(f), violator, amount),
		Timestamp:   f.now,
		Description: description,
		Action:      action,
	}
	l.violations = append(l.violations, v)
	l.open[v.ID] = struct{}{}

	l.metrics.TotalViolations++
	l.metrics.ActiveViolations++
	if severity >= SeverityCritical {
		l.metrics.CriticalViolations++
	}

	event := g.logger.Warn()
	if severity >= SeverityCritical {
		event = g.logger.Error()
	}
	event.Uint64("violation_id", v.ID).
		Str("law", law.String()).
		Str("severity", severity.String()).
		Str("action", action.String()).
		Str("violator", violator.Hex()).
		Str("amount", amount.String()).
		Msg(description)

	recorded := v
	g.emit(f, Signal{Kind: SignalViolationDetected, User: violator, Amount: amount, Action: action, Description: description, Violation: &recorded})

	err := g.enforce(f, v)
	g.refreshScore(f)
	return v, err
}

func (g *Guardian) enforce(f *callFrame, v Violation) error {
	flags := &g.ledger.flags
	switch v.Action {
	case ActionRevert:
		return &ViolationError{ID: v.ID, Law: v.Law, Severity: v.Severity}
	case ActionPause:
		flags.EmergencyMode = true
	case ActionShutdown:
		flags.EmergencyMode = true
		flags.FundsFrozen = true
		flags.BalanceEmergency = true
	default:
		return nil
	}

	g.logger.Error().Uint64("violation_id", v.ID).Str("action", v.Action.String()).Msg("emergency action taken")
	recorded := v
	g.emit(f, Signal{Kind: SignalEmergencyAction, User: v.Violator, Amount: v.Amount, Action: v.Action, Description: v.Description, Violation: &recorded})
	return nil
}

func (g *Guardian) refreshScore(f *callFrame) {
	m := &g.ledger.metrics
	m.Score = ComputeScore(m.ActiveViolations, m.CriticalViolations, g.ledger.flags, g.policy)
	m.Compliant = m.Score >= g.policy.CompliantScore
	g.emit(f, Signal{Kind: SignalComplianceScore, Score: m.Score})
}

func fingerprint(f *callFrame, block uint64, violator common.Address, amount decimal.Decimal) common.Hash {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], block)
	binary.BigEndian.PutUint64(buf[8:16], f.seq)
	binary.BigEndian.PutUint64(buf[16:24], uint64(f.now.UnixNano()))
	return crypto.Keccak256Hash(f.caller.Bytes(), violator.Bytes(), []byte(amount.String()), buf[:])
}
