package guardian

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ResolveViolation closes an open violation. Auditor only.
func (g *Guardian) ResolveViolation(ctx context.Context, id uint64, note string) error {
	return g.call(ctx, RoleAuditor, func(f *callFrame) error {
		l := g.ledger
		if id == 0 || id > uint64(len(l.violations)) {
			return fmt.Errorf("%w: %d", ErrViolationNotFound, id)
		}
		v := &l.violations[id-1]
		if v.Resolved {
			return fmt.Errorf("%w: %d", ErrAlreadyResolved, id)
		}

		v.Resolved = true
		v.ResolvedAt = f.now
		v.ResolvedBy = f.caller
		v.ResolutionNote = note
		delete(l.open, id)

		l.metrics.ActiveViolations--
		l.metrics.ResolvedViolations++
		if v.Severity >= SeverityCritical {
			l.metrics.CriticalViolations--
		}

		g.logger.Info().Uint64("violation_id", id).Str("auditor", f.caller.Hex()).Msg("violation resolved")
		resolved := *v
		g.emit(f, Signal{Kind: SignalViolationResolved, User: v.Violator, Description: note, Violation: &resolved})
		g.refreshScore(f)
		return nil
	})
}

// ClearEmergencyMode lowers all emergency flags once every violation is
// resolved. Admin only.
func (g *Guardian) ClearEmergencyMode(ctx context.Context) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		l := g.ledger
		if l.metrics.ActiveViolations > 0 {
			return fmt.Errorf("%w: %d active", ErrOpenViolations, l.metrics.ActiveViolations)
		}
		l.flags = EmergencyFlags{}
		g.logger.Warn().Str("admin", f.caller.Hex()).Msg("emergency mode cleared")
		g.emit(f, Signal{Kind: SignalEmergencyCleared})
		g.refreshScore(f)
		return nil
	})
}

// PerformComplianceCheck starts a new monitoring period: per-market update
// counters are reset and the score is recomputed. Auditor only.
func (g *Guardian) PerformComplianceCheck(ctx context.Context) (Metrics, error) {
	var out Metrics
	err := g.call(ctx, RoleAuditor, func(f *callFrame) error {
		for _, rec := range g.ledger.markets {
			rec.updateCount = 0
		}
		g.ledger.metrics.LastCheck = f.now
		g.refreshScore(f)
		out = g.ledger.metrics
		g.logger.Info().Uint8("score", out.Score).Uint64("active", out.ActiveViolations).Msg("compliance check performed")
		return nil
	})
	return out, err
}

// SetLawEnforcement toggles enforcement for one law. Violations of a
// disabled law are still recorded but only logged. Admin only.
func (g *Guardian) SetLawEnforcement(ctx context.Context, law LawType, enabled bool) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		g.ledger.lawEnabled[law] = enabled
		g.logger.Info().Str("law", law.String()).Bool("enabled", enabled).Msg("law enforcement updated")
		g.emit(f, Signal{Kind: SignalEnforcementChanged, Description: fmt.Sprintf("%s enforcement=%t", law, enabled)})
		return nil
	})
}

// SetDefaultAction sets the action applied to warnings of law. Only log,
// revert and pause are accepted. Admin only.
func (g *Guardian) SetDefaultAction(ctx context.Context, law LawType, action Action) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		if !validDefaultAction(action) {
			return fmt.Errorf("%w: %s", ErrInvalidAction, action)
		}
		g.ledger.defaultActions[law] = action
		g.logger.Info().Str("law", law.String()).Str("action", action.String()).Msg("default action updated")
		return nil
	})
}

// EmergencyDisableEnforcement turns every enforcement action into log-only
// until RestoreEnforcement. Admin only.
func (g *Guardian) EmergencyDisableEnforcement(ctx context.Context) error {
	return g.setEnforcement(ctx, false)
}

// RestoreEnforcement re-enables enforcement after EmergencyDisableEnforcement.
func (g *Guardian) RestoreEnforcement(ctx context.Context) error {
	return g.setEnforcement(ctx, true)
}

func (g *Guardian) setEnforcement(ctx context.Context, enabled bool) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		g.ledger.enforcement = enabled
		g.logger.Warn().Bool("enabled", enabled).Str("admin", f.caller.Hex()).Msg("global enforcement changed")
		g.emit(f, Signal{Kind: SignalEnforcementChanged, Description: fmt.Sprintf("enforcement=%t", enabled)})
		return nil
	})
}

// GetViolation returns a copy of the violation with the given id.
func (g *Guardian) GetViolation(id uint64) (Violation, error) {
	var (
		v   Violation
		err error
	)
	g.view(func(_ time.Time) {
		if id == 0 || id > uint64(len(g.ledger.violations)) {
			err = fmt.Errorf("%w: %d", ErrViolationNotFound, id)
			return
		}
		v = g.ledger.violations[id-1]
	})
	return v, err
}

// ListOpenViolations returns unresolved violations ordered by id.
func (g *Guardian) ListOpenViolations() []Violation {
	var out []Violation
	g.view(func(_ time.Time) {
		ids := make([]uint64, 0, len(g.ledger.open))
		for id := range g.ledger.open {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = make([]Violation, 0, len(ids))
		for _, id := range ids {
			out = append(out, g.ledger.violations[id-1])
		}
	})
	return out
}

// GetComplianceStatus returns metrics, flags and global totals.
func (g *Guardian) GetComplianceStatus() ComplianceStatus {
	var st ComplianceStatus
	g.view(func(_ time.Time) {
		l := g.ledger
		st = ComplianceStatus{
			Metrics:            l.metrics,
			EmergencyFlags:     l.flags,
			EnforcementEnabled: l.enforcement,
			TotalAuthorized:    l.totalAuthorized,
			TotalNegative:      l.totalNegative,
		}
	})
	return st
}

// EmergencyFlags returns the flags the trading engine must check.
func (g *Guardian) EmergencyFlags() EmergencyFlags {
	var flags EmergencyFlags
	g.view(func(_ time.Time) { flags = g.ledger.flags })
	return flags
}
