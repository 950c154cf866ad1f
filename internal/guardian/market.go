package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var basisPoints = decimal.NewFromInt(10_000)

// DeviationBps returns floor(|new-old| * 10000 / old), or zero without a
// baseline.
func DeviationBps(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if !oldPrice.IsPositive() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Abs().Mul(basisPoints).Div(oldPrice).Floor()
}

// MonitorPriceUpdate registers a price tick for market. A move beyond the
// maximum deviation is a warning; update bursts beyond the per-period limit
// accumulate suspicion that escalates to a critical violation. The new
// price is stored unless the warning reverts the call. A zero oldPrice
// means no baseline and never counts as a move. Trusted contracts only.
func (g *Guardian) MonitorPriceUpdate(ctx context.Context, market string, newPrice, oldPrice decimal.Decimal) error {
	return g.call(ctx, RoleTrustedContract, func(f *callFrame) error {
		if market == "" {
			return ErrEmptyMarket
		}
		if !newPrice.IsPositive() {
			return ErrZeroPrice
		}

		rec := g.ledger.market(market)
		deviation := DeviationBps(oldPrice, newPrice)
		if deviation.GreaterThan(decimal.NewFromInt(g.policy.MaxPriceDeviationBps)) {
			desc := fmt.Sprintf("%s price moved %s bps (%s -> %s), limit %d", market, deviation, oldPrice, newPrice, g.policy.MaxPriceDeviationBps)
			if _, err := g.report(f, LawMarketIntegrity, SeverityWarning, f.caller, newPrice, desc); err != nil {
				return err
			}
			g.emit(f, Signal{Kind: SignalSuspiciousActivity, Market: market, Amount: newPrice, Description: "price_deviation"})
		}

		rec.lastValidPrice = newPrice
		rec.lastUpdate = f.now
		rec.updateCount++

		if rec.updateCount > g.policy.MaxUpdatesPerPeriod {
			rec.suspiciousCount++
			g.emit(f, Signal{Kind: SignalSuspiciousActivity, Market: market, Amount: newPrice, Description: "excessive_updates"})
			if rec.suspiciousCount > g.policy.SuspiciousActivityThreshold {
				desc := fmt.Sprintf("%s exceeded %d updates per period %d times", market, g.policy.MaxUpdatesPerPeriod, rec.suspiciousCount)
				if _, err := g.report(f, LawMarketIntegrity, SeverityCritical, f.caller, newPrice, desc); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ReportSuspiciousActivity records a monitor's observation on market.
// Severities at or above the configured cutoff escalate to a critical
// violation. Monitors only.
func (g *Guardian) ReportSuspiciousActivity(ctx context.Context, market, activityType string, severity uint8) error {
	return g.call(ctx, RoleMonitor, func(f *callFrame) error {
		if market == "" {
			return ErrEmptyMarket
		}
		if severity > 100 {
			return fmt.Errorf("%w: %d", ErrInvalidSeverity, severity)
		}

		rec := g.ledger.market(market)
		rec.suspiciousCount++
		g.emit(f, Signal{Kind: SignalSuspiciousActivity, Market: market, Description: activityType})

		if severity >= g.policy.SuspiciousSeverityCutoff {
			desc := fmt.Sprintf("%s reported on %s with severity %d", activityType, market, severity)
			if _, err := g.report(f, LawMarketIntegrity, SeverityCritical, f.caller, decimal.NewFromInt(int64(severity)), desc); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMarketStatus returns the monitor's record for market.
func (g *Guardian) GetMarketStatus(market string) MarketStatus {
	st := MarketStatus{Market: market}
	g.view(func(_ time.Time) {
		if rec, ok := g.ledger.markets[market]; ok {
			st.LastValidPrice = rec.lastValidPrice
			st.UpdateCount = rec.updateCount
			st.SuspiciousCount = rec.suspiciousCount
			st.LastUpdate = rec.lastUpdate
		}
	})
	return st
}
