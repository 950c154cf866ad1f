package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CheckBalance registers user's balance after a balance-affecting
// operation and evaluates the negative-balance law against it:
//   - a newly negative balance starts the excursion clock and adds to the
//     global negative total;
//   - exceeding the user's cap is critical;
//   - staying negative past the timeout is an emergency;
//   - a global negative total above the cap raises the balance emergency.
//
// Trusted contracts only.
func (g *Guardian) CheckBalance(ctx context.Context, user common.Address, newBalance decimal.Decimal) error {
	return g.call(ctx, RoleTrustedContract, func(f *callFrame) error {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}

		l := g.ledger
		rec := l.balance(user)
		prev := rec.balance
		wasNegative := prev.IsNegative()
		isNegative := newBalance.IsNegative()

		negativeSince := rec.negativeSince
		totalNegative := l.totalNegative
		switch {
		case isNegative && !wasNegative:
			negativeSince = f.now
			totalNegative = totalNegative.Add(newBalance.Abs())
		case isNegative && wasNegative:
			totalNegative = totalNegative.Add(newBalance.Abs()).Sub(prev.Abs())
		case !isNegative && wasNegative:
			totalNegative = totalNegative.Sub(prev.Abs())
			negativeSince = time.Time{}
		}

		if isNegative {
			magnitude := newBalance.Abs()
			if limit := rec.maxNegative.Abs(); limit.IsPositive() && magnitude.GreaterThan(limit) {
				desc := fmt.Sprintf("negative balance %s exceeds user cap %s", newBalance, limit)
				if _, err := g.report(f, LawBalanceProtection, SeverityCritical, user, magnitude, desc); err != nil {
					return err
				}
			}
			if elapsed := f.now.Sub(negativeSince); elapsed > g.policy.NegativeBalanceTimeout {
				desc := fmt.Sprintf("balance negative for %s, timeout %s", elapsed.Truncate(time.Second), g.policy.NegativeBalanceTimeout)
				if _, err := g.report(f, LawBalanceProtection, SeverityEmergency, user, magnitude, desc); err != nil {
					return err
				}
			}
		}

		globalBreach := totalNegative.GreaterThan(g.policy.GlobalNegativeCap)
		if globalBreach {
			desc := fmt.Sprintf("global negative balance %s exceeds cap %s", totalNegative, g.policy.GlobalNegativeCap)
			if _, err := g.report(f, LawBalanceProtection, SeverityEmergency, user, totalNegative, desc); err != nil {
				return err
			}
		}

		rec.balance = newBalance
		rec.negativeSince = negativeSince
		l.totalNegative = totalNegative
		if globalBreach {
			l.flags.BalanceEmergency = true
			g.refreshScore(f)
		}

		if isNegative && !wasNegative {
			g.emit(f, Signal{Kind: SignalNegativeBalance, User: user, Amount: newBalance})
		}
		return nil
	})
}

// SetMaxNegativeBalance sets the largest negative magnitude tolerated for
// user. Zero disables the per-user cap. Admin only.
func (g *Guardian) SetMaxNegativeBalance(ctx context.Context, user common.Address, limit decimal.Decimal) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		g.ledger.balance(user).maxNegative = limit
		g.logger.Info().Str("user", user.Hex()).Str("max_negative", limit.String()).Msg("negative balance cap updated")
		return nil
	})
}

// GetUserBalanceStatus returns user's balance record.
func (g *Guardian) GetUserBalanceStatus(user common.Address) BalanceStatus {
	st := BalanceStatus{User: user}
	g.view(func(_ time.Time) {
		if rec, ok := g.ledger.balances[user]; ok {
			st.Balance = rec.balance
			st.NegativeSince = rec.negativeSince
			st.MaxNegative = rec.maxNegative
		}
		st.Emergency = g.ledger.flags.BalanceEmergency
	})
	return st
}
