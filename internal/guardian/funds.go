package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AuthorizeSettlement pre-approves moving up to amount of user's funds
// before deadline under a one-time ticket. Amounts above the configured
// ceiling are flagged as a warning but still authorized unless the funds
// law is set to revert. Trusted contracts only.
func (g *Guardian) AuthorizeSettlement(ctx context.Context, user common.Address, amount decimal.Decimal, deadline time.Time, ticket common.Hash) error {
	return g.call(ctx, RoleTrustedContract, func(f *callFrame) error {
		l := g.ledger
		switch {
		case user == (common.Address{}):
			return ErrZeroAddress
		case !amount.IsPositive():
			return ErrZeroAmount
		case ticket == (common.Hash{}):
			return ErrInvalidTicket
		case !deadline.After(f.now):
			return fmt.Errorf("%w: %s is not in the future", ErrInvalidDeadline, deadline.Format(time.RFC3339))
		case deadline.After(f.now.Add(g.policy.SettlementWindow)):
			return fmt.Errorf("%w: beyond %s window", ErrInvalidDeadline, g.policy.SettlementWindow)
		}
		if _, used := l.tickets[ticket]; used {
			return fmt.Errorf("%w: %s", ErrTicketUsed, ticket.Hex())
		}

		ceiling := g.policy.MaxSettlementAmount
		if ceiling.IsPositive() && amount.GreaterThan(ceiling) {
			desc := fmt.Sprintf("settlement amount %s exceeds ceiling %s", amount, ceiling)
			if _, err := g.report(f, LawFundsProtection, SeverityWarning, user, amount, desc); err != nil {
				return err
			}
		}

		acc := l.account(user)
		acc.authorized = acc.authorized.Add(amount)
		if deadline.After(acc.deadline) {
			acc.deadline = deadline
		}
		l.totalAuthorized = l.totalAuthorized.Add(amount)
		l.tickets[ticket] = &settlementTicket{
			user:         user,
			amount:       amount,
			deadline:     deadline,
			authorizedAt: f.now,
		}

		g.emit(f, Signal{Kind: SignalSettlementAuthorized, User: user, Amount: amount, Ticket: ticket})
		return nil
	})
}

// ExecuteSettlement consumes a ticket, moving amount out of the user's
// outstanding authorization. While funds are frozen the attempt itself is
// a critical violation and the call is rejected. Trusted contracts only.
func (g *Guardian) ExecuteSettlement(ctx context.Context, user common.Address, amount decimal.Decimal, ticket common.Hash) error {
	return g.call(ctx, RoleTrustedContract, func(f *callFrame) error {
		l := g.ledger
		if !amount.IsPositive() {
			return ErrZeroAmount
		}
		t, ok := l.tickets[ticket]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTicketUnknown, ticket.Hex())
		}
		if t.user != user {
			return fmt.Errorf("%w: %s belongs to another user", ErrTicketUnknown, ticket.Hex())
		}
		acc := l.account(user)
		if amount.GreaterThan(acc.authorized) {
			return fmt.Errorf("%w: requested %s, outstanding %s", ErrInsufficientAuthorization, amount, acc.authorized)
		}
		if !f.now.Before(t.deadline) {
			return fmt.Errorf("%w: %s", ErrDeadlinePassed, t.deadline.Format(time.RFC3339))
		}
		if t.executed {
			return fmt.Errorf("%w: %s", ErrTicketConsumed, ticket.Hex())
		}

		if l.flags.FundsFrozen {
			v, err := g.report(f, LawFundsProtection, SeverityCritical, user, amount, "settlement attempted while funds are frozen")
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: violation %d", ErrFundsFrozen, v.ID)
		}

		acc.authorized = acc.authorized.Sub(amount)
		l.totalAuthorized = l.totalAuthorized.Sub(amount)
		t.executed = true

		g.emit(f, Signal{Kind: SignalSettlementExecuted, User: user, Amount: amount, Ticket: ticket})
		return nil
	})
}

// CheckFundsAuthorization reports whether amount may currently be moved
// for user.
func (g *Guardian) CheckFundsAuthorization(user common.Address, amount decimal.Decimal) bool {
	var ok bool
	g.view(func(now time.Time) {
		acc, found := g.ledger.accounts[user]
		if !found || g.ledger.flags.FundsFrozen {
			return
		}
		ok = acc.authorized.GreaterThanOrEqual(amount) && now.Before(acc.deadline)
	})
	return ok
}

// GetUserFundsStatus returns the user's outstanding authorization.
func (g *Guardian) GetUserFundsStatus(user common.Address) FundsStatus {
	st := FundsStatus{User: user}
	g.view(func(_ time.Time) {
		if acc, ok := g.ledger.accounts[user]; ok {
			st.Authorized = acc.authorized
			st.Deadline = acc.deadline
		}
		st.Frozen = g.ledger.flags.FundsFrozen
	})
	return st
}
