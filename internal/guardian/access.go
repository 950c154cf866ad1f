package guardian

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type callerKey struct{}

// WithCaller attaches the identity the next entry point runs as.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom extracts the identity set by WithCaller.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	if !ok || caller == (common.Address{}) {
		return common.Address{}, false
	}
	return caller, true
}

func (l *Ledger) grant(role Role, addr common.Address) {
	members, ok := l.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		l.roles[role] = members
	}
	members[addr] = struct{}{}
}

func (l *Ledger) revoke(role Role, addr common.Address) {
	delete(l.roles[role], addr)
}

func (l *Ledger) hasRole(role Role, addr common.Address) bool {
	_, ok := l.roles[role][addr]
	return ok
}

// HasRole reports whether addr currently holds role.
func (g *Guardian) HasRole(role Role, addr common.Address) bool {
	var ok bool
	g.view(func(_ time.Time) { ok = g.ledger.hasRole(role, addr) })
	return ok
}

// GrantRole gives addr the role. Admin only.
func (g *Guardian) GrantRole(ctx context.Context, role Role, addr common.Address) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		if addr == (common.Address{}) {
			return ErrZeroAddress
		}
		g.ledger.grant(role, addr)
		g.logger.Info().Str("role", string(role)).Str("address", addr.Hex()).Msg("role granted")
		return nil
	})
}

// RevokeRole removes role from addr. Admin only. The last admin cannot be
// revoked.
func (g *Guardian) RevokeRole(ctx context.Context, role Role, addr common.Address) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		if role == RoleAdmin && g.ledger.hasRole(RoleAdmin, addr) && len(g.ledger.roles[RoleAdmin]) == 1 {
			return ErrLastAdmin
		}
		g.ledger.revoke(role, addr)
		g.logger.Info().Str("role", string(role)).Str("address", addr.Hex()).Msg("role revoked")
		return nil
	})
}

// SetTrustedContract grants or revokes the trusted-contract role. Admin only.
func (g *Guardian) SetTrustedContract(ctx context.Context, contract common.Address, trusted bool) error {
	return g.call(ctx, RoleAdmin, func(f *callFrame) error {
		if contract == (common.Address{}) {
			return ErrZeroAddress
		}
		if trusted {
			g.ledger.grant(RoleTrustedContract, contract)
		} else {
			g.ledger.revoke(RoleTrustedContract, contract)
		}
		g.logger.Info().Str("contract", contract.Hex()).Bool("trusted", trusted).Msg("trusted contract updated")
		return nil
	})
}
