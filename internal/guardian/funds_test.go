package guardian

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeSettlementValidation(t *testing.T) {
	fx := newFixture(t)
	now := fx.clock.Now()

	cases := []struct {
		name     string
		user     common.Address
		amount   decimal.Decimal
		deadline time.Time
		ticket   common.Hash
		want     error
	}{
		{"zero address", common.Address{}, dec(1), now.Add(time.Hour), ticket("a"), ErrZeroAddress},
		{"zero amount", userA, decimal.Zero, now.Add(time.Hour), ticket("a"), ErrZeroAmount},
		{"negative amount", userA, dec(-5), now.Add(time.Hour), ticket("a"), ErrZeroAmount},
		{"zero ticket", userA, dec(1), now.Add(time.Hour), common.Hash{}, ErrInvalidTicket},
		{"deadline now", userA, dec(1), now, ticket("a"), ErrInvalidDeadline},
		{"deadline past", userA, dec(1), now.Add(-time.Second), ticket("a"), ErrInvalidDeadline},
		{"deadline beyond window", userA, dec(1), now.Add(MaxSettlementWindow + time.Second), ticket("a"), ErrInvalidDeadline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := fx.g.AuthorizeSettlement(fx.engine, tc.user, tc.amount, tc.deadline, tc.ticket)
			require.ErrorIs(t, err, tc.want)
		})
	}

	st := fx.g.GetComplianceStatus()
	assert.True(t, st.TotalAuthorized.IsZero())
	assert.Zero(t, st.TotalViolations)
}

func TestAuthorizeSettlementRejectsReusedTicket(t *testing.T) {
	fx := newFixture(t)
	deadline := fx.clock.Now().Add(time.Hour)

	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(100), deadline, ticket("T1")))
	err := fx.g.AuthorizeSettlement(fx.engine, userB, dec(100), deadline, ticket("T1"))
	require.ErrorIs(t, err, ErrTicketUsed)
	assert.True(t, fx.g.GetUserFundsStatus(userB).Authorized.IsZero())
}

func TestSettlementEndToEnd(t *testing.T) {
	fx := newFixture(t)
	deadline := fx.clock.Now().Add(time.Hour)

	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(1000), deadline, ticket("T1")))
	require.NoError(t, fx.g.ExecuteSettlement(fx.engine, userA, dec(600), ticket("T1")))

	st := fx.g.GetUserFundsStatus(userA)
	assert.True(t, st.Authorized.Equal(dec(400)), "outstanding %s", st.Authorized)

	err := fx.g.ExecuteSettlement(fx.engine, userA, dec(500), ticket("T1"))
	require.ErrorIs(t, err, ErrInsufficientAuthorization)

	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(500), deadline, ticket("T2")))
	require.NoError(t, fx.g.ExecuteSettlement(fx.engine, userA, dec(500), ticket("T2")))

	assert.True(t, fx.g.GetUserFundsStatus(userA).Authorized.Equal(dec(400)))
	assert.True(t, fx.g.GetComplianceStatus().TotalAuthorized.Equal(dec(400)))
	assert.Contains(t, fx.signals.kinds(), SignalSettlementExecuted)
}

func TestTicketSingleUse(t *testing.T) {
	fx := newFixture(t)
	deadline := fx.clock.Now().Add(time.Hour)

	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(1000), deadline, ticket("T1")))
	require.NoError(t, fx.g.ExecuteSettlement(fx.engine, userA, dec(100), ticket("T1")))

	err := fx.g.ExecuteSettlement(fx.engine, userA, dec(100), ticket("T1"))
	require.ErrorIs(t, err, ErrTicketConsumed)
	assert.True(t, fx.g.GetUserFundsStatus(userA).Authorized.Equal(dec(900)))
}

func TestExecuteSettlementValidation(t *testing.T) {
	fx := newFixture(t)
	deadline := fx.clock.Now().Add(time.Hour)
	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(100), deadline, ticket("T1")))

	require.ErrorIs(t, fx.g.ExecuteSettlement(fx.engine, userA, dec(10), ticket("missing")), ErrTicketUnknown)
	require.ErrorIs(t, fx.g.ExecuteSettlement(fx.engine, userB, dec(10), ticket("T1")), ErrTicketUnknown)
	require.ErrorIs(t, fx.g.ExecuteSettlement(fx.engine, userA, decimal.Zero, ticket("T1")), ErrZeroAmount)

	fx.clock.Advance(time.Hour)
	require.ErrorIs(t, fx.g.ExecuteSettlement(fx.engine, userA, dec(10), ticket("T1")), ErrDeadlinePassed)
}

func TestCheckFundsAuthorizationLifecycle(t *testing.T) {
	fx := newFixture(t)
	deadline := fx.clock.Now().Add(time.Hour)

	assert.False(t, fx.g.CheckFundsAuthorization(userA, dec(1)))
	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(250), deadline, ticket("T1")))

	assert.True(t, fx.g.CheckFundsAuthorization(userA, dec(250)))
	assert.False(t, fx.g.CheckFundsAuthorization(userA, dec(251)))

	fx.clock.Advance(30 * time.Minute)
	assert.True(t, fx.g.CheckFundsAuthorization(userA, dec(250)))

	fx.clock.Advance(30 * time.Minute)
	assert.False(t, fx.g.CheckFundsAuthorization(userA, dec(250)), "deadline reached")
}

func TestCheckFundsAuthorizationFalseWhileFrozen(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(250), fx.clock.Now().Add(3*time.Hour), ticket("T1")))

	freezeFunds(t, fx)
	assert.False(t, fx.g.CheckFundsAuthorization(userA, dec(1)))
	assert.True(t, fx.g.GetUserFundsStatus(userA).Frozen)
}

func TestExecuteSettlementWhileFrozen(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(250), fx.clock.Now().Add(3*time.Hour), ticket("T1")))
	freezeFunds(t, fx)
	before := fx.g.GetComplianceStatus().TotalViolations

	err := fx.g.ExecuteSettlement(fx.engine, userA, dec(100), ticket("T1"))
	require.ErrorIs(t, err, ErrFundsFrozen)

	st := fx.g.GetComplianceStatus()
	assert.Equal(t, before+1, st.TotalViolations)
	v, err := fx.g.GetViolation(st.TotalViolations)
	require.NoError(t, err)
	assert.Equal(t, LawFundsProtection, v.Law)
	assert.Equal(t, SeverityCritical, v.Severity)
	assert.Equal(t, ActionPause, v.Action)
	assert.True(t, fx.g.GetUserFundsStatus(userA).Authorized.Equal(dec(250)))
}

func TestOversizedSettlementWarnsButAuthorizes(t *testing.T) {
	fx := newFixture(t, func(p *Policy) { p.MaxSettlementAmount = dec(500) })

	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(800), fx.clock.Now().Add(time.Hour), ticket("big")))
	assert.True(t, fx.g.GetUserFundsStatus(userA).Authorized.Equal(dec(800)))

	v, err := fx.g.GetViolation(1)
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, v.Severity)
	assert.Equal(t, ActionLogOnly, v.Action)
	assert.Equal(t, userA, v.Violator)
	assert.False(t, fx.g.EmergencyFlags().Any())
}

func TestOversizedSettlementRevertKeepsViolation(t *testing.T) {
	fx := newFixture(t, func(p *Policy) { p.MaxSettlementAmount = dec(500) })
	require.NoError(t, fx.g.SetDefaultAction(fx.admin, LawFundsProtection, ActionRevert))

	err := fx.g.AuthorizeSettlement(fx.engine, userA, dec(800), fx.clock.Now().Add(time.Hour), ticket("big"))
	require.ErrorIs(t, err, ErrViolationReverted)

	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint64(1), verr.ID)

	assert.True(t, fx.g.GetUserFundsStatus(userA).Authorized.IsZero())
	v, err := fx.g.GetViolation(verr.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionRevert, v.Action)

	// the ticket was not consumed by the reverted call
	require.NoError(t, fx.g.AuthorizeSettlement(fx.engine, userA, dec(100), fx.clock.Now().Add(time.Hour), ticket("big")))
}

// freezeFunds drives the guardian into shutdown through an emergency
// balance violation.
func freezeFunds(t *testing.T, fx *fixture) {
	t.Helper()
	require.NoError(t, fx.g.CheckBalance(fx.engine, userB, dec(-1)))
	fx.clock.Advance(fx.g.Policy().NegativeBalanceTimeout + time.Second)
	require.NoError(t, fx.g.CheckBalance(fx.engine, userB, dec(-1)))
	require.True(t, fx.g.EmergencyFlags().FundsFrozen)
}
