package guardian

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreLedgerKeepsOpenViolationsAndFlags(t *testing.T) {
	ledger, err := RestoreLedger(Snapshot{
		Violations: []Violation{
			{ID: 3, Law: LawBalanceProtection, Severity: SeverityEmergency, Violator: userA, Action: ActionShutdown},
			{ID: 1, Law: LawMarketIntegrity, Severity: SeverityWarning, Violator: engineAddr, Resolved: true, ResolvedBy: auditorAddr},
		},
		Flags: EmergencyFlags{EmergencyMode: true, FundsFrozen: true, BalanceEmergency: true},
	})
	require.NoError(t, err)

	g, err := New(adminAddr, DefaultPolicy(), ledger)
	require.NoError(t, err)
	admin := WithCaller(context.Background(), adminAddr)
	require.NoError(t, g.GrantRole(admin, RoleAuditor, auditorAddr))
	require.NoError(t, g.SetTrustedContract(admin, engineAddr, true))
	auditor := WithCaller(context.Background(), auditorAddr)

	st := g.GetComplianceStatus()
	assert.True(t, st.FundsFrozen)
	assert.Equal(t, uint64(3), st.TotalViolations)
	assert.Equal(t, uint64(1), st.ActiveViolations)
	assert.Equal(t, uint64(1), st.CriticalViolations)
	assert.Less(t, st.Score, DefaultPolicy().CompliantScore)
	assert.False(t, st.Compliant)

	placeholder, err := g.GetViolation(2)
	require.NoError(t, err)
	assert.True(t, placeholder.Resolved)

	require.ErrorIs(t, g.ClearEmergencyMode(admin), ErrOpenViolations)
	require.NoError(t, g.ResolveViolation(auditor, 3, "reconciled"))
	require.NoError(t, g.ClearEmergencyMode(admin))
	assert.False(t, g.EmergencyFlags().Any())

	engine := WithCaller(context.Background(), engineAddr)
	require.NoError(t, g.MonitorPriceUpdate(engine, "BTC-PERP", dec(200), dec(100)))
	next, err := g.GetViolation(4)
	require.NoError(t, err)
	assert.Equal(t, LawMarketIntegrity, next.Law)
}

func TestRestoreLedgerRejectsBadIDs(t *testing.T) {
	_, err := RestoreLedger(Snapshot{Violations: []Violation{{ID: 0}}})
	require.Error(t, err)

	_, err = RestoreLedger(Snapshot{Violations: []Violation{{ID: 1}, {ID: 1}}})
	require.Error(t, err)
}

func TestRestoreEmptySnapshot(t *testing.T) {
	ledger, err := RestoreLedger(Snapshot{})
	require.NoError(t, err)
	g, err := New(adminAddr, DefaultPolicy(), ledger)
	require.NoError(t, err)
	assert.Equal(t, uint8(100), g.GetComplianceStatus().Score)
}
