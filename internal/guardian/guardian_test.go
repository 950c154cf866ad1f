package guardian

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	adminAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	engineAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	monitorAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	auditorAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	userA       = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	userB       = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recorder) HandleSignal(_ context.Context, s Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) kinds() []SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SignalKind, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, s.Kind)
	}
	return out
}

type fixture struct {
	g       *Guardian
	clock   *fakeClock
	signals *recorder
	admin   context.Context
	engine  context.Context
	monitor context.Context
	auditor context.Context
}

func newFixture(t *testing.T, mutate ...func(*Policy)) *fixture {
	t.Helper()
	policy := DefaultPolicy()
	for _, m := range mutate {
		m(&policy)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	rec := &recorder{}
	g, err := New(adminAddr, policy, NewLedger(), WithClock(clock.Now), WithSignalSink(rec))
	require.NoError(t, err)

	fx := &fixture{
		g:       g,
		clock:   clock,
		signals: rec,
		admin:   WithCaller(context.Background(), adminAddr),
		engine:  WithCaller(context.Background(), engineAddr),
		monitor: WithCaller(context.Background(), monitorAddr),
		auditor: WithCaller(context.Background(), auditorAddr),
	}
	require.NoError(t, g.SetTrustedContract(fx.admin, engineAddr, true))
	require.NoError(t, g.GrantRole(fx.admin, RoleMonitor, monitorAddr))
	require.NoError(t, g.GrantRole(fx.admin, RoleAuditor, auditorAddr))
	return fx
}

func ticket(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestNewRequiresAdmin(t *testing.T) {
	_, err := New(common.Address{}, DefaultPolicy(), nil)
	require.Error(t, err)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.DefaultActions[LawMarketIntegrity] = ActionShutdown
	_, err := New(adminAddr, p, nil)
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestRoleChecksRunFirst(t *testing.T) {
	fx := newFixture(t)

	err := fx.g.AuthorizeSettlement(fx.monitor, common.Address{}, decimal.Zero, time.Time{}, common.Hash{})
	require.ErrorIs(t, err, ErrUnauthorized)

	err = fx.g.CheckBalance(context.Background(), userA, dec(1))
	require.ErrorIs(t, err, ErrUnauthorized)

	require.ErrorIs(t, fx.g.ResolveViolation(fx.engine, 1, ""), ErrUnauthorized)
	require.ErrorIs(t, fx.g.ClearEmergencyMode(fx.auditor), ErrUnauthorized)
	require.ErrorIs(t, fx.g.ReportSuspiciousActivity(fx.engine, "BTC-PERP", "spoofing", 10), ErrUnauthorized)
	_, err = fx.g.PerformComplianceCheck(fx.admin)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRevokeTrustedContract(t *testing.T) {
	fx := newFixture(t)
	require.True(t, fx.g.HasRole(RoleTrustedContract, engineAddr))

	require.NoError(t, fx.g.SetTrustedContract(fx.admin, engineAddr, false))
	require.False(t, fx.g.HasRole(RoleTrustedContract, engineAddr))
	require.ErrorIs(t, fx.g.CheckBalance(fx.engine, userA, dec(1)), ErrUnauthorized)
}

func TestCannotRevokeLastAdmin(t *testing.T) {
	fx := newFixture(t)
	require.ErrorIs(t, fx.g.RevokeRole(fx.admin, RoleAdmin, adminAddr), ErrLastAdmin)
	require.True(t, fx.g.HasRole(RoleAdmin, adminAddr))
}

func TestSignalsDeliveredAfterUnlock(t *testing.T) {
	policy := DefaultPolicy()
	var g *Guardian
	var observed []ComplianceStatus
	sink := SignalSinkFunc(func(ctx context.Context, s Signal) {
		// Reading back from inside the sink must not deadlock.
		observed = append(observed, g.GetComplianceStatus())
	})
	g, err := New(adminAddr, policy, nil, WithSignalSink(sink))
	require.NoError(t, err)
	admin := WithCaller(context.Background(), adminAddr)
	require.NoError(t, g.SetTrustedContract(admin, engineAddr, true))

	engine := WithCaller(context.Background(), engineAddr)
	require.NoError(t, g.AuthorizeSettlement(engine, userA, dec(10), time.Now().UTC().Add(time.Hour), ticket("t")))
	require.NotEmpty(t, observed)
	require.True(t, observed[len(observed)-1].TotalAuthorized.Equal(dec(10)))
}

func indexOf(kinds []SignalKind, kind SignalKind) int {
	for i, k := range kinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func TestConcurrentCallsDeliverInCommitOrder(t *testing.T) {
	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := SignalSinkFunc(func(ctx context.Context, s Signal) {
		rec.HandleSignal(ctx, s)
		if s.Kind == SignalViolationDetected {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	g, err := New(adminAddr, DefaultPolicy(), nil, WithSignalSink(sink))
	require.NoError(t, err)
	admin := WithCaller(context.Background(), adminAddr)
	require.NoError(t, g.SetTrustedContract(admin, engineAddr, true))
	require.NoError(t, g.GrantRole(admin, RoleAuditor, auditorAddr))
	engine := WithCaller(context.Background(), engineAddr)
	auditor := WithCaller(context.Background(), auditorAddr)

	done := make(chan error, 1)
	go func() {
		done <- g.MonitorPriceUpdate(engine, "BTC-PERP", dec(200), dec(100))
	}()
	<-entered

	// The first call's sink is still busy; the resolution commits but must
	// queue behind the detection.
	require.NoError(t, g.ResolveViolation(auditor, 1, "false alarm"))
	assert.Equal(t, -1, indexOf(rec.kinds(), SignalViolationResolved))

	close(release)
	require.NoError(t, <-done)

	kinds := rec.kinds()
	detected := indexOf(kinds, SignalViolationDetected)
	resolved := indexOf(kinds, SignalViolationResolved)
	require.NotEqual(t, -1, resolved)
	assert.Less(t, detected, resolved)
}

func TestSinkMayCallBackIntoGuardian(t *testing.T) {
	var g *Guardian
	rec := &recorder{}
	monitor := WithCaller(context.Background(), monitorAddr)
	var once sync.Once
	sink := SignalSinkFunc(func(ctx context.Context, s Signal) {
		rec.HandleSignal(ctx, s)
		if s.Kind == SignalViolationDetected {
			once.Do(func() {
				_ = g.ReportSuspiciousActivity(monitor, "BTC-PERP", "follow_up", 1)
			})
		}
	})
	g, err := New(adminAddr, DefaultPolicy(), nil, WithSignalSink(sink))
	require.NoError(t, err)
	admin := WithCaller(context.Background(), adminAddr)
	require.NoError(t, g.SetTrustedContract(admin, engineAddr, true))
	require.NoError(t, g.GrantRole(admin, RoleMonitor, monitorAddr))

	engine := WithCaller(context.Background(), engineAddr)
	require.NoError(t, g.MonitorPriceUpdate(engine, "BTC-PERP", dec(200), dec(100)))

	assert.Equal(t, uint64(1), g.GetMarketStatus("BTC-PERP").SuspiciousCount)
	var followUps int
	rec.mu.Lock()
	for _, s := range rec.signals {
		if s.Description == "follow_up" {
			followUps++
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, 1, followUps)
}

func TestPanicInsideCallReleasesLock(t *testing.T) {
	fx := newFixture(t)
	before := len(fx.signals.kinds())

	require.Panics(t, func() {
		_ = fx.g.call(fx.admin, RoleAdmin, func(f *callFrame) error {
			fx.g.emit(f, Signal{Kind: SignalEnforcementChanged})
			panic("boom")
		})
	})

	done := make(chan struct{})
	go func() {
		fx.g.GetComplianceStatus()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guardian still locked after panic")
	}

	assert.Len(t, fx.signals.kinds(), before, "signals of a panicked call are dropped")
	require.NoError(t, fx.g.SetLawEnforcement(fx.admin, LawFundsProtection, true))
	assert.Contains(t, fx.signals.kinds(), SignalEnforcementChanged)
}

type countingBlocks struct {
	calls atomic.Int64
	err   error
}

func (c *countingBlocks) BlockNumber(context.Context) (uint64, error) {
	c.calls.Add(1)
	return 77, c.err
}

func TestBlockNumberReadOnlyWhenRecordingViolation(t *testing.T) {
	blocks := &countingBlocks{}
	g, err := New(adminAddr, DefaultPolicy(), nil, WithBlockSource(blocks))
	require.NoError(t, err)
	admin := WithCaller(context.Background(), adminAddr)
	require.NoError(t, g.SetTrustedContract(admin, engineAddr, true))
	engine := WithCaller(context.Background(), engineAddr)

	stranger := WithCaller(context.Background(), userA)
	require.ErrorIs(t, g.CheckBalance(stranger, userA, dec(1)), ErrUnauthorized)
	require.NoError(t, g.CheckBalance(engine, userA, dec(1)))
	require.NoError(t, g.MonitorPriceUpdate(engine, "BTC-PERP", dec(100), dec(100)))
	assert.Zero(t, blocks.calls.Load())

	require.NoError(t, g.MonitorPriceUpdate(engine, "BTC-PERP", dec(200), dec(100)))
	assert.Equal(t, int64(1), blocks.calls.Load())
}

func TestBlockSourceFailureStillRecordsViolation(t *testing.T) {
	blocks := &countingBlocks{err: errors.New("head unknown")}
	g, err := New(adminAddr, DefaultPolicy(), nil, WithBlockSource(blocks))
	require.NoError(t, err)
	admin := WithCaller(context.Background(), adminAddr)
	require.NoError(t, g.SetTrustedContract(admin, engineAddr, true))
	engine := WithCaller(context.Background(), engineAddr)

	require.NoError(t, g.MonitorPriceUpdate(engine, "BTC-PERP", dec(200), dec(100)))
	v, err := g.GetViolation(1)
	require.NoError(t, err)
	assert.NotZero(t, v.Fingerprint)
}
