package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/metrics"
	"compliance-guardian/internal/service"
	"compliance-guardian/internal/storage"
)

// SimulateOptions configure the in-memory scenario.
type SimulateOptions struct {
	Out    io.Writer
	Notify bool
}

// SimulationResult summarises a scenario run.
type SimulationResult struct {
	Steps      []SimulationStep
	Violations []storage.ViolationRecord
	Status     guardian.ComplianceStatus
}

// SimulationStep is one entry point invocation and its outcome.
type SimulationStep struct {
	Name  string
	Err   error
	Score uint8
	Flags guardian.EmergencyFlags
}

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// simTrail keeps the violation audit trail in memory.
type simTrail struct {
	mu      sync.Mutex
	records []storage.ViolationRecord
}

func (m *simTrail) InsertViolation(_ context.Context, v storage.ViolationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, v)
	return nil
}

func (m *simTrail) MarkViolationResolved(_ context.Context, _ uuid.UUID, id uint64, at time.Time, by, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ViolationID != id {
			continue
		}
		m.records[i].Resolved = true
		m.records[i].ResolvedAt = &at
		m.records[i].ResolvedBy = &by
		m.records[i].ResolutionNote = &note
		return nil
	}
	return fmt.Errorf("violation %d not recorded", id)
}

func (m *simTrail) ListRecentViolations(_ context.Context, limit int) ([]storage.ViolationRecord, error) {
	out := m.snapshot()
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *simTrail) ListViolationsBetween(_ context.Context, from, to time.Time) ([]storage.ViolationRecord, error) {
	var out []storage.ViolationRecord
	for _, rec := range m.snapshot() {
		if !rec.DetectedAt.Before(from) && rec.DetectedAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *simTrail) snapshot() []storage.ViolationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.ViolationRecord(nil), m.records...)
}

func simAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("guardian/simulate/" + name))[12:])
}

// Simulate runs a scripted scenario against a fresh in-memory guardian
// using the configured policy, then prints every step and the final status.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulationResult, error) {
	var result SimulationResult

	policy, err := a.Config.Guardian.Policy()
	if err != nil {
		return result, err
	}

	var (
		admin   = simAddress("admin")
		engine  = simAddress("engine")
		monitor = simAddress("monitor")
		auditor = simAddress("auditor")
		trader  = simAddress("trader")
	)

	trail := &simTrail{}
	deps := service.Deps{Violations: trail, Metrics: metrics.New()}
	if opts.Notify {
		deps.Notifier = a.newNotifier()
	}
	svc := service.New(deps, service.Options{
		Auditor:     auditor,
		AlertsOn:    opts.Notify,
		MinSeverity: guardian.SeverityWarning,
		Channels:    a.Config.Alerting.Channels,
	}, a.Logger)

	clock := &simClock{now: time.Now().UTC().Truncate(time.Second)}
	g, err := guardian.New(admin, policy, guardian.NewLedger(),
		guardian.WithClock(clock.Now),
		guardian.WithSignalSink(svc),
		guardian.WithLogger(a.Logger))
	if err != nil {
		return result, err
	}
	svc.Attach(g)

	adminCtx := guardian.WithCaller(ctx, admin)
	engineCtx := guardian.WithCaller(ctx, engine)
	monitorCtx := guardian.WithCaller(ctx, monitor)
	auditorCtx := guardian.WithCaller(ctx, auditor)

	step := func(name string, err error) {
		st := g.GetComplianceStatus()
		result.Steps = append(result.Steps, SimulationStep{Name: name, Err: err, Score: st.Score, Flags: st.EmergencyFlags})
	}

	step("grant trusted engine", g.SetTrustedContract(adminCtx, engine, true))
	step("grant monitor", g.GrantRole(adminCtx, guardian.RoleMonitor, monitor))
	step("grant auditor", g.GrantRole(adminCtx, guardian.RoleAuditor, auditor))

	ticket := crypto.Keccak256Hash([]byte("simulate/ticket/1"))
	amount := decimal.NewFromInt(1000)
	step("authorize settlement 1000", g.AuthorizeSettlement(engineCtx, trader, amount, clock.Now().Add(3*time.Hour), ticket))
	step("execute settlement 400", g.ExecuteSettlement(engineCtx, trader, decimal.NewFromInt(400), ticket))

	pending := crypto.Keccak256Hash([]byte("simulate/ticket/3"))
	step("authorize settlement 100", g.AuthorizeSettlement(engineCtx, trader, decimal.NewFromInt(100), clock.Now().Add(3*time.Hour), pending))

	oversized := crypto.Keccak256Hash([]byte("simulate/ticket/2"))
	step("authorize oversized settlement", g.AuthorizeSettlement(engineCtx, trader, policy.MaxSettlementAmount.Add(decimal.NewFromInt(1)), clock.Now().Add(time.Hour), oversized))

	step("price 100", g.MonitorPriceUpdate(engineCtx, "ETH-USD", decimal.NewFromInt(100), decimal.Zero))
	step("price 101", g.MonitorPriceUpdate(engineCtx, "ETH-USD", decimal.NewFromInt(101), decimal.NewFromInt(100)))
	step("price jump to 130", g.MonitorPriceUpdate(engineCtx, "ETH-USD", decimal.NewFromInt(130), decimal.NewFromInt(101)))
	step("suspicious wash trading (90)", g.ReportSuspiciousActivity(monitorCtx, "ETH-USD", "wash_trading", 90))

	step("balance -50", g.CheckBalance(engineCtx, trader, decimal.NewFromInt(-50)))
	clock.Advance(policy.NegativeBalanceTimeout + time.Minute)
	step("balance -60 after timeout", g.CheckBalance(engineCtx, trader, decimal.NewFromInt(-60)))
	step("execute while frozen", g.ExecuteSettlement(engineCtx, trader, decimal.NewFromInt(100), pending))

	for _, v := range g.ListOpenViolations() {
		step(fmt.Sprintf("resolve violation %d", v.ID), g.ResolveViolation(auditorCtx, v.ID, "simulated review"))
	}
	step("balance restored", g.CheckBalance(engineCtx, trader, decimal.NewFromInt(10)))
	step("clear emergency", g.ClearEmergencyMode(adminCtx))
	step("compliance cycle", svc.RunComplianceCycle(ctx, clock.Now()))

	result.Violations = trail.snapshot()
	result.Status = g.GetComplianceStatus()

	if opts.Out != nil {
		if err := writeSimulation(opts.Out, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func writeSimulation(out io.Writer, result SimulationResult) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Step\tOutcome\tScore\tEmergency\tFrozen\tBalanceEmergency")
	for _, st := range result.Steps {
		outcome := "ok"
		if st.Err != nil {
			outcome = sanitizeInline(st.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%t\t%t\t%t\n",
			st.Name, outcome, st.Score, st.Flags.EmergencyMode, st.Flags.FundsFrozen, st.Flags.BalanceEmergency)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	if err := writeViolationTable(out, result.Violations); err != nil {
		return err
	}

	st := result.Status
	_, err := fmt.Fprintf(out, "\nscore=%d compliant=%t total=%d resolved=%d active=%d\n",
		st.Score, st.Compliant, st.TotalViolations, st.ResolvedViolations, st.ActiveViolations)
	return err
}
