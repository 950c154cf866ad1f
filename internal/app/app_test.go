package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliance-guardian/internal/api"
	"compliance-guardian/internal/config"
	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/logging"
	"compliance-guardian/internal/storage"
)

func testApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
guardian:
  admin: "0x00000000000000000000000000000000000000a1"
  trusted_contracts: ["0x00000000000000000000000000000000000000e1"]
  monitors: ["0x00000000000000000000000000000000000000b1"]
  auditors: ["0x00000000000000000000000000000000000000c1"]
server:
  jwt_secret: "test-secret"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, logging.NewLoggerTo(&bytes.Buffer{}, cfg.Logging))
}

func TestSimulateScenario(t *testing.T) {
	a := testApp(t)
	var out bytes.Buffer

	result, err := a.Simulate(context.Background(), SimulateOptions{Out: &out})
	require.NoError(t, err)

	byName := map[string]SimulationStep{}
	for _, st := range result.Steps {
		byName[st.Name] = st
	}
	assert.NoError(t, byName["execute settlement 400"].Err)
	assert.True(t, byName["suspicious wash trading (90)"].Flags.EmergencyMode)
	assert.True(t, byName["balance -60 after timeout"].Flags.FundsFrozen)
	assert.ErrorIs(t, byName["execute while frozen"].Err, guardian.ErrFundsFrozen)
	assert.NoError(t, byName["clear emergency"].Err)
	assert.NoError(t, byName["compliance cycle"].Err)

	require.Len(t, result.Violations, 5)
	for _, rec := range result.Violations {
		assert.True(t, rec.Resolved, "violation %d", rec.ViolationID)
	}
	assert.Equal(t, uint8(100), result.Status.Score)
	assert.True(t, result.Status.Compliant)
	assert.False(t, result.Status.EmergencyFlags.Any())

	assert.Contains(t, out.String(), "execute while frozen")
	assert.Contains(t, out.String(), "score=100 compliant=true total=5 resolved=5 active=0")
}

func TestNewGuardianBootstrapsRoles(t *testing.T) {
	a := testApp(t)
	g, err := a.newGuardian(context.Background(), nil)
	require.NoError(t, err)

	gc := a.Config.Guardian
	assert.True(t, g.HasRole(guardian.RoleTrustedContract, hexAddr(gc.TrustedContracts[0])))
	assert.True(t, g.HasRole(guardian.RoleMonitor, hexAddr(gc.Monitors[0])))
	assert.True(t, g.HasRole(guardian.RoleAuditor, hexAddr(gc.Auditors[0])))
	assert.True(t, g.HasRole(guardian.RoleAdmin, hexAddr(gc.Admin)))
}

func TestNewGuardianRequiresAdmin(t *testing.T) {
	a := testApp(t)
	a.Config.Guardian.Admin = ""
	_, err := a.newGuardian(context.Background(), nil)
	require.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	a := testApp(t)
	token, expires, err := a.IssueToken("0x00000000000000000000000000000000000000e1")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	auth, err := api.NewAuthenticator("test-secret", a.Config.Server.JWTIssuer, time.Hour)
	require.NoError(t, err)
	caller, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, hexAddr("0x00000000000000000000000000000000000000e1"), caller)

	_, _, err = a.IssueToken("engine")
	require.Error(t, err)
}

func TestExportRequiresOutput(t *testing.T) {
	a := testApp(t)
	require.Error(t, a.Export(context.Background(), ExportOptions{}))
	require.Error(t, a.Export(context.Background(), ExportOptions{CSVPath: filepath.Join(t.TempDir(), "v.csv")}))
}

func TestExportWindow(t *testing.T) {
	a := testApp(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	from, to, err := a.exportWindow(ExportOptions{MaxPoints: 24}, now)
	require.NoError(t, err)
	assert.Equal(t, now, to)
	assert.Equal(t, now.Add(-24*time.Hour), from)

	_, _, err = a.exportWindow(ExportOptions{MaxPoints: 24, From: &now, To: &now}, now)
	require.Error(t, err)
}

func TestDownsample(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, items, downsample(items, 0))
	assert.Equal(t, []int{0, 3, 6, 9}, downsample(items, 4))
	assert.Equal(t, []int{9}, downsample(items, 1))
}

func TestWriteViolationsCSV(t *testing.T) {
	by := "0x00000000000000000000000000000000000000c1"
	at := time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC)
	records := []storage.ViolationRecord{{
		ViolationID: 3,
		DetectedAt:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Law:         "funds",
		Severity:    "critical",
		Action:      "pause",
		Violator:    "0x000000000000000000000000000000000000aaaa",
		Amount:      decimal.RequireFromString("12.5"),
		Fingerprint: "0xabc",
		Resolved:    true,
		ResolvedAt:  &at,
		ResolvedBy:  &by,
		Description: "settlement attempted while funds are frozen",
	}}

	path := filepath.Join(t.TempDir(), "out", "violations.csv")
	require.NoError(t, writeViolationsCSV(path, records))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "violation_id", rows[0][0])
	assert.Equal(t, []string{"3", "2026-05-01T00:00:00Z", "funds", "critical", "pause", "0x000000000000000000000000000000000000aaaa", "12.5", "0xabc", "true", "2026-05-01T01:00:00Z", by, "settlement attempted while funds are frozen"}, rows[1])
}

func TestWriteScoresPNG(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	samples := []storage.ScoreSample{
		{Score: 100, SampledAt: base},
		{Score: 45, ActiveViolations: 3, SampledAt: base.Add(time.Hour)},
		{Score: 90, ActiveViolations: 1, SampledAt: base.Add(2 * time.Hour)},
	}
	path := filepath.Join(t.TempDir(), "scores.png")
	require.NoError(t, writeScoresPNG(path, samples))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))
}

func TestWriteViolationTable(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeViolationTable(&out, nil))
	assert.Equal(t, "no violations found\n", out.String())

	out.Reset()
	require.NoError(t, writeViolationTable(&out, []storage.ViolationRecord{{ViolationID: 1, Law: "market", Description: "line\nbreak"}}))
	assert.Contains(t, out.String(), "line break")
}

func TestShowRequiresDatabase(t *testing.T) {
	a := testApp(t)
	err := a.Show(context.Background(), ShowOptions{Limit: 5})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestSimTrail(t *testing.T) {
	trail := &simTrail{}
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, trail.InsertViolation(context.Background(), storage.ViolationRecord{ViolationID: 1, DetectedAt: at}))
	require.NoError(t, trail.InsertViolation(context.Background(), storage.ViolationRecord{ViolationID: 2, DetectedAt: at.Add(time.Hour)}))

	recent, err := trail.ListRecentViolations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(2), recent[0].ViolationID)

	between, err := trail.ListViolationsBetween(context.Background(), at, at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, between, 1)

	require.Error(t, trail.MarkViolationResolved(context.Background(), uuid.Nil, 9, at, "x", ""))
}

func hexAddr(s string) common.Address {
	return common.HexToAddress(s)
}

func TestFilterViolations(t *testing.T) {
	records := []storage.ViolationRecord{
		{ViolationID: 1, Law: "funds", Severity: "warning"},
		{ViolationID: 2, Law: "market", Severity: "critical", Resolved: true},
		{ViolationID: 3, Law: "balance", Severity: "emergency"},
		{ViolationID: 4, Law: "market", Severity: "warning"},
	}
	ids := func(in []storage.ViolationRecord) []uint64 {
		out := make([]uint64, 0, len(in))
		for _, r := range in {
			out = append(out, r.ViolationID)
		}
		return out
	}

	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(filterViolations(records, ViolationFilter{})))
	assert.Equal(t, []uint64{1, 3, 4}, ids(filterViolations(records, ViolationFilter{OpenOnly: true})))
	assert.Equal(t, []uint64{2, 4}, ids(filterViolations(records, ViolationFilter{Laws: []guardian.LawType{guardian.LawMarketIntegrity}})))
	assert.Equal(t, []uint64{2, 3}, ids(filterViolations(records, ViolationFilter{MinSeverity: guardian.SeverityCritical})))
	assert.Equal(t, []uint64{3}, ids(filterViolations(records, ViolationFilter{OpenOnly: true, MinSeverity: guardian.SeverityCritical})))
	assert.Len(t, records, 4, "input is not modified")
}
