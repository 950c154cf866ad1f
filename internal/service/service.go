// Package service connects a Guardian to persistence, metrics, alerting and
// the periodic compliance check.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"compliance-guardian/internal/alerting"
	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/logging"
	"compliance-guardian/internal/metrics"
	"compliance-guardian/internal/scheduler"
	"compliance-guardian/internal/storage"
)

// Deps are the collaborators a Service drives. Nil stores and a nil
// notifier disable the corresponding concern.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Violations storage.ViolationStore
	Signals    storage.SignalStore
	Scores     storage.ScoreStore
	State      storage.StateStore
	Locker     storage.AdvisoryLocker
	Notifier   alerting.Notifier
	Metrics    *metrics.Collector
}

// Options carry the scalar settings of a Service.
type Options struct {
	// Instance is the persisted lineage. A nil id starts a fresh one.
	Instance    uuid.UUID
	Auditor     common.Address
	LockKey     int64
	AlertsOn    bool
	MinSeverity guardian.Severity
	Channels    []string
}

// Service is the guardian's SignalSink. It also owns the compliance cycle.
type Service struct {
	instance uuid.UUID
	guardian *guardian.Guardian
	deps     Deps
	opts     Options
	logger   zerolog.Logger

	flagsMu    sync.Mutex
	savedFlags guardian.EmergencyFlags
	flagsSaved bool
}

// New constructs a Service. Attach must be called before signals flow.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if opts.MinSeverity == 0 {
		opts.MinSeverity = guardian.SeverityCritical
	}
	if deps.Locker == nil {
		if l, ok := deps.Scores.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}
	instance := opts.Instance
	if instance == uuid.Nil {
		instance = uuid.New()
	}
	return &Service{
		instance: instance,
		deps:     deps,
		opts:     opts,
		logger:   logging.Component(logger, "service").With().Str("instance", instance.String()).Logger(),
	}
}

// Attach binds the guardian whose signals this service receives.
func (s *Service) Attach(g *guardian.Guardian) {
	s.guardian = g
	s.publishStatus()
}

// Instance identifies this process in persisted audit rows.
func (s *Service) Instance() uuid.UUID {
	return s.instance
}

// RestoreLedger rebuilds the guardian ledger of this instance from the
// persisted violations and emergency flags. Without a state store the
// ledger starts empty.
func (s *Service) RestoreLedger(ctx context.Context) (*guardian.Ledger, error) {
	if s.deps.State == nil {
		return guardian.NewLedger(), nil
	}

	records, err := s.deps.State.ListInstanceViolations(ctx, s.instance)
	if err != nil {
		return nil, fmt.Errorf("load violations: %w", err)
	}
	snap := guardian.Snapshot{Violations: make([]guardian.Violation, 0, len(records))}
	for _, rec := range records {
		v, err := violationFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("violation %d: %w", rec.ViolationID, err)
		}
		snap.Violations = append(snap.Violations, v)
	}

	flags, found, err := s.deps.State.LoadFlags(ctx, s.instance)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	if found {
		snap.Flags = guardian.EmergencyFlags{
			EmergencyMode:    flags.EmergencyMode,
			FundsFrozen:      flags.FundsFrozen,
			BalanceEmergency: flags.BalanceEmergency,
		}
	}

	ledger, err := guardian.RestoreLedger(snap)
	if err != nil {
		return nil, err
	}

	// A lineage without a stored row has no raised flags.
	s.flagsMu.Lock()
	s.savedFlags = snap.Flags
	s.flagsSaved = true
	s.flagsMu.Unlock()

	s.logger.Info().Int("violations", len(snap.Violations)).
		Bool("emergency_mode", snap.Flags.EmergencyMode).
		Bool("funds_frozen", snap.Flags.FundsFrozen).
		Bool("balance_emergency", snap.Flags.BalanceEmergency).
		Msg("ledger restored")
	return ledger, nil
}

// Metrics returns the collector the service updates.
func (s *Service) Metrics() *metrics.Collector {
	return s.deps.Metrics
}

// Run drives the compliance cycle until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.RunComplianceCycle)
}

// HandleSignal records one guardian signal. It runs after the guardian has
// released its lock, so it may read guardian state.
func (s *Service) HandleSignal(ctx context.Context, sig guardian.Signal) {
	m := s.deps.Metrics
	m.Signals.WithLabelValues(string(sig.Kind)).Inc()

	s.logger.Debug().Str("kind", string(sig.Kind)).
		Str("caller", sig.Caller.Hex()).
		Str("description", sig.Description).
		Msg("signal received")

	s.persistSignal(ctx, sig)

	switch sig.Kind {
	case guardian.SignalViolationDetected:
		if v := sig.Violation; v != nil {
			m.Violations.WithLabelValues(v.Law.String(), v.Severity.String()).Inc()
			m.Actions.WithLabelValues(v.Action.String()).Inc()
			s.persistViolation(ctx, *v)
		}
	case guardian.SignalViolationResolved:
		if v := sig.Violation; v != nil {
			s.persistResolution(ctx, *v)
		}
	case guardian.SignalEmergencyAction:
		if v := sig.Violation; v != nil && v.Severity >= s.opts.MinSeverity {
			s.notify(ctx, sig)
		}
	case guardian.SignalEmergencyCleared:
		s.notify(ctx, sig)
		if s.deps.Scheduler != nil {
			s.deps.Scheduler.Trigger()
		}
	case guardian.SignalComplianceScore:
		m.Score.Set(float64(sig.Score))
	}

	s.persistFlags(ctx, sig.At)
	s.publishStatus()
}

// RunComplianceCycle starts a new monitoring period as the configured
// auditor and records the resulting score. Only one instance runs a cycle
// at a time when an advisory lock is configured.
func (s *Service) RunComplianceCycle(ctx context.Context, period time.Time) error {
	if s.guardian == nil {
		return errors.New("guardian not attached")
	}
	if s.opts.Auditor == (common.Address{}) {
		return errors.New("compliance cycle requires an auditor identity")
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.deps.Metrics.ComplianceChecks.WithLabelValues("error").Inc()
		return err
	}
	if !proceed {
		s.deps.Metrics.ComplianceChecks.WithLabelValues("skipped").Inc()
		s.logger.Debug().Time("period", period).Msg("skip compliance check because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	metricsNow, err := s.guardian.PerformComplianceCheck(guardian.WithCaller(ctx, s.opts.Auditor))
	if err != nil {
		s.deps.Metrics.ComplianceChecks.WithLabelValues("error").Inc()
		return fmt.Errorf("perform compliance check: %w", err)
	}
	s.deps.Metrics.ComplianceChecks.WithLabelValues("ok").Inc()

	status := s.guardian.GetComplianceStatus()
	if s.deps.Scores != nil {
		sample := storage.ScoreSample{
			InstanceID:         s.instance,
			Score:              metricsNow.Score,
			Compliant:          metricsNow.Compliant,
			ActiveViolations:   metricsNow.ActiveViolations,
			CriticalViolations: metricsNow.CriticalViolations,
			EmergencyMode:      status.EmergencyMode,
			FundsFrozen:        status.FundsFrozen,
			BalanceEmergency:   status.BalanceEmergency,
			SampledAt:          metricsNow.LastCheck,
		}
		if err := s.deps.Scores.InsertScoreSample(ctx, sample); err != nil {
			s.deps.Metrics.PersistFailures.WithLabelValues("compliance_scores").Inc()
			s.logger.Error().Err(err).Time("period", period).Msg("failed to store score sample")
		}
	}

	s.logger.Info().Time("period", period).
		Uint8("score", metricsNow.Score).
		Bool("compliant", metricsNow.Compliant).
		Uint64("active", metricsNow.ActiveViolations).
		Msg("compliance period closed")
	return nil
}

func (s *Service) publishStatus() {
	if s.guardian == nil {
		return
	}
	st := s.guardian.GetComplianceStatus()
	s.deps.Metrics.Score.Set(float64(st.Score))
	s.deps.Metrics.ActiveViolations.Set(float64(st.ActiveViolations))
	s.deps.Metrics.SetFlags(st.EmergencyMode, st.FundsFrozen, st.BalanceEmergency)
}

func (s *Service) notify(ctx context.Context, sig guardian.Signal) {
	if !s.opts.AlertsOn || s.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:        string(sig.Kind),
		At:          sig.At,
		Amount:      sig.Amount,
		Description: sig.Description,
		Channels:    s.opts.Channels,
	}
	if s.guardian != nil {
		note.Score = s.guardian.GetComplianceStatus().Score
	}
	if v := sig.Violation; v != nil {
		note.ViolationID = v.ID
		note.Law = v.Law.String()
		note.Severity = v.Severity.String()
		note.Action = v.Action.String()
		note.Violator = v.Violator.Hex()
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.deps.Metrics.AlertFailures.Inc()
		s.logger.Error().Err(err).Str("kind", note.Kind).Msg("failed to dispatch alert")
	}
}

func (s *Service) persistSignal(ctx context.Context, sig guardian.Signal) {
	if s.deps.Signals == nil {
		return
	}
	if err := s.deps.Signals.InsertSignal(ctx, signalRecord(s.instance, sig)); err != nil {
		s.deps.Metrics.PersistFailures.WithLabelValues("guardian_signals").Inc()
		s.logger.Error().Err(err).Str("kind", string(sig.Kind)).Msg("failed to persist signal")
	}
}

func (s *Service) persistViolation(ctx context.Context, v guardian.Violation) {
	if s.deps.Violations == nil {
		return
	}
	if err := s.deps.Violations.InsertViolation(ctx, violationRecord(s.instance, v)); err != nil {
		s.deps.Metrics.PersistFailures.WithLabelValues("violations").Inc()
		s.logger.Error().Err(err).Uint64("violation_id", v.ID).Msg("failed to persist violation")
	}
}

func (s *Service) persistResolution(ctx context.Context, v guardian.Violation) {
	if s.deps.Violations == nil {
		return
	}
	err := s.deps.Violations.MarkViolationResolved(ctx, s.instance, v.ID, v.ResolvedAt, v.ResolvedBy.Hex(), v.ResolutionNote)
	if err != nil {
		s.deps.Metrics.PersistFailures.WithLabelValues("violations").Inc()
		s.logger.Error().Err(err).Uint64("violation_id", v.ID).Msg("failed to persist resolution")
	}
}

// persistFlags stores the guardian's flags whenever they differ from the
// last saved set.
func (s *Service) persistFlags(ctx context.Context, at time.Time) {
	if s.deps.State == nil || s.guardian == nil {
		return
	}
	flags := s.guardian.EmergencyFlags()

	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	if s.flagsSaved && flags == s.savedFlags {
		return
	}
	rec := storage.FlagsRecord{
		InstanceID:       s.instance,
		EmergencyMode:    flags.EmergencyMode,
		FundsFrozen:      flags.FundsFrozen,
		BalanceEmergency: flags.BalanceEmergency,
		UpdatedAt:        at,
	}
	if err := s.deps.State.SaveFlags(ctx, rec); err != nil {
		s.deps.Metrics.PersistFailures.WithLabelValues("guardian_state").Inc()
		s.logger.Error().Err(err).Msg("failed to persist emergency flags")
		return
	}
	s.savedFlags = flags
	s.flagsSaved = true
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func violationRecord(instance uuid.UUID, v guardian.Violation) storage.ViolationRecord {
	return storage.ViolationRecord{
		InstanceID:  instance,
		ViolationID: v.ID,
		Law:         v.Law.String(),
		Severity:    v.Severity.String(),
		Violator:    v.Violator.Hex(),
		Amount:      v.Amount,
		Fingerprint: v.Fingerprint.Hex(),
		Action:      v.Action.String(),
		Description: v.Description,
		DetectedAt:  v.Timestamp,
	}
}

func violationFromRecord(rec storage.ViolationRecord) (guardian.Violation, error) {
	law, err := guardian.ParseLaw(rec.Law)
	if err != nil {
		return guardian.Violation{}, err
	}
	severity, err := guardian.ParseSeverity(rec.Severity)
	if err != nil {
		return guardian.Violation{}, err
	}
	action, err := guardian.ParseAction(rec.Action)
	if err != nil {
		return guardian.Violation{}, err
	}

	v := guardian.Violation{
		ID:          rec.ViolationID,
		Law:         law,
		Severity:    severity,
		Violator:    common.HexToAddress(rec.Violator),
		Amount:      rec.Amount,
		Fingerprint: common.HexToHash(rec.Fingerprint),
		Timestamp:   rec.DetectedAt,
		Description: rec.Description,
		Action:      action,
		Resolved:    rec.Resolved,
	}
	if rec.ResolvedAt != nil {
		v.ResolvedAt = *rec.ResolvedAt
	}
	if rec.ResolvedBy != nil {
		v.ResolvedBy = common.HexToAddress(*rec.ResolvedBy)
	}
	if rec.ResolutionNote != nil {
		v.ResolutionNote = *rec.ResolutionNote
	}
	return v, nil
}

func signalRecord(instance uuid.UUID, sig guardian.Signal) storage.SignalRecord {
	rec := storage.SignalRecord{
		ID:         uuid.New(),
		InstanceID: instance,
		Kind:       string(sig.Kind),
		Caller:     sig.Caller.Hex(),
		EmittedAt:  sig.At,
	}
	if sig.User != (common.Address{}) {
		subject := sig.User.Hex()
		rec.Subject = &subject
	}
	if sig.Market != "" {
		market := sig.Market
		rec.Market = &market
	}
	if !sig.Amount.IsZero() {
		amount := sig.Amount
		rec.Amount = &amount
	}
	if sig.Ticket != (common.Hash{}) {
		ticket := sig.Ticket.Hex()
		rec.Ticket = &ticket
	}
	switch sig.Kind {
	case guardian.SignalViolationDetected, guardian.SignalEmergencyAction:
		action := sig.Action.String()
		rec.Action = &action
	}
	if sig.Description != "" {
		desc := sig.Description
		rec.Description = &desc
	}
	return rec
}

var _ guardian.SignalSink = (*Service)(nil)
