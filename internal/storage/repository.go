package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertViolationSQL = `INSERT INTO violations (
        instance_id,
        violation_id,
        law,
        severity,
        violator,
        amount,
        fingerprint,
        action,
        description,
        detected_at
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10
    )
    ON CONFLICT (instance_id, violation_id) DO NOTHING;`

	resolveViolationSQL = `UPDATE violations
    SET resolved = TRUE,
        resolved_at = $3,
        resolved_by = $4,
        resolution_note = $5
    WHERE instance_id = $1::uuid
      AND violation_id = $2;`

	selectViolationColumns = `SELECT
        instance_id::text,
        violation_id,
        law,
        severity,
        violator,
        amount::text,
        fingerprint,
        action,
        description,
        detected_at,
        resolved,
        resolved_at,
        resolved_by,
        resolution_note,
        created_at
    FROM violations`

	listRecentViolationsSQL = selectViolationColumns + `
    ORDER BY detected_at DESC, violation_id DESC
    LIMIT $1;`

	listViolationsBetweenSQL = selectViolationColumns + `
    WHERE detected_at >= $1
      AND detected_at < $2
    ORDER BY detected_at, violation_id;`

	listInstanceViolationsSQL = selectViolationColumns + `
    WHERE instance_id = $1::uuid
    ORDER BY violation_id;`

	upsertFlagsSQL = `INSERT INTO guardian_state (
        instance_id,
        emergency_mode,
        funds_frozen,
        balance_emergency,
        updated_at
    ) VALUES (
        $1::uuid,$2,$3,$4,$5
    )
    ON CONFLICT (instance_id) DO UPDATE SET
        emergency_mode = EXCLUDED.emergency_mode,
        funds_frozen = EXCLUDED.funds_frozen,
        balance_emergency = EXCLUDED.balance_emergency,
        updated_at = EXCLUDED.updated_at;`

	selectFlagsSQL = `SELECT
        emergency_mode,
        funds_frozen,
        balance_emergency,
        updated_at
    FROM guardian_state
    WHERE instance_id = $1::uuid;`

	insertSignalSQL = `INSERT INTO guardian_signals (
        id,
        instance_id,
        kind,
        caller,
        subject,
        market,
        amount,
        ticket,
        action,
        description,
        emitted_at
    ) VALUES (
        $1::uuid,$2::uuid,$3,$4,$5,$6,$7::numeric,$8,$9,$10,$11
    );`

	countSignalsSQL = `SELECT COUNT(*) FROM guardian_signals WHERE instance_id = $1::uuid;`

	insertScoreSQL = `INSERT INTO compliance_scores (
        instance_id,
        score,
        compliant,
        active_violations,
        critical_violations,
        emergency_mode,
        funds_frozen,
        balance_emergency,
        sampled_at
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listScoresBetweenSQL = `SELECT
        instance_id::text,
        score,
        compliant,
        active_violations,
        critical_violations,
        emergency_mode,
        funds_frozen,
        balance_emergency,
        sampled_at
    FROM compliance_scores
    WHERE sampled_at >= $1
      AND sampled_at < $2
    ORDER BY sampled_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ViolationStore persists the violation audit trail.
type ViolationStore interface {
	InsertViolation(ctx context.Context, v ViolationRecord) error
	MarkViolationResolved(ctx context.Context, instance uuid.UUID, id uint64, at time.Time, by, note string) error
	ListRecentViolations(ctx context.Context, limit int) ([]ViolationRecord, error)
	ListViolationsBetween(ctx context.Context, from, to time.Time) ([]ViolationRecord, error)
}

// SignalStore persists outbound signals.
type SignalStore interface {
	InsertSignal(ctx context.Context, s SignalRecord) error
	CountSignals(ctx context.Context, instance uuid.UUID) (int64, error)
}

// ScoreStore persists compliance score history.
type ScoreStore interface {
	InsertScoreSample(ctx context.Context, s ScoreSample) error
	ListScoresBetween(ctx context.Context, from, to time.Time) ([]ScoreSample, error)
}

// StateStore persists what a guardian needs to resume after a restart.
type StateStore interface {
	ListInstanceViolations(ctx context.Context, instance uuid.UUID) ([]ViolationRecord, error)
	SaveFlags(ctx context.Context, rec FlagsRecord) error
	LoadFlags(ctx context.Context, instance uuid.UUID) (FlagsRecord, bool, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to violations, signals and scores.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertViolation stores a violation once; replays are ignored.
func (s *Store) InsertViolation(ctx context.Context, v ViolationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertViolationSQL,
		v.InstanceID.String(),
		int64(v.ViolationID),
		v.Law,
		v.Severity,
		v.Violator,
		v.Amount.String(),
		v.Fingerprint,
		v.Action,
		v.Description,
		v.DetectedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert violation: %w", execErr)
	}
	return nil
}

// MarkViolationResolved records the auditor's resolution.
func (s *Store) MarkViolationResolved(ctx context.Context, instance uuid.UUID, id uint64, at time.Time, by, note string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, resolveViolationSQL, instance.String(), int64(id), at, by, note)
	if execErr != nil {
		return fmt.Errorf("resolve violation: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentViolations lists the newest violations first.
func (s *Store) ListRecentViolations(ctx context.Context, limit int) ([]ViolationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentViolationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent violations: %w", queryErr)
	}
	return collectViolations(rows)
}

// ListViolationsBetween lists violations detected within a time window.
func (s *Store) ListViolationsBetween(ctx context.Context, from, to time.Time) ([]ViolationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listViolationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list violations between: %w", queryErr)
	}
	return collectViolations(rows)
}

// ListInstanceViolations lists every violation of one guardian lineage by id.
func (s *Store) ListInstanceViolations(ctx context.Context, instance uuid.UUID) ([]ViolationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listInstanceViolationsSQL, instance.String())
	if queryErr != nil {
		return nil, fmt.Errorf("list instance violations: %w", queryErr)
	}
	return collectViolations(rows)
}

// SaveFlags stores the current emergency flags of an instance.
func (s *Store) SaveFlags(ctx context.Context, rec FlagsRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertFlagsSQL,
		rec.InstanceID.String(),
		rec.EmergencyMode,
		rec.FundsFrozen,
		rec.BalanceEmergency,
		rec.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("save flags: %w", execErr)
	}
	return nil
}

// LoadFlags returns the stored flags of an instance; ok is false when none
// were saved yet.
func (s *Store) LoadFlags(ctx context.Context, instance uuid.UUID) (FlagsRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return FlagsRecord{}, false, err
	}

	rec := FlagsRecord{InstanceID: instance}
	scanErr := pool.QueryRow(ctx, selectFlagsSQL, instance.String()).Scan(
		&rec.EmergencyMode,
		&rec.FundsFrozen,
		&rec.BalanceEmergency,
		&rec.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return FlagsRecord{}, false, nil
	}
	if scanErr != nil {
		return FlagsRecord{}, false, fmt.Errorf("load flags: %w", scanErr)
	}
	return rec, true, nil
}

// InsertSignal appends a signal to the audit log.
func (s *Store) InsertSignal(ctx context.Context, rec SignalRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var amount interface{}
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}

	_, execErr := pool.Exec(ctx, insertSignalSQL,
		rec.ID.String(),
		rec.InstanceID.String(),
		rec.Kind,
		rec.Caller,
		rec.Subject,
		rec.Market,
		amount,
		rec.Ticket,
		rec.Action,
		rec.Description,
		rec.EmittedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert signal: %w", execErr)
	}
	return nil
}

// CountSignals counts signals emitted by one guardian instance.
func (s *Store) CountSignals(ctx context.Context, instance uuid.UUID) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSignalsSQL, instance.String()).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count signals: %w", scanErr)
	}
	return count, nil
}

// InsertScoreSample appends a compliance score sample.
func (s *Store) InsertScoreSample(ctx context.Context, sample ScoreSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertScoreSQL,
		sample.InstanceID.String(),
		int16(sample.Score),
		sample.Compliant,
		int64(sample.ActiveViolations),
		int64(sample.CriticalViolations),
		sample.EmergencyMode,
		sample.FundsFrozen,
		sample.BalanceEmergency,
		sample.SampledAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert score sample: %w", execErr)
	}
	return nil
}

// ListScoresBetween lists score samples within a time window.
func (s *Store) ListScoresBetween(ctx context.Context, from, to time.Time) ([]ScoreSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listScoresBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list scores between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ScoreSample, 0)
	for rows.Next() {
		var (
			instance         string
			score            int16
			active, critical int64
			sample           ScoreSample
		)
		if err := rows.Scan(
			&instance,
			&score,
			&sample.Compliant,
			&active,
			&critical,
			&sample.EmergencyMode,
			&sample.FundsFrozen,
			&sample.BalanceEmergency,
			&sample.SampledAt,
		); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(instance)
		if err != nil {
			return nil, fmt.Errorf("parse instance id: %w", err)
		}
		sample.InstanceID = id
		sample.Score = uint8(score)
		sample.ActiveViolations = uint64(active)
		sample.CriticalViolations = uint64(critical)
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func collectViolations(rows pgx.Rows) ([]ViolationRecord, error) {
	defer rows.Close()

	records := make([]ViolationRecord, 0)
	for rows.Next() {
		rec, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanViolation(rows pgx.Rows) (ViolationRecord, error) {
	var (
		instance   string
		id         int64
		amountStr  string
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
		note       sql.NullString
		rec        ViolationRecord
	)

	if err := rows.Scan(
		&instance,
		&id,
		&rec.Law,
		&rec.Severity,
		&rec.Violator,
		&amountStr,
		&rec.Fingerprint,
		&rec.Action,
		&rec.Description,
		&rec.DetectedAt,
		&rec.Resolved,
		&resolvedAt,
		&resolvedBy,
		&note,
		&rec.CreatedAt,
	); err != nil {
		return ViolationRecord{}, err
	}

	parsed, err := uuid.Parse(instance)
	if err != nil {
		return ViolationRecord{}, fmt.Errorf("parse instance id: %w", err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return ViolationRecord{}, fmt.Errorf("parse amount: %w", err)
	}

	rec.InstanceID = parsed
	rec.ViolationID = uint64(id)
	rec.Amount = amount
	if resolvedAt.Valid {
		at := resolvedAt.Time
		rec.ResolvedAt = &at
	}
	if resolvedBy.Valid {
		by := resolvedBy.String
		rec.ResolvedBy = &by
	}
	if note.Valid {
		n := note.String
		rec.ResolutionNote = &n
	}
	return rec, nil
}

var (
	_ ViolationStore = (*Store)(nil)
	_ SignalStore    = (*Store)(nil)
	_ ScoreStore     = (*Store)(nil)
	_ StateStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
