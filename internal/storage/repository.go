package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertForwardingSampleSQL = `INSERT INTO forwarding_samples (
        bucket_ts,
        section,
        volume_sat,
        revenue_sat,
        ema_volume,
        ema_revenue,
        role,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (bucket_ts, section) DO UPDATE
    SET
        volume_sat  = EXCLUDED.volume_sat,
        revenue_sat = EXCLUDED.revenue_sat,
        ema_volume  = EXCLUDED.ema_volume,
        ema_revenue = EXCLUDED.ema_revenue,
        role        = EXCLUDED.role,
        status      = EXCLUDED.status,
        error       = EXCLUDED.error;`

	listSamplesBetweenSQL = `SELECT
        bucket_ts,
        section,
        volume_sat,
        revenue_sat,
        ema_volume,
        ema_revenue,
        role,
        status,
        error,
        created_at
    FROM forwarding_samples
    WHERE section = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT
        bucket_ts,
        section,
        volume_sat,
        revenue_sat,
        ema_volume,
        ema_revenue,
        role,
        status,
        error,
        created_at
    FROM forwarding_samples
    WHERE section = $1
    ORDER BY bucket_ts DESC
    LIMIT $2;`

	countSamplesSQL = `SELECT COUNT(*) FROM forwarding_samples;`

	insertFeeDecisionSQL = `INSERT INTO fee_decisions (
        bucket_ts,
        section,
        rule,
        direction,
        gate,
        old_outbound_ppm,
        new_outbound_ppm,
        old_inbound_ppm,
        new_inbound_ppm,
        sink_risk_score,
        sensitivity,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id, created_at;`

	listRecentDecisionsSQL = `SELECT
        id,
        bucket_ts,
        section,
        rule,
        direction,
        gate,
        old_outbound_ppm,
        new_outbound_ppm,
        old_inbound_ppm,
        new_inbound_ppm,
        sink_risk_score,
        sensitivity,
        reason,
        created_at
    FROM fee_decisions
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteDecisionsBeforeSQL = `DELETE FROM fee_decisions WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for forwarding sample persistence.
type SampleStore interface {
	UpsertForwardingSample(ctx context.Context, sample ForwardingSample) error
	ListSamplesBetween(ctx context.Context, section string, from, to time.Time) ([]ForwardingSample, error)
	ListRecentSamples(ctx context.Context, section string, limit int) ([]ForwardingSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// DecisionStore defines operations for fee decision auditing.
type DecisionStore interface {
	InsertFeeDecision(ctx context.Context, rec FeeDecisionRecord) (FeeDecisionRecord, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]FeeDecisionRecord, error)
	DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples and decisions.
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
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

// UpsertForwardingSample persists or updates a cycle observation.
func (s *Store) UpsertForwardingSample(ctx context.Context, sample ForwardingSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertForwardingSampleSQL,
		sample.Bucket,
		sample.Section,
		sample.VolumeSat.String(),
		sample.RevenueSat.String(),
		sample.EmaVolume.String(),
		sample.EmaRevenue.String(),
		sample.Role,
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert forwarding sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists one peer's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, section string, from, to time.Time) ([]ForwardingSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, section, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ForwardingSample, 0)
	for rows.Next() {
		sample, scanErr := scanForwardingSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentSamples lists one peer's most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, section string, limit int) ([]ForwardingSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, section, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ForwardingSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanForwardingSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertFeeDecision persists one committed decision.
func (s *Store) InsertFeeDecision(ctx context.Context, rec FeeDecisionRecord) (FeeDecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return FeeDecisionRecord{}, err
	}

	var gate interface{}
	if rec.Gate != nil {
		gate = *rec.Gate
	}

	row := pool.QueryRow(ctx, insertFeeDecisionSQL,
		rec.Bucket,
		rec.Section,
		rec.Rule,
		rec.Direction,
		gate,
		rec.OldOutboundPPM,
		rec.NewOutboundPPM,
		rec.OldInboundPPM,
		rec.NewInboundPPM,
		rec.SinkRiskScore.String(),
		rec.Sensitivity.String(),
		rec.Reason,
	)

	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return FeeDecisionRecord{}, fmt.Errorf("insert fee decision: %w", scanErr)
	}
	return rec, nil
}

// ListRecentDecisions lists most recent decisions.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]FeeDecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	decisions := make([]FeeDecisionRecord, 0, limit)
	for rows.Next() {
		var (
			rec            FeeDecisionRecord
			gate           sql.NullString
			sinkRiskStr    string
			sensitivityStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Bucket,
			&rec.Section,
			&rec.Rule,
			&rec.Direction,
			&gate,
			&rec.OldOutboundPPM,
			&rec.NewOutboundPPM,
			&rec.OldInboundPPM,
			&rec.NewInboundPPM,
			&sinkRiskStr,
			&sensitivityStr,
			&rec.Reason,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.SinkRiskScore, convErr = decimal.NewFromString(sinkRiskStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sink risk score: %w", convErr)
		}
		rec.Sensitivity, convErr = decimal.NewFromString(sensitivityStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sensitivity: %w", convErr)
		}
		if gate.Valid {
			value := gate.String
			rec.Gate = &value
		}

		decisions = append(decisions, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return decisions, nil
}

// DeleteDecisionsBefore deletes historical decisions.
func (s *Store) DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDecisionsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete decisions before: %w", execErr)
	}
	return nil
}

func scanForwardingSample(rows pgx.Rows) (ForwardingSample, error) {
	var (
		sample     ForwardingSample
		volumeStr  string
		revenueStr string
		emaVolStr  string
		emaRevStr  string
		errMsg     sql.NullString
	)

	if err := rows.Scan(
		&sample.Bucket,
		&sample.Section,
		&volumeStr,
		&revenueStr,
		&emaVolStr,
		&emaRevStr,
		&sample.Role,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return ForwardingSample{}, err
	}

	var err error
	if sample.VolumeSat, err = decimal.NewFromString(volumeStr); err != nil {
		return ForwardingSample{}, fmt.Errorf("parse volume: %w", err)
	}
	if sample.RevenueSat, err = decimal.NewFromString(revenueStr); err != nil {
		return ForwardingSample{}, fmt.Errorf("parse revenue: %w", err)
	}
	if sample.EmaVolume, err = decimal.NewFromString(emaVolStr); err != nil {
		return ForwardingSample{}, fmt.Errorf("parse ema volume: %w", err)
	}
	if sample.EmaRevenue, err = decimal.NewFromString(emaRevStr); err != nil {
		return ForwardingSample{}, fmt.Errorf("parse ema revenue: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}

	return sample, nil
}
