package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vitals-ingest/internal/db"
	"vitals-ingest/internal/modules/telemetry/types"
	"vitals-ingest/internal/telemetry"
)

//go:embed sql/record-exists.sql
var recordExistsSQL string

//go:embed sql/insert-record.sql
var insertRecordSQL string

//go:embed sql/get-latest-records.sql
var getLatestRecordsSQL string

//go:embed sql/get-records.sql
var getRecordsSQL string

//go:embed sql/insert-sleep-session.sql
var insertSleepSessionSQL string

// maxStoredTime bounds open-ended range queries on the fixed-width timestamp
// column.
const maxStoredTime = "9999-12-31T23:59:59.999999999Z"

type TelemetryRepository interface {
	// Commit stores rec unless a record with the same device and device
	// timestamp already exists. The stored record carries its new id.
	Commit(ctx context.Context, rec telemetry.Record) (telemetry.Record, types.Outcome, error)
	Latest(ctx context.Context, deviceID string, limit int) ([]telemetry.Record, error)
	Readings(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]telemetry.Record, error)
	InsertSleep(ctx context.Context, s types.SleepSession) (types.SleepSession, error)
}

type repositoryImpl struct {
	db *db.DB
}

func NewRepository(conn *db.DB) TelemetryRepository {
	return &repositoryImpl{db: conn}
}

func (r *repositoryImpl) Commit(ctx context.Context, rec telemetry.Record) (telemetry.Record, types.Outcome, error) {
	if rec.ObservedAtSeconds != nil {
		dup, err := r.exists(ctx, rec.DeviceID, *rec.ObservedAtSeconds)
		if err != nil {
			return telemetry.Record{}, "", err
		}
		if dup {
			return rec, types.OutcomeDuplicate, nil
		}
	}
	return r.insert(ctx, rec)
}

func (r *repositoryImpl) exists(ctx context.Context, deviceID string, observedAt int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(recordExistsSQL), deviceID, observedAt).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check duplicate record: %w", err)
	}
	return true, nil
}

// insert writes rec under a fresh id. A unique violation means a concurrent
// writer committed the same key first.
func (r *repositoryImpl) insert(ctx context.Context, rec telemetry.Record) (telemetry.Record, types.Outcome, error) {
	fields, err := encodeJSON(rec.Fields)
	if err != nil {
		return telemetry.Record{}, "", fmt.Errorf("encode fields: %w", err)
	}
	metrics, err := encodeJSON(rec.Metrics)
	if err != nil {
		return telemetry.Record{}, "", fmt.Errorf("encode metrics: %w", err)
	}
	signals, err := json.Marshal(rec.Signals)
	if err != nil {
		return telemetry.Record{}, "", fmt.Errorf("encode signals: %w", err)
	}
	extras, err := encodeJSON(rec.Extras)
	if err != nil {
		return telemetry.Record{}, "", fmt.Errorf("encode extras: %w", err)
	}

	var observedAt any
	if rec.ObservedAtSeconds != nil {
		observedAt = *rec.ObservedAtSeconds
	}

	stored := rec.Clone()
	stored.ID = uuid.NewString()
	_, err = r.db.ExecContext(ctx, r.db.Rebind(insertRecordSQL),
		stored.ID,
		stored.DeviceID,
		observedAt,
		db.FormatTime(stored.ReceivedAt),
		fields,
		metrics,
		string(signals),
		extras,
	)
	if db.IsUniqueViolation(err) {
		return rec, types.OutcomeDuplicate, nil
	}
	if err != nil {
		return telemetry.Record{}, "", fmt.Errorf("insert record: %w", err)
	}
	return stored, types.OutcomeStored, nil
}

func (r *repositoryImpl) Latest(ctx context.Context, deviceID string, limit int) ([]telemetry.Record, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(getLatestRecordsSQL), deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest records: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest records rows", "error", err)
		}
	}()
	return scanRecords(rows)
}

func (r *repositoryImpl) Readings(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]telemetry.Record, error) {
	upper := maxStoredTime
	if !to.IsZero() {
		upper = db.FormatTime(to)
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(getRecordsSQL), deviceID, db.FormatTime(from), upper, limit)
	if err != nil {
		return nil, fmt.Errorf("records in range: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close records rows", "error", err)
		}
	}()
	return scanRecords(rows)
}

func (r *repositoryImpl) InsertSleep(ctx context.Context, s types.SleepSession) (types.SleepSession, error) {
	s.ID = uuid.NewString()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(insertSleepSessionSQL),
		s.ID, s.DeviceID, s.SleepQuality, s.Duration, db.FormatTime(s.ReceivedAt))
	if err != nil {
		return types.SleepSession{}, fmt.Errorf("insert sleep session: %w", err)
	}
	return s, nil
}

func scanRecords(rows *sql.Rows) ([]telemetry.Record, error) {
	var out []telemetry.Record
	for rows.Next() {
		var (
			rec                              telemetry.Record
			observedAt                       sql.NullInt64
			receivedAt                       string
			fields, metrics, signals, extras string
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &observedAt, &receivedAt, &fields, &metrics, &signals, &extras); err != nil {
			return nil, err
		}
		if observedAt.Valid {
			ts := observedAt.Int64
			rec.ObservedAtSeconds = &ts
		}
		var err error
		if rec.ReceivedAt, err = db.ParseTime(receivedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("record %s fields: %w", rec.ID, err)
		}
		if err := decodeJSON(metrics, &rec.Metrics); err != nil {
			return nil, fmt.Errorf("record %s metrics: %w", rec.ID, err)
		}
		if err := decodeJSON(signals, &rec.Signals); err != nil {
			return nil, fmt.Errorf("record %s signals: %w", rec.ID, err)
		}
		if err := decodeJSON(extras, &rec.Extras); err != nil {
			return nil, fmt.Errorf("record %s extras: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeJSON[M ~map[string]V, V any](m M) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
