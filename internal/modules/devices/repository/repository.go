package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vitals-ingest/internal/db"
	"vitals-ingest/internal/modules/devices/types"
)

//go:embed sql/get-device.sql
var getDeviceSQL string

//go:embed sql/list-devices.sql
var listDevicesSQL string

//go:embed sql/insert-device.sql
var insertDeviceSQL string

//go:embed sql/mark-active.sql
var markActiveSQL string

//go:embed sql/update-status.sql
var updateStatusSQL string

//go:embed sql/set-wifi-connected.sql
var setWiFiConnectedSQL string

//go:embed sql/set-wifi-failed.sql
var setWiFiFailedSQL string

//go:embed sql/list-activity.sql
var listActivitySQL string

//go:embed sql/device-exists.sql
var deviceExistsSQL string

// DeviceRepository is the device directory.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (types.Device, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]types.Device, error)
	Create(ctx context.Context, id string, now time.Time) (types.Device, error)
	MarkActive(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status types.Status, lastActiveAt *time.Time) error
	SetWiFiStatus(ctx context.Context, id string, status types.WiFiStatus, at time.Time) (types.Device, error)
	Activity(ctx context.Context) ([]types.Activity, error)
}

type repositoryImpl struct {
	db *db.DB
}

func NewRepository(conn *db.DB) DeviceRepository {
	return &repositoryImpl{db: conn}
}

func (r *repositoryImpl) Get(ctx context.Context, id string) (types.Device, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(getDeviceSQL), id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Device{}, fmt.Errorf("%w: %q", types.ErrNotFound, id)
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("get device %q: %w", id, err)
	}
	return d, nil
}

func (r *repositoryImpl) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(deviceExistsSQL), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("device exists %q: %w", id, err)
	}
	return true, nil
}

func (r *repositoryImpl) List(ctx context.Context) ([]types.Device, error) {
	rows, err := r.db.QueryContext(ctx, listDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close devices rows", "error", err)
		}
	}()
	var out []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) Create(ctx context.Context, id string, now time.Time) (types.Device, error) {
	if id == "" {
		return types.Device{}, errors.New("device id is required")
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(insertDeviceSQL), id, db.FormatTime(now))
	if db.IsUniqueViolation(err) {
		return types.Device{}, fmt.Errorf("%w: %q", types.ErrAlreadyExists, id)
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("insert device %q: %w", id, err)
	}
	return r.Get(ctx, id)
}

func (r *repositoryImpl) MarkActive(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(markActiveSQL), db.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark device %q active: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *repositoryImpl) UpdateStatus(ctx context.Context, id string, status types.Status, lastActiveAt *time.Time) error {
	var last any
	if lastActiveAt != nil {
		last = db.FormatTime(*lastActiveAt)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(updateStatusSQL), string(status), last, id)
	if err != nil {
		return fmt.Errorf("update device %q status: %w", id, err)
	}
	return requireRow(res, id)
}

// SetWiFiStatus records a transport handshake report. A connected report also
// marks the device active.
func (r *repositoryImpl) SetWiFiStatus(ctx context.Context, id string, status types.WiFiStatus, at time.Time) (types.Device, error) {
	ts := db.FormatTime(at)
	var (
		res sql.Result
		err error
	)
	switch status {
	case types.WiFiConnected:
		res, err = r.db.ExecContext(ctx, r.db.Rebind(setWiFiConnectedSQL), ts, ts, ts, id)
	case types.WiFiFailed:
		res, err = r.db.ExecContext(ctx, r.db.Rebind(setWiFiFailedSQL), ts, id)
	default:
		return types.Device{}, fmt.Errorf("invalid wifi status %q", status)
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("set device %q wifi status: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return types.Device{}, err
	}
	return r.Get(ctx, id)
}

func (r *repositoryImpl) Activity(ctx context.Context) ([]types.Activity, error) {
	rows, err := r.db.QueryContext(ctx, listActivitySQL)
	if err != nil {
		return nil, fmt.Errorf("list device activity: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close activity rows", "error", err)
		}
	}()

	var out []types.Activity
	for rows.Next() {
		var (
			a              types.Activity
			status         string
			lastActive     sql.NullString
			latestReceived sql.NullString
		)
		if err := rows.Scan(&a.DeviceID, &status, &lastActive, &latestReceived); err != nil {
			return nil, err
		}
		a.Status = types.Status(status)
		if a.LastActiveAt, err = parseNullTime(lastActive); err != nil {
			return nil, err
		}
		if a.LatestReceivedAt, err = parseNullTime(latestReceived); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (types.Device, error) {
	var (
		d                                      types.Device
		status, wifi, created                  string
		lastActive, wifiConnected, wifiAttempt sql.NullString
	)
	if err := s.Scan(&d.ID, &status, &lastActive, &wifi, &wifiConnected, &wifiAttempt, &created); err != nil {
		return types.Device{}, err
	}
	d.Status = types.Status(status)
	d.WiFiStatus = types.WiFiStatus(wifi)

	var err error
	if d.CreatedAt, err = db.ParseTime(created); err != nil {
		return types.Device{}, err
	}
	if d.LastActiveAt, err = parseNullTime(lastActive); err != nil {
		return types.Device{}, err
	}
	if d.WiFiConnectedAt, err = parseNullTime(wifiConnected); err != nil {
		return types.Device{}, err
	}
	if d.WiFiLastAttempt, err = parseNullTime(wifiAttempt); err != nil {
		return types.Device{}, err
	}
	return d, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := db.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", types.ErrNotFound, id)
	}
	return nil
}
