package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"vitals-ingest/internal/db"
	"vitals-ingest/internal/db/dbtest"
	"vitals-ingest/internal/modules/devices/types"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (DeviceRepository, *db.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	return NewRepository(conn), conn
}

func mustCreate(t *testing.T, repo DeviceRepository, id string) types.Device {
	t.Helper()
	d, err := repo.Create(context.Background(), id, base)
	if err != nil {
		t.Fatalf("Create(%q): %v", id, err)
	}
	return d
}

func TestCreate_Defaults(t *testing.T) {
	repo, _ := newRepo(t)
	d := mustCreate(t, repo, "dev-1")

	if d.ID != "dev-1" {
		t.Errorf("ID: got %q, want dev-1", d.ID)
	}
	if d.Status != types.StatusInactive {
		t.Errorf("Status: got %q, want inactive", d.Status)
	}
	if d.WiFiStatus != types.WiFiUnknown {
		t.Errorf("WiFiStatus: got %q, want unknown", d.WiFiStatus)
	}
	if d.LastActiveAt != nil {
		t.Errorf("LastActiveAt: got %v, want nil", d.LastActiveAt)
	}
	if !d.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt: got %v, want %v", d.CreatedAt, base)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	repo, _ := newRepo(t)
	mustCreate(t, repo, "dev-1")

	_, err := repo.Create(context.Background(), "dev-1", base)
	if !errors.Is(err, types.ErrAlreadyExists) {
		t.Fatalf("Create duplicate: got %v, want ErrAlreadyExists", err)
	}
}

func TestCreate_EmptyID(t *testing.T) {
	repo, _ := newRepo(t)
	if _, err := repo.Create(context.Background(), "", base); err == nil {
		t.Fatal("Create with empty id: want error")
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, _ := newRepo(t)
	_, err := repo.Get(context.Background(), "ghost")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Get: got %v, want ErrNotFound", err)
	}
}

func TestExists(t *testing.T) {
	repo, _ := newRepo(t)
	mustCreate(t, repo, "dev-1")
	ctx := context.Background()

	ok, err := repo.Exists(ctx, "dev-1")
	if err != nil || !ok {
		t.Fatalf("Exists(dev-1): got %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.Exists(ctx, "ghost")
	if err != nil || ok {
		t.Fatalf("Exists(ghost): got %v, %v; want false, nil", ok, err)
	}
}

func TestList_Ordered(t *testing.T) {
	repo, _ := newRepo(t)
	mustCreate(t, repo, "b")
	mustCreate(t, repo, "a")

	got, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("List: got %+v, want [a b]", got)
	}
}

func TestMarkActive(t *testing.T) {
	repo, _ := newRepo(t)
	mustCreate(t, repo, "dev-1")
	ctx := context.Background()
	at := base.Add(time.Minute)

	if err := repo.MarkActive(ctx, "dev-1", at); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	d, err := repo.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Status != types.StatusActive {
		t.Errorf("Status: got %q, want active", d.Status)
	}
	if d.LastActiveAt == nil || !d.LastActiveAt.Equal(at) {
		t.Errorf("LastActiveAt: got %v, want %v", d.LastActiveAt, at)
	}

	if err := repo.MarkActive(ctx, "ghost", at); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("MarkActive(ghost): got %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	repo, _ := newRepo(t)
	mustCreate(t, repo, "dev-1")
	ctx := context.Background()
	at := base.Add(time.Hour)

	if err := repo.UpdateStatus(ctx, "dev-1", types.StatusActive, &at); err != nil {
		t.Fatalf("UpdateStatus active: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "dev-1", types.StatusInactive, &at); err != nil {
		t.Fatalf("UpdateStatus inactive: %v", err)
	}
	d, err := repo.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Status != types.StatusInactive {
		t.Errorf("Status: got %q, want inactive", d.Status)
	}
	if d.LastActiveAt == nil || !d.LastActiveAt.Equal(at) {
		t.Errorf("LastActiveAt: got %v, want %v", d.LastActiveAt, at)
	}

	if err := repo.UpdateStatus(ctx, "dev-1", types.Status("asleep"), nil); err == nil {
		t.Error("UpdateStatus with unknown status: want constraint error")
	}
}

func TestSetWiFiStatus(t *testing.T) {
	repo, _ := newRepo(t)
	mustCreate(t, repo, "dev-1")
	ctx := context.Background()

	failedAt := base.Add(time.Minute)
	d, err := repo.SetWiFiStatus(ctx, "dev-1", types.WiFiFailed, failedAt)
	if err != nil {
		t.Fatalf("SetWiFiStatus failed: %v", err)
	}
	if d.WiFiStatus != types.WiFiFailed || d.Status != types.StatusInactive {
		t.Errorf("after failed: wifi=%q status=%q, want failed/inactive", d.WiFiStatus, d.Status)
	}
	if d.WiFiConnectedAt != nil {
		t.Errorf("WiFiConnectedAt after failure: got %v, want nil", d.WiFiConnectedAt)
	}
	if d.WiFiLastAttempt == nil || !d.WiFiLastAttempt.Equal(failedAt) {
		t.Errorf("WiFiLastAttempt: got %v, want %v", d.WiFiLastAttempt, failedAt)
	}

	okAt := base.Add(2 * time.Minute)
	d, err = repo.SetWiFiStatus(ctx, "dev-1", types.WiFiConnected, okAt)
	if err != nil {
		t.Fatalf("SetWiFiStatus connected: %v", err)
	}
	if d.WiFiStatus != types.WiFiConnected || d.Status != types.StatusActive {
		t.Errorf("after connected: wifi=%q status=%q, want connected/active", d.WiFiStatus, d.Status)
	}
	if d.WiFiConnectedAt == nil || !d.WiFiConnectedAt.Equal(okAt) {
		t.Errorf("WiFiConnectedAt: got %v, want %v", d.WiFiConnectedAt, okAt)
	}
	if d.LastActiveAt == nil || !d.LastActiveAt.Equal(okAt) {
		t.Errorf("LastActiveAt: got %v, want %v", d.LastActiveAt, okAt)
	}

	if _, err := repo.SetWiFiStatus(ctx, "ghost", types.WiFiConnected, okAt); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("SetWiFiStatus(ghost): got %v, want ErrNotFound", err)
	}
	if _, err := repo.SetWiFiStatus(ctx, "dev-1", types.WiFiUnknown, okAt); err == nil {
		t.Error("SetWiFiStatus(unknown): want error")
	}
}

func TestActivity(t *testing.T) {
	repo, conn := newRepo(t)
	mustCreate(t, repo, "quiet")
	mustCreate(t, repo, "busy")

	older := base.Add(time.Hour)
	newer := base.Add(2 * time.Hour)
	for i, at := range []time.Time{older, newer} {
		_, err := conn.Exec(
			`INSERT INTO telemetry_records (id, device_id, received_at) VALUES (?, 'busy', ?)`,
			[]string{"r1", "r2"}[i], db.FormatTime(at),
		)
		if err != nil {
			t.Fatalf("insert record: %v", err)
		}
	}

	got, err := repo.Activity(context.Background())
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Activity: got %d rows, want 2", len(got))
	}
	busy, quiet := got[0], got[1]
	if busy.DeviceID != "busy" || quiet.DeviceID != "quiet" {
		t.Fatalf("Activity order: got %q, %q", busy.DeviceID, quiet.DeviceID)
	}
	if busy.LatestReceivedAt == nil || !busy.LatestReceivedAt.Equal(newer) {
		t.Errorf("busy latest: got %v, want %v", busy.LatestReceivedAt, newer)
	}
	if quiet.LatestReceivedAt != nil {
		t.Errorf("quiet latest: got %v, want nil", quiet.LatestReceivedAt)
	}
}
