package service

import (
	"errors"
	"testing"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
)

func newPresenceFixture() (*PresenceService, *MockPresenceRepository, *mockGlobalBroadcaster) {
	repo := NewMockPresenceRepository()
	broadcaster := &mockGlobalBroadcaster{}
	// nil redis: the in-process registry carries the tests
	svc := NewPresenceService(nil, repo, broadcaster)
	return svc, repo, broadcaster
}

func TestConnectFirstConnectionGoesOnline(t *testing.T) {
	svc, repo, broadcaster := newPresenceFixture()

	connID, err := svc.Connect(7)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if connID == "" {
		t.Fatal("Connect should return a connection id")
	}
	if !svc.IsOnline(7) {
		t.Error("user should be online with one connection")
	}

	events := broadcaster.all()
	if len(events) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(events))
	}
	update, ok := events[0].(models.PresenceUpdate)
	if !ok {
		t.Fatalf("broadcast %T, want PresenceUpdate", events[0])
	}
	if update.UserID != 7 || !update.IsOnline {
		t.Errorf("update = %+v, want user 7 online", update)
	}

	row, _ := repo.Get(7)
	if !row.IsOnline || row.ActiveConnections != 1 {
		t.Errorf("persisted row = %+v, want online with 1 connection", row)
	}
}

func TestSecondConnectionDoesNotRebroadcast(t *testing.T) {
	svc, repo, broadcaster := newPresenceFixture()

	if _, err := svc.Connect(7); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Connect(7); err != nil {
		t.Fatal(err)
	}

	if got := len(broadcaster.all()); got != 1 {
		t.Errorf("broadcasts = %d, a second tab must not re-announce", got)
	}
	if got := svc.ActiveConnections(7); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
	row, _ := repo.Get(7)
	if row.ActiveConnections != 2 {
		t.Errorf("persisted connections = %d, want 2", row.ActiveConnections)
	}
}

func TestDisconnectLastConnectionGoesOffline(t *testing.T) {
	svc, repo, broadcaster := newPresenceFixture()

	first, _ := svc.Connect(7)
	second, _ := svc.Connect(7)

	if err := svc.Disconnect(7, first); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if !svc.IsOnline(7) {
		t.Error("user should stay online while a connection remains")
	}
	if got := len(broadcaster.all()); got != 1 {
		t.Errorf("broadcasts = %d, closing one of two tabs must not announce", got)
	}

	if err := svc.Disconnect(7, second); err != nil {
		t.Fatal(err)
	}
	if svc.IsOnline(7) {
		t.Error("user should be offline with zero connections")
	}

	events := broadcaster.all()
	if len(events) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(events))
	}
	update := events[1].(models.PresenceUpdate)
	if update.IsOnline {
		t.Error("final event should announce offline")
	}
	row, _ := repo.Get(7)
	if row.IsOnline || row.ActiveConnections != 0 {
		t.Errorf("persisted row = %+v, want offline", row)
	}
}

func TestDisconnectUnknownConnection(t *testing.T) {
	svc, _, _ := newPresenceFixture()

	if err := svc.Disconnect(7, "nope"); !errors.Is(err, ErrConnectionUnknown) {
		t.Fatalf("expected ErrConnectionUnknown, got %v", err)
	}

	if _, err := svc.Connect(7); err != nil {
		t.Fatal(err)
	}
	if err := svc.Disconnect(7, "wrong-id"); !errors.Is(err, ErrConnectionUnknown) {
		t.Fatalf("expected ErrConnectionUnknown for a foreign id, got %v", err)
	}
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	svc, repo, _ := newPresenceFixture()
	if _, err := svc.Connect(7); err != nil {
		t.Fatal(err)
	}

	before := time.Now()
	svc.Heartbeat(7)
	row, _ := repo.Get(7)
	if row.LastSeen.Before(before) {
		t.Error("heartbeat should touch last_seen")
	}
}

func TestSweepStaleDropsSilentConnections(t *testing.T) {
	svc, _, broadcaster := newPresenceFixture()
	svc.staleTimeout = 50 * time.Millisecond

	if _, err := svc.Connect(7); err != nil {
		t.Fatal(err)
	}
	time.Sleep(70 * time.Millisecond)

	dropped := svc.SweepStale(time.Now())
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if svc.IsOnline(7) {
		t.Error("user should be offline after the sweep")
	}
	events := broadcaster.all()
	if len(events) != 2 {
		t.Fatalf("broadcasts = %d, want online then offline", len(events))
	}
	if events[1].(models.PresenceUpdate).IsOnline {
		t.Error("sweep should announce offline")
	}
}

func TestSweepKeepsFreshConnections(t *testing.T) {
	svc, _, _ := newPresenceFixture()
	svc.staleTimeout = time.Minute

	if _, err := svc.Connect(7); err != nil {
		t.Fatal(err)
	}
	if dropped := svc.SweepStale(time.Now()); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if !svc.IsOnline(7) {
		t.Error("fresh connection should survive the sweep")
	}
}
