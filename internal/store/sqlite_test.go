package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestUpsertClientUpdatesLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpsertClient(ctx, &ClientRecord{ID: "c1", DisplayName: "alpha", FirstSeen: first, LastSeen: first}); err != nil {
		t.Fatal(err)
	}

	later := first.Add(2 * time.Hour)
	if err := s.UpsertClient(ctx, &ClientRecord{ID: "c1", DisplayName: "alpha-renamed", FirstSeen: later, LastSeen: later}); err != nil {
		t.Fatal(err)
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 {
		t.Fatalf("clients = %d, want 1 (upsert created duplicate)", len(clients))
	}
	c := clients[0]
	if c.DisplayName != "alpha-renamed" {
		t.Errorf("display name = %s", c.DisplayName)
	}
	if !c.FirstSeen.Equal(first) {
		t.Errorf("first_seen = %v, want original %v", c.FirstSeen, first)
	}
	if !c.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", c.LastSeen, later)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := s.RecordSessionStart(ctx, &SessionRecord{ID: "s1", PresenterID: "c1", StartedAt: started}); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].EndedAt != nil {
		t.Fatalf("open session = %+v", sessions[0])
	}

	ended := started.Add(30 * time.Minute)
	if err := s.RecordSessionEnd(ctx, "s1", ended, 3); err != nil {
		t.Fatal(err)
	}

	sessions, err = s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := sessions[0]
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}
	if got.PeakViewers != 3 {
		t.Errorf("peak_viewers = %d, want 3", got.PeakViewers)
	}
}

func TestListSessionsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		err := s.RecordSessionStart(ctx, &SessionRecord{ID: id, PresenterID: "p", StartedAt: base.Add(time.Duration(i) * time.Hour)})
		if err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := s.ListSessions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "s3" || sessions[1].ID != "s2" {
		t.Errorf("order = %s, %s; want newest first", sessions[0].ID, sessions[1].ID)
	}
}

func TestRecordTransferUpdatesState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	rec := &TransferRecord{ID: "t1", ConnectionID: "s1", FileName: "report.pdf", FileSize: 4096, State: "transferring", LoggedAt: at}
	if err := s.RecordTransfer(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.State = "completed"
	if err := s.RecordTransfer(ctx, rec); err != nil {
		t.Fatal(err)
	}

	transfers, err := s.ListTransfers(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	got := transfers[0]
	if got.State != "completed" || got.FileName != "report.pdf" || got.FileSize != 4096 {
		t.Errorf("transfer = %+v", got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.UpsertClient(ctx, &ClientRecord{ID: "c1", FirstSeen: now, LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Migrations are idempotent; reopening must find the row.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 || clients[0].ID != "c1" {
		t.Errorf("clients after reopen = %+v", clients)
	}
}
