package db

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestUpsertSessionRefreshes(t *testing.T) {
	d := testDB(t)

	row := &SessionRow{
		ID:        "s1",
		CreatedAt: "2026-08-24T10:00:00Z",
		UpdatedAt: "2026-08-24T10:00:00Z",
		LastScore: 50,
	}
	if err := d.UpsertSession(row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row.LastScore = 88
	row.IsComplete = true
	row.CompletionReason = "threshold_pass"
	row.UpdatedAt = "2026-08-24T11:00:00Z"
	if err := d.UpsertSession(row); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := d.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.LastScore != 88 || !got.IsComplete {
		t.Errorf("got = %+v", got)
	}
}

func TestGetSessionMissing(t *testing.T) {
	d := testDB(t)
	got, err := d.GetSession("absent")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil", got)
	}
}

func TestEventsOrderedPerSession(t *testing.T) {
	d := testDB(t)

	for i := 1; i <= 3; i++ {
		if _, err := d.InsertEvent(&EventRow{
			SessionID:     "s1",
			ThoughtNumber: i,
			Overall:       50 + i,
			Verdict:       "revise",
		}); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	if _, err := d.InsertEvent(&EventRow{SessionID: "s2", ThoughtNumber: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	events, err := d.ListEvents("s1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.ThoughtNumber != i+1 {
			t.Errorf("position %d holds thought %d", i, ev.ThoughtNumber)
		}
		if ev.CreatedAt == "" {
			t.Error("createdAt not defaulted")
		}
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	d := testDB(t)

	if err := d.UpsertSession(&SessionRow{ID: "gone", CreatedAt: "x", UpdatedAt: "x"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if _, err := d.InsertEvent(&EventRow{SessionID: "gone", ThoughtNumber: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	if err := d.DeleteSession("gone"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got, _ := d.GetSession("gone"); got != nil {
		t.Error("session row survived delete")
	}
	events, err := d.ListEvents("gone", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events survived delete: %d", len(events))
	}
}
