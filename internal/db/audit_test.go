package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/livefeed-project/livefeed/internal/events"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := NewAuditStore(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	if err != nil {
		t.Fatalf("NewAuditStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuditStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []Record{
		{RunID: "r1", RoomID: 42, Attempt: 1, Kind: KindState, State: "live", RelayAddr: "relay:2243", Degraded: "wbi_keys", CreatedAt: base},
		{RunID: "r1", RoomID: 42, Attempt: 1, Kind: KindLiveness, Live: true, CreatedAt: base.Add(time.Second)},
		{RunID: "r1", RoomID: 42, Attempt: 1, Kind: KindLiveness, Live: false, Detail: "EOF", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		if err := s.Record(r); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := s.List(10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(got))
	}

	newest := got[0]
	if newest.Kind != KindLiveness || newest.Live || newest.Detail != "EOF" {
		t.Errorf("newest = %+v", newest)
	}
	if !newest.CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("CreatedAt = %v", newest.CreatedAt)
	}
	if !got[1].Live {
		t.Error("second record should be live")
	}
	oldest := got[2]
	if oldest.State != "live" || oldest.RelayAddr != "relay:2243" || oldest.Degraded != "wbi_keys" || oldest.RoomID != 42 {
		t.Errorf("oldest = %+v", oldest)
	}

	limited, err := s.List(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != newest.ID {
		t.Errorf("List(1) = %+v", limited)
	}
}

func TestAuditStorePurge(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	s.Record(Record{RunID: "old", RoomID: 1, Kind: KindState, State: "closed", CreatedAt: now.Add(-30 * 24 * time.Hour)})
	s.Record(Record{RunID: "new", RoomID: 1, Kind: KindState, State: "live", CreatedAt: now})

	n, err := s.Purge(now.Add(-14 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Purge() removed %d, want 1", n)
	}

	left, _ := s.List(10)
	if len(left) != 1 || left[0].RunID != "new" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestAuditStoreAttach(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	s.Attach(bus)

	ctx := context.Background()
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedState, Payload: events.StatePayload{
		RoomID: 7, RunID: "run", Attempt: 2, State: "faulted", Err: "connection lost",
	}})
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedLiveness, Payload: events.LivenessPayload{
		RoomID: 7, RunID: "run", Attempt: 2, Live: false, Reason: "EOF",
	}})
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedEvents, Payload: events.FeedEventsPayload{RoomID: 7}})

	got, err := s.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("recorded %d rows, want 2", len(got))
	}

	kinds := map[string]Record{}
	for _, r := range got {
		kinds[r.Kind] = r
	}
	if st := kinds[KindState]; st.State != "faulted" || st.Detail != "connection lost" || st.Attempt != 2 {
		t.Errorf("state record = %+v", st)
	}
	if lv := kinds[KindLiveness]; lv.Live || lv.Detail != "EOF" || lv.RunID != "run" {
		t.Errorf("liveness record = %+v", lv)
	}
}
