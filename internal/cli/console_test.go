package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livefeed-project/livefeed/internal/db"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/session"
)

type fakeController struct {
	started []int64
	stopped int
}

func (f *fakeController) Start(roomID int64) error {
	f.started = append(f.started, roomID)
	return nil
}
func (f *fakeController) Stop() { f.stopped++ }
func (f *fakeController) Status() session.Status {
	return session.Status{RoomID: 42, State: "live", Live: true, Relay: "relay:2243", Events: 17}
}

type fakeHistory []db.Record

func (h fakeHistory) List(limit int) ([]db.Record, error) { return h, nil }

func runConsole(t *testing.T, input string, ctrl Controller, history History, printer *Printer, out *bytes.Buffer) bool {
	t.Helper()
	quit := false
	c := NewCLI(strings.NewReader(input), out, ctrl, history, printer, func() { quit = true })

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not exit")
	}
	return quit
}

func TestConsoleCommands(t *testing.T) {
	ctrl := &fakeController{}
	history := fakeHistory{
		{RoomID: 42, Attempt: 1, Kind: db.KindLiveness, Live: false, Detail: "EOF", CreatedAt: time.Now()},
		{RoomID: 42, Attempt: 1, Kind: db.KindState, State: "live", CreatedAt: time.Now()},
	}
	var out bytes.Buffer

	input := "watch 42\nstatus\nhistory 5\n\nbogus\nwatch x\nstop\nquit\nwatch 99\n"
	quit := runConsole(t, input, ctrl, history, nil, &out)

	if !quit {
		t.Error("shutdown not called by quit")
	}
	if len(ctrl.started) != 1 || ctrl.started[0] != 42 {
		t.Errorf("started = %v, want [42] (commands after quit ignored)", ctrl.started)
	}
	if ctrl.stopped != 1 {
		t.Errorf("stopped = %d, want 1", ctrl.stopped)
	}

	text := out.String()
	for _, want := range []string{
		"watching room 42",
		"relay:2243",
		"not live",
		"EOF",
		"Unknown command: 'bogus'",
		"invalid room id: x",
		"stopped watching",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestConsoleWithoutHistory(t *testing.T) {
	var out bytes.Buffer
	runConsole(t, "history\nmute\n", &fakeController{}, nil, nil, &out)

	if !strings.Contains(out.String(), "audit store is disabled") {
		t.Errorf("output = %s", out.String())
	}
	if !strings.Contains(out.String(), "no event printer attached") {
		t.Errorf("output = %s", out.String())
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		ev   events.DomainEvent
		want string
	}{
		{events.ChatMessage{Username: "alice", Content: "hi"}, "[chat] alice: hi"},
		{events.GiftEvent{Username: "bob", GiftName: "Rose", Count: 3}, "[gift] bob sent 3 x Rose"},
		{events.RoomEnterEvent{Username: "carol"}, "[enter] carol entered"},
		{events.RoomEnterEvent{Username: "dave", IsVIP: true}, "[enter] dave entered (vip)"},
		{events.UnclassifiedEvent{Command: "ONLINE_RANK_COUNT"}, "[ONLINE_RANK_COUNT]"},
	}
	for _, tt := range tests {
		if got := FormatEvent(tt.ev); got != tt.want {
			t.Errorf("FormatEvent(%T) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestPrinterFromBus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var out bytes.Buffer
	p := NewPrinter(&out, &sync.Mutex{})
	p.Attach(bus)

	ctx := context.Background()
	chat := events.FeedEventsPayload{RoomID: 1, Events: []events.DomainEvent{events.ChatMessage{Username: "a", Content: "one"}}}
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedLiveness, Payload: events.LivenessPayload{RoomID: 1, Live: true}})
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedEvents, Payload: chat})
	p.SetMuted(true)
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedEvents, Payload: chat})
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedDiagnostic, Payload: events.DiagnosticPayload{Message: "reconnecting in 3s"}})
	bus.EmitSync(ctx, events.Event{Type: events.EventFeedLiveness, Payload: events.LivenessPayload{RoomID: 1, Reason: "EOF"}})

	want := "*** live in room 1\n" +
		"[chat] a: one\n" +
		"!!! reconnecting in 3s\n" +
		"*** disconnected from room 1: EOF\n"
	if out.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", out.String(), want)
	}
}
