package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/connector"
	"github.com/livefeed-project/livefeed/internal/events"
)

// fakeRelay plays a scripted list of updates. With hold set it stays live
// until stopped.
type fakeRelay struct {
	script []connector.Update
	hold   bool

	updates  chan connector.Update
	stopped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	live     atomic.Bool
}

func newFakeRelay(hold bool, script ...connector.Update) *fakeRelay {
	return &fakeRelay{
		script:  script,
		hold:    hold,
		updates: make(chan connector.Update, 16),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (f *fakeRelay) Start(ctx context.Context) error {
	go func() {
		defer close(f.done)
		defer close(f.updates)
		for _, u := range f.script {
			if u.Kind == connector.UpdateLiveness {
				f.live.Store(u.Live)
			}
			f.updates <- u
		}
		if f.hold {
			select {
			case <-f.stopped:
			case <-ctx.Done():
			}
			f.live.Store(false)
			f.updates <- connector.Update{Kind: connector.UpdateLiveness, Live: false, Message: "stopped"}
		}
	}()
	return nil
}

func (f *fakeRelay) Stop() {
	f.stopOnce.Do(func() { close(f.stopped) })
	<-f.done
}

func (f *fakeRelay) IsLive() bool           { return f.live.Load() }
func (f *fakeRelay) State() connector.State { return connector.StateLive }
func (f *fakeRelay) Err() error             { return nil }
func (f *fakeRelay) Credentials() *connector.Credentials {
	return &connector.Credentials{RelayHost: "relay", RelayPort: 2243}
}
func (f *fakeRelay) Updates() <-chan connector.Update { return f.updates }

var (
	liveUp   = connector.Update{Kind: connector.UpdateLiveness, Live: true}
	liveDown = connector.Update{Kind: connector.UpdateLiveness, Live: false, Message: "EOF"}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff() Backoff {
	return Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, StableAfter: time.Hour}
}

func TestSessionReconnectsAfterFault(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var created atomic.Int32
	s := New(config.DefaultConfig(), bus,
		WithBackoff(fastBackoff()),
		WithReconnect(config.ReconnectConfig{Enabled: true, MaxAttempts: 3}),
		WithRelayFactory(func(roomID int64) Relay {
			created.Add(1)
			return newFakeRelay(false, liveUp, liveDown)
		}),
	)
	defer s.Stop()

	if err := s.Start(42); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "three attempts", func() bool { return s.Status().Attempt == 3 })
	time.Sleep(50 * time.Millisecond)

	if n := created.Load(); n != 3 {
		t.Errorf("relay clients created = %d, want 3", n)
	}
	if s.IsLive() {
		t.Error("IsLive() = true after final fault")
	}
}

func TestSessionReconnectDisabled(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var created atomic.Int32
	s := New(config.DefaultConfig(), bus,
		WithBackoff(fastBackoff()),
		WithReconnect(config.ReconnectConfig{Enabled: false}),
		WithRelayFactory(func(roomID int64) Relay {
			created.Add(1)
			return newFakeRelay(false, liveUp, liveDown)
		}),
	)
	defer s.Stop()

	s.Start(42)
	waitFor(t, "liveness lost", func() bool { return s.Status().Attempt == 1 && !s.Status().Live })
	time.Sleep(50 * time.Millisecond)

	if n := created.Load(); n != 1 {
		t.Errorf("relay clients created = %d, want 1", n)
	}
}

func TestSessionStopCancelsPendingReconnect(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var created atomic.Int32
	s := New(config.DefaultConfig(), bus,
		WithBackoff(Backoff{Initial: time.Hour, Max: time.Hour, StableAfter: time.Hour}),
		WithReconnect(config.ReconnectConfig{Enabled: true}),
		WithRelayFactory(func(roomID int64) Relay {
			created.Add(1)
			return newFakeRelay(false, liveUp, liveDown)
		}),
	)

	s.Start(42)
	waitFor(t, "retry scheduled", func() bool { return s.Status().NextRetry != nil })

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked on pending backoff")
	}

	if n := created.Load(); n != 1 {
		t.Errorf("relay clients created = %d, want 1", n)
	}
	if st := s.Status(); st.State != connector.StateClosed.String() || st.NextRetry != nil {
		t.Errorf("status after stop = %+v", st)
	}
}

func TestSessionStartReplacesRoom(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	relays := map[int64]*fakeRelay{}
	s := New(config.DefaultConfig(), bus,
		WithBackoff(fastBackoff()),
		WithRelayFactory(func(roomID int64) Relay {
			r := newFakeRelay(true, liveUp)
			mu.Lock()
			relays[roomID] = r
			mu.Unlock()
			return r
		}),
	)
	defer s.Stop()

	s.Start(1)
	waitFor(t, "room 1 live", s.IsLive)

	s.Start(2)
	waitFor(t, "room 2 live", s.IsLive)

	mu.Lock()
	first := relays[1]
	mu.Unlock()
	select {
	case <-first.done:
	default:
		t.Error("first room's relay still running")
	}
	if st := s.Status(); st.RoomID != 2 || st.Attempt != 1 {
		t.Errorf("status = %+v, want room 2 attempt 1", st)
	}
}

func TestSessionForwardsToBus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var feed []events.FeedEventsPayload
	var liveness []events.LivenessPayload
	bus.Subscribe(events.EventFeedEvents, "test", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		feed = append(feed, e.Payload.(events.FeedEventsPayload))
		mu.Unlock()
		return nil
	})
	bus.Subscribe(events.EventFeedLiveness, "test", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		liveness = append(liveness, e.Payload.(events.LivenessPayload))
		mu.Unlock()
		return nil
	})

	chat := events.ChatMessage{UserID: 1, Username: "alice", Content: "hi"}
	s := New(config.DefaultConfig(), bus,
		WithReconnect(config.ReconnectConfig{Enabled: false}),
		WithRelayFactory(func(roomID int64) Relay {
			return newFakeRelay(false,
				liveUp,
				connector.Update{Kind: connector.UpdateEvents, Events: []events.DomainEvent{chat}},
				connector.Update{Kind: connector.UpdatePopularity, Popularity: 99},
				connector.Update{Kind: connector.UpdateState, State: connector.StateFaulted},
				liveDown,
			)
		}),
	)
	defer s.Stop()

	s.Start(7)
	waitFor(t, "bus delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(feed) == 1 && len(liveness) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if feed[0].RoomID != 7 || feed[0].Events[0] != events.DomainEvent(chat) {
		t.Errorf("feed payload = %+v", feed[0])
	}
	if !liveness[0].Live || liveness[1].Live || liveness[1].Reason != "EOF" {
		t.Errorf("liveness = %+v", liveness)
	}
	if liveness[0].RunID == "" || liveness[0].RunID != liveness[1].RunID {
		t.Errorf("run ids = %q, %q", liveness[0].RunID, liveness[1].RunID)
	}

	st := s.Status()
	if st.Popularity != 99 || st.Events != 1 || st.State != "faulted" || st.Relay != "relay:2243" {
		t.Errorf("status = %+v", st)
	}
}

func TestSessionStartRejectsInvalidRoom(t *testing.T) {
	s := New(config.DefaultConfig(), events.NewEventBus())
	if err := s.Start(0); err == nil {
		t.Error("Start(0) succeeded")
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Initial: 3 * time.Second, Max: 60 * time.Second}
	want := []time.Duration{6, 12, 24, 48, 60, 60}

	d := b.Initial
	for i, w := range want {
		d = b.Next(d)
		if d != w*time.Second {
			t.Errorf("step %d = %v, want %v", i, d, w*time.Second)
		}
	}
}
