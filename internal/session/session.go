// Package session owns the watched room: it runs one relay client per
// connection attempt, forwards relay updates to the event bus and applies
// the reconnect policy after faults.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/connector"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/util"
)

const sourceName = "session"

// Relay is the part of a relay client the session drives.
type Relay interface {
	Start(ctx context.Context) error
	Stop()
	IsLive() bool
	State() connector.State
	Err() error
	Credentials() *connector.Credentials
	Updates() <-chan connector.Update
}

// RelayFactory creates a fresh relay client for one attempt.
type RelayFactory func(roomID int64) Relay

// Backoff is the reconnect delay schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	// StableAfter resets the delay to Initial once a connection stayed live
	// this long.
	StableAfter time.Duration
}

// Next returns the delay following d.
func (b Backoff) Next(d time.Duration) time.Duration {
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Status is a snapshot of the session.
type Status struct {
	RoomID     int64                   `json:"room_id"`
	RunID      string                  `json:"run_id,omitempty"`
	State      string                  `json:"state"`
	Live       bool                    `json:"live"`
	Attempt    int                     `json:"attempt"`
	Relay      string                  `json:"relay,omitempty"`
	Degraded   connector.DegradedFlags `json:"degraded"`
	Popularity uint32                  `json:"popularity"`
	Events     uint64                  `json:"events"`
	LiveSince  *time.Time              `json:"live_since,omitempty"`
	LastError  string                  `json:"last_error,omitempty"`
	NextRetry  *time.Time              `json:"next_retry,omitempty"`
}

// Session is the owning session of the relay client. At most one room is
// watched at a time; Start on a new room stops the previous one.
type Session struct {
	cfg       *config.Config
	bus       *events.EventBus
	newRelay  RelayFactory
	backoff   Backoff
	reconnect func() config.ReconnectConfig
	logger    zerolog.Logger

	opMu sync.Mutex // serialises Start and Stop

	mu     sync.Mutex
	status Status
	relay  Relay
	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventCount atomic.Uint64
	out        chan connector.Update
}

// Option customises a Session.
type Option func(*Session)

// WithRelayFactory replaces how relay clients are created.
func WithRelayFactory(f RelayFactory) Option {
	return func(s *Session) { s.newRelay = f }
}

// WithBackoff replaces the reconnect delay schedule derived from config.
func WithBackoff(b Backoff) Option {
	return func(s *Session) { s.backoff = b }
}

// WithReconnect overrides the reconnect policy read from config.
func WithReconnect(r config.ReconnectConfig) Option {
	return func(s *Session) { s.reconnect = func() config.ReconnectConfig { return r } }
}

// New creates an idle session.
func New(cfg *config.Config, bus *events.EventBus, opts ...Option) *Session {
	rc := cfg.GetReconnect()
	relayCfg := cfg.GetRelay()

	s := &Session{
		cfg: cfg,
		bus: bus,
		backoff: Backoff{
			Initial:     time.Duration(max(rc.InitialBackoff, 1)) * time.Second,
			Max:         time.Duration(max(rc.MaxBackoff, rc.InitialBackoff, 1)) * time.Second,
			StableAfter: 60 * time.Second,
		},
		reconnect: cfg.GetReconnect,
		logger:    util.ComponentLogger("session"),
		status:    Status{State: connector.StateIdle.String()},
		out:       make(chan connector.Update, max(relayCfg.EventBuffer, 1)),
	}
	s.newRelay = func(roomID int64) Relay {
		relay := s.cfg.GetRelay()
		return connector.NewRelayClient(relay, roomID, connector.NewBootstrapper(relay))
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start watches a room, replacing any room watched so far.
func (s *Session) Start(roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("invalid room id %d", roomID)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop()

	ctx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()

	s.mu.Lock()
	s.cancel = cancel
	s.status = Status{RoomID: roomID, RunID: runID, State: connector.StateIdle.String()}
	s.mu.Unlock()
	s.eventCount.Store(0)

	s.logger.Info().Int64("room_id", roomID).Str("run_id", runID).Msg("watching room")

	s.wg.Add(1)
	go s.loop(ctx, roomID, runID)
	return nil
}

// Stop stops watching and cancels any pending reconnect. It blocks until
// the relay client has released its connection.
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel, relay := s.cancel, s.relay
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if relay != nil {
		relay.Stop()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.relay = nil
	s.status.Live = false
	s.status.LiveSince = nil
	s.status.NextRetry = nil
	s.status.State = connector.StateClosed.String()
	s.mu.Unlock()
}

// IsLive reports whether the current relay client is live.
func (s *Session) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay != nil && s.relay.IsLive()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Events = s.eventCount.Load()
	return st
}

// Events returns every relay update of every attempt. Updates are dropped
// when nobody reads.
func (s *Session) Events() <-chan connector.Update {
	return s.out
}

func (s *Session) loop(ctx context.Context, roomID int64, runID string) {
	defer s.wg.Done()

	delay := s.backoff.Initial
	for attempt := 1; ; attempt++ {
		relay := s.newRelay(roomID)

		s.mu.Lock()
		s.relay = relay
		s.status.Attempt = attempt
		s.status.NextRetry = nil
		s.mu.Unlock()

		if err := relay.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to start relay client")
			return
		}

		liveFor := s.drain(relay, roomID, runID, attempt)

		if ctx.Err() != nil {
			return
		}

		policy := s.reconnect()
		if !policy.Enabled {
			s.logger.Info().Int64("room_id", roomID).Msg("relay ended, reconnect disabled")
			return
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			s.logger.Warn().Int("attempts", attempt).Msg("giving up after max reconnect attempts")
			s.diagnostic(roomID, fmt.Sprintf("giving up after %d attempts", attempt))
			return
		}

		if liveFor >= s.backoff.StableAfter {
			delay = s.backoff.Initial
		}
		wait := delay
		delay = s.backoff.Next(delay)

		retryAt := time.Now().Add(wait)
		s.mu.Lock()
		s.status.NextRetry = &retryAt
		s.mu.Unlock()

		s.logger.Info().Dur("backoff", wait).Int("attempt", attempt).Msg("reconnecting after backoff")
		s.diagnostic(roomID, fmt.Sprintf("reconnecting in %s", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// drain forwards one client's updates until it ends and returns how long
// it was live. Updates still arrive after Stop, so bus emits do not use the
// run context.
func (s *Session) drain(relay Relay, roomID int64, runID string, attempt int) time.Duration {
	var liveAt time.Time
	var liveFor time.Duration

	for u := range relay.Updates() {
		switch u.Kind {
		case connector.UpdateEvents:
			s.eventCount.Add(uint64(len(u.Events)))
			s.emit(events.EventFeedEvents, events.FeedEventsPayload{RoomID: roomID, Events: u.Events})

		case connector.UpdateLiveness:
			s.mu.Lock()
			s.status.Live = u.Live
			if u.Live {
				liveAt = time.Now()
				s.status.LiveSince = &liveAt
			} else {
				if !liveAt.IsZero() {
					liveFor = time.Since(liveAt)
				}
				s.status.LiveSince = nil
			}
			s.mu.Unlock()

			s.emit(events.EventFeedLiveness, events.LivenessPayload{
				RoomID: roomID, RunID: runID, Attempt: attempt, Live: u.Live, Reason: u.Message,
			})

		case connector.UpdateDiagnostic:
			s.diagnostic(roomID, u.Message)

		case connector.UpdatePopularity:
			s.mu.Lock()
			s.status.Popularity = u.Popularity
			s.mu.Unlock()
			s.emit(events.EventFeedPopularity, events.PopularityPayload{RoomID: roomID, Popularity: u.Popularity})

		case connector.UpdateState:
			s.onState(relay, u, roomID, runID, attempt)
		}

		select {
		case s.out <- u:
		default:
		}
	}
	return liveFor
}

func (s *Session) onState(relay Relay, u connector.Update, roomID int64, runID string, attempt int) {
	payload := events.StatePayload{
		RoomID:  roomID,
		RunID:   runID,
		Attempt: attempt,
		State:   u.State.String(),
	}
	if u.Err != nil {
		payload.Err = u.Err.Error()
	}

	s.mu.Lock()
	s.status.State = u.State.String()
	if u.Err != nil {
		s.status.LastError = u.Err.Error()
	}
	if creds := relay.Credentials(); creds != nil {
		s.status.Relay = creds.RelayAddr()
		s.status.Degraded = creds.Degraded
		payload.RelayAddr = creds.RelayAddr()
		payload.Degraded = creds.Degraded.String()
	}
	s.mu.Unlock()

	s.emit(events.EventFeedState, payload)
}

func (s *Session) diagnostic(roomID int64, msg string) {
	s.emit(events.EventFeedDiagnostic, events.DiagnosticPayload{RoomID: roomID, Message: msg})
}

func (s *Session) emit(t events.EventType, payload interface{}) {
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: sourceName, Payload: payload})
}
