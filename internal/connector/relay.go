package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/protocol"
	"github.com/livefeed-project/livefeed/internal/util"
)

const relayWriteTimeout = 10 * time.Second

// State is the relay client lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateBootstrapping
	StateConnecting
	StateAuthenticating
	StateLive
	StateClosed
	StateFaulted
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateBootstrapping:  "bootstrapping",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateLive:           "live",
	StateClosed:         "closed",
	StateFaulted:        "faulted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// UpdateKind identifies what an Update carries.
type UpdateKind int

const (
	UpdateEvents UpdateKind = iota
	UpdateLiveness
	UpdateDiagnostic
	UpdateState
	UpdatePopularity
)

var updateKindNames = map[UpdateKind]string{
	UpdateEvents:     "events",
	UpdateLiveness:   "liveness",
	UpdateDiagnostic: "diagnostic",
	UpdateState:      "state",
	UpdatePopularity: "popularity",
}

func (k UpdateKind) String() string {
	if name, ok := updateKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Update is one message on the client's output channel. Which fields are
// set depends on Kind.
type Update struct {
	Kind       UpdateKind
	Events     []events.DomainEvent // UpdateEvents, never empty
	Live       bool                 // UpdateLiveness
	Message    string               // UpdateDiagnostic
	Err        error                // UpdateDiagnostic, UpdateState on fault
	State      State                // UpdateState
	Popularity uint32               // UpdatePopularity
}

// CredentialSource produces credentials for one connection attempt.
type CredentialSource interface {
	Bootstrap(ctx context.Context, roomID int64) (*Credentials, error)
}

// RelayClient owns one relay connection for one room: bootstrap, dial,
// auth, then a heartbeat writer and a frame reader until the connection is
// lost or Stop is called. A client runs at most once; reconnecting means
// creating a new client.
type RelayClient struct {
	cfg     config.RelayConfig
	roomID  int64
	source  CredentialSource
	decoder *protocol.Decoder
	logger  zerolog.Logger

	mu     sync.Mutex
	state  State
	conn   net.Conn
	creds  *Credentials
	cancel context.CancelFunc
	err    error

	writeMu sync.Mutex
	live    atomic.Bool
	hbErr   atomic.Pointer[error]

	updates    chan Update
	done       chan struct{}
	finishOnce sync.Once
}

// NewRelayClient creates an idle client for a room.
func NewRelayClient(cfg config.RelayConfig, roomID int64, source CredentialSource) *RelayClient {
	buffer := cfg.EventBuffer
	if buffer < 1 {
		buffer = 256
	}
	return &RelayClient{
		cfg:     cfg,
		roomID:  roomID,
		source:  source,
		decoder: protocol.NewDecoder(nil),
		logger:  util.ComponentLogger("relay").With().Int64("room_id", roomID).Logger(),
		updates: make(chan Update, buffer),
		done:    make(chan struct{}),
	}
}

// Start begins the connection sequence in the background. ctx bounds the
// whole run.
func (c *RelayClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateBootstrapping
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// Stop tears the client down from any state and waits for the run to end.
// It is safe to call more than once and from any goroutine.
func (c *RelayClient) Stop() {
	c.mu.Lock()
	prev := c.state
	if prev == StateClosed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.state = StateClosed
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	if prev == StateIdle {
		c.finish()
	}
	<-c.done
	c.logger.Debug().Stringer("from", prev).Msg("relay client stopped")
}

// IsLive reports whether the client is currently live.
func (c *RelayClient) IsLive() bool {
	return c.live.Load()
}

// State returns the current state.
func (c *RelayClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that faulted the client, if any.
func (c *RelayClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Credentials returns the credentials of this run once bootstrap succeeded.
func (c *RelayClient) Credentials() *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// RoomID returns the room this client joins.
func (c *RelayClient) RoomID() int64 {
	return c.roomID
}

// Updates returns the output channel. It is closed when the run ends.
func (c *RelayClient) Updates() <-chan Update {
	return c.updates
}

// Done is closed when the run has ended and all resources are released.
func (c *RelayClient) Done() <-chan struct{} {
	return c.done
}

func (c *RelayClient) run(ctx context.Context) {
	defer c.finish()

	c.emit(ctx, Update{Kind: UpdateState, State: StateBootstrapping})

	creds, err := c.source.Bootstrap(ctx, c.roomID)
	if err != nil {
		c.fault(ctx, err)
		return
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	if creds.Degraded.Any() {
		c.diagnostic(ctx, fmt.Sprintf("bootstrap degraded: %s", creds.Degraded), nil)
	}

	if !c.transition(ctx, StateConnecting) {
		return
	}
	conn, err := c.dial(ctx, creds.RelayAddr())
	if err != nil {
		c.fault(ctx, err)
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if !c.transition(ctx, StateAuthenticating) {
		return
	}
	if err := c.sendAuth(conn, creds); err != nil {
		c.fault(ctx, err)
		return
	}

	if !c.transition(ctx, StateLive) {
		return
	}
	c.live.Store(true)
	c.emit(ctx, Update{Kind: UpdateLiveness, Live: true})
	c.logger.Info().Str("relay", creds.RelayAddr()).Msg("relay live")

	hbCtx, hbCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(hbCtx, conn)
	}()

	readErr := c.readLoop(ctx, conn)
	hbCancel()
	conn.Close()
	wg.Wait()

	if c.State() == StateClosed {
		c.leaveLive(ctx, "stopped")
		return
	}

	if hb := c.hbErr.Load(); hb != nil {
		readErr = *hb
	}
	if !errors.Is(readErr, ErrAuthRejected) {
		readErr = &ConnectionLostError{Err: readErr}
	}
	c.fault(ctx, readErr)
}

func (c *RelayClient) dial(ctx context.Context, addr string) (net.Conn, error) {
	c.logger.Info().Str("addr", addr).Msg("connecting to relay")

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return conn, nil
}

func (c *RelayClient) sendAuth(conn net.Conn, creds *Credentials) error {
	frame, err := protocol.AuthFrame(c.roomID, creds.DeviceID, creds.AuthToken)
	if err != nil {
		return &AuthSendError{Err: err}
	}
	if err := c.write(conn, frame); err != nil {
		return &AuthSendError{Err: err}
	}
	c.logger.Debug().Msg("auth frame sent")
	return nil
}

// write serialises frame writes on the shared connection.
func (c *RelayClient) write(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	_, err := conn.Write(frame)
	return err
}

// heartbeatLoop sends a heartbeat right away and then every interval. A
// failed write closes the connection so the read loop ends too.
func (c *RelayClient) heartbeatLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval())
	defer ticker.Stop()

	frame := protocol.HeartbeatFrame()
	for {
		if err := c.write(conn, frame); err != nil {
			if ctx.Err() == nil {
				werr := fmt.Errorf("heartbeat write failed: %w", err)
				c.hbErr.Store(&werr)
				c.logger.Warn().Err(err).Msg("failed to send heartbeat")
				conn.Close()
			}
			return
		}
		c.logger.Trace().Msg("heartbeat sent")

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *RelayClient) readLoop(ctx context.Context, conn net.Conn) error {
	readTimeout := c.cfg.ReadTimeout()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info().Msg("relay closed connection")
			case errors.As(err, &netErr) && netErr.Timeout():
				c.logger.Warn().Dur("timeout", readTimeout).Msg("relay read timed out")
			default:
				c.logger.Debug().Err(err).Msg("relay read ended")
			}
			return err
		}

		if err := c.handle(ctx, c.decoder.Decode(frame)); err != nil {
			return err
		}
	}
}

func (c *RelayClient) handle(ctx context.Context, res protocol.Result) error {
	for _, err := range res.Errors {
		c.diagnostic(ctx, "frame dropped", err)
	}

	if res.AuthReply != nil && res.AuthReply.Code != 0 {
		err := fmt.Errorf("%w: code %d", ErrAuthRejected, res.AuthReply.Code)
		if c.cfg.StrictAuth {
			return err
		}
		c.diagnostic(ctx, "auth reply not ok", err)
	}

	if res.HasPopularity {
		c.emit(ctx, Update{Kind: UpdatePopularity, Popularity: res.Popularity})
	}
	if len(res.Events) > 0 {
		c.emit(ctx, Update{Kind: UpdateEvents, Events: res.Events})
	}
	return nil
}

// transition moves to a non-terminal state unless the client was stopped.
func (c *RelayClient) transition(ctx context.Context, s State) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("relay state changed")
	c.emit(ctx, Update{Kind: UpdateState, State: s})
	return true
}

// fault ends the run with an error unless the client was stopped meanwhile.
func (c *RelayClient) fault(ctx context.Context, err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.leaveLive(ctx, "stopped")
		return
	}
	c.state = StateFaulted
	c.err = err
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("relay faulted")
	c.leaveLive(ctx, err.Error())
	c.diagnostic(ctx, "relay faulted", err)
	c.emit(ctx, Update{Kind: UpdateState, State: StateFaulted, Err: err})
}

// leaveLive reports liveness false exactly once per run.
func (c *RelayClient) leaveLive(ctx context.Context, reason string) {
	if c.live.CompareAndSwap(true, false) {
		c.emit(ctx, Update{Kind: UpdateLiveness, Live: false, Message: reason})
	}
}

func (c *RelayClient) diagnostic(ctx context.Context, msg string, err error) {
	text := msg
	if err != nil {
		text = fmt.Sprintf("%s: %v", msg, err)
	}
	c.emit(ctx, Update{Kind: UpdateDiagnostic, Message: text, Err: err})
}

// emit delivers an update. Once the run context is cancelled it only
// succeeds if the buffer has room, so a stopped client never blocks.
func (c *RelayClient) emit(ctx context.Context, u Update) {
	select {
	case c.updates <- u:
		return
	default:
	}
	select {
	case c.updates <- u:
	case <-ctx.Done():
		c.logger.Debug().Stringer("kind", u.Kind).Msg("update dropped after stop")
	}
}

func (c *RelayClient) finish() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.conn = nil
		c.mu.Unlock()

		close(c.updates)
		close(c.done)
	})
}
