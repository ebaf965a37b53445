package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/livefeed-project/livefeed/internal/events"
)

// Printer writes feed events to a terminal, one line each.
type Printer struct {
	mu    *sync.Mutex
	out   io.Writer
	muted atomic.Bool
}

// NewPrinter creates a printer writing to out. mu serialises writes with
// other users of out and may be shared with a console.
func NewPrinter(out io.Writer, mu *sync.Mutex) *Printer {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Printer{mu: mu, out: out}
}

// SetMuted stops or resumes printing chat, gift and entry lines.
// Liveness and diagnostics are always printed.
func (p *Printer) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Attach subscribes the printer to bus.
func (p *Printer) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventFeedEvents, "cli.printer", func(ctx context.Context, e events.Event) error {
		payload, ok := e.Payload.(events.FeedEventsPayload)
		if !ok || p.muted.Load() {
			return nil
		}
		for _, ev := range payload.Events {
			p.println(FormatEvent(ev))
		}
		return nil
	})

	bus.Subscribe(events.EventFeedLiveness, "cli.printer", func(ctx context.Context, e events.Event) error {
		if l, ok := e.Payload.(events.LivenessPayload); ok {
			p.println(FormatLiveness(l))
		}
		return nil
	})

	bus.Subscribe(events.EventFeedDiagnostic, "cli.printer", func(ctx context.Context, e events.Event) error {
		if d, ok := e.Payload.(events.DiagnosticPayload); ok {
			p.println("!!! " + d.Message)
		}
		return nil
	})
}

func (p *Printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// FormatEvent renders one domain event as a console line.
func FormatEvent(ev events.DomainEvent) string {
	switch e := ev.(type) {
	case events.ChatMessage:
		return fmt.Sprintf("[chat] %s: %s", e.Username, e.Content)
	case events.GiftEvent:
		return fmt.Sprintf("[gift] %s sent %d x %s", e.Username, e.Count, e.GiftName)
	case events.RoomEnterEvent:
		if e.IsVIP {
			return fmt.Sprintf("[enter] %s entered (vip)", e.Username)
		}
		return fmt.Sprintf("[enter] %s entered", e.Username)
	case events.UnclassifiedEvent:
		return fmt.Sprintf("[%s]", e.Command)
	default:
		return fmt.Sprintf("[%s]", ev.Kind())
	}
}

// FormatLiveness renders a liveness change.
func FormatLiveness(l events.LivenessPayload) string {
	if l.Live {
		return fmt.Sprintf("*** live in room %d", l.RoomID)
	}
	if l.Reason != "" {
		return fmt.Sprintf("*** disconnected from room %d: %s", l.RoomID, l.Reason)
	}
	return fmt.Sprintf("*** disconnected from room %d", l.RoomID)
}
