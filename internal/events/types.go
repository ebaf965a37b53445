// Package events defines the typed feed events decoded from the relay and
// the bus topics they are published on.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Feed events
	EventFeedEvents     EventType = "feed.events"
	EventFeedLiveness   EventType = "feed.liveness"
	EventFeedDiagnostic EventType = "feed.diagnostic"
	EventFeedState      EventType = "feed.state"
	EventFeedPopularity EventType = "feed.popularity"

	// System events
	EventStatusReport EventType = "status_report"
	EventShutdown     EventType = "shutdown"
)

// Event represents a single event on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// Kind identifies the variant of a DomainEvent.
type Kind string

const (
	KindChat         Kind = "chat"
	KindGift         Kind = "gift"
	KindRoomEnter    Kind = "room_enter"
	KindUnclassified Kind = "unclassified"
)

// DomainEvent is one decoded occurrence from the relay feed. The concrete
// types are ChatMessage, GiftEvent, RoomEnterEvent and UnclassifiedEvent.
type DomainEvent interface {
	Kind() Kind
	ReceivedAt() time.Time
}

// RenderMode is the on-screen placement of a chat message.
type RenderMode int

const (
	RenderScroll RenderMode = iota
	RenderTop
	RenderBottom
)

var renderModeStrings = map[RenderMode]string{
	RenderScroll: "scroll",
	RenderTop:    "top",
	RenderBottom: "bottom",
}

// String returns the string representation of RenderMode.
func (m RenderMode) String() string {
	if s, ok := renderModeStrings[m]; ok {
		return s
	}
	return "scroll"
}

// MarshalJSON serializes RenderMode as a JSON string (e.g. "top").
func (m RenderMode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// RenderModeFromWire maps the relay's numeric mode: 4 is pinned to the top,
// 5 to the bottom, every other value scrolls.
func RenderModeFromWire(mode int) RenderMode {
	switch mode {
	case 4:
		return RenderTop
	case 5:
		return RenderBottom
	default:
		return RenderScroll
	}
}

// ChatMessage is a viewer chat line.
type ChatMessage struct {
	UserID     int64      `json:"user_id"`
	Username   string     `json:"username"`
	Content    string     `json:"content"`
	Color      uint32     `json:"color"`
	RenderMode RenderMode `json:"render_mode"`
	FontSize   int        `json:"font_size"`
	Received   time.Time  `json:"received_at"`
}

func (e ChatMessage) Kind() Kind            { return KindChat }
func (e ChatMessage) ReceivedAt() time.Time { return e.Received }

// GiftEvent is a gift sent to the streamer.
type GiftEvent struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	GiftName  string    `json:"gift_name"`
	Count     int       `json:"count"`
	UnitPrice int64     `json:"unit_price"`
	Received  time.Time `json:"received_at"`
}

func (e GiftEvent) Kind() Kind            { return KindGift }
func (e GiftEvent) ReceivedAt() time.Time { return e.Received }

// RoomEnterEvent is a viewer entering the room.
type RoomEnterEvent struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	IsVIP    bool      `json:"is_vip"`
	Received time.Time `json:"received_at"`
}

func (e RoomEnterEvent) Kind() Kind            { return KindRoomEnter }
func (e RoomEnterEvent) ReceivedAt() time.Time { return e.Received }

// UnclassifiedEvent preserves any command the decoder has no schema for.
type UnclassifiedEvent struct {
	Command   string                     `json:"command"`
	RawFields map[string]json.RawMessage `json:"raw_fields,omitempty"`
	Received  time.Time                  `json:"received_at"`
}

func (e UnclassifiedEvent) Kind() Kind            { return KindUnclassified }
func (e UnclassifiedEvent) ReceivedAt() time.Time { return e.Received }

// Envelope wraps a DomainEvent with its kind for JSON consumers.
type Envelope struct {
	RoomID int64       `json:"room_id"`
	Kind   Kind        `json:"kind"`
	Event  DomainEvent `json:"event"`
}

// Wrap builds envelopes for a batch of events from one room.
func Wrap(roomID int64, batch []DomainEvent) []Envelope {
	out := make([]Envelope, 0, len(batch))
	for _, e := range batch {
		out = append(out, Envelope{RoomID: roomID, Kind: e.Kind(), Event: e})
	}
	return out
}

// FeedEventsPayload is published on EventFeedEvents.
type FeedEventsPayload struct {
	RoomID int64
	Events []DomainEvent
}

// LivenessPayload is published on EventFeedLiveness.
type LivenessPayload struct {
	RoomID  int64  `json:"room_id"`
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
	Live    bool   `json:"live"`
	Reason  string `json:"reason,omitempty"`
}

// DiagnosticPayload is published on EventFeedDiagnostic.
type DiagnosticPayload struct {
	RoomID  int64  `json:"room_id"`
	Message string `json:"message"`
}

// StatePayload is published on EventFeedState.
type StatePayload struct {
	RoomID    int64  `json:"room_id"`
	RunID     string `json:"run_id"`
	Attempt   int    `json:"attempt"`
	State     string `json:"state"`
	RelayAddr string `json:"relay_addr,omitempty"`
	Degraded  string `json:"degraded,omitempty"`
	Err       string `json:"error,omitempty"`
}

// PopularityPayload is published on EventFeedPopularity.
type PopularityPayload struct {
	RoomID     int64  `json:"room_id"`
	Popularity uint32 `json:"popularity"`
}
