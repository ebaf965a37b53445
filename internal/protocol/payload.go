package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/livefeed-project/livefeed/internal/events"
)

// Command names with a typed schema.
const (
	CmdDanmaku      = "DANMU_MSG"
	CmdSendGift     = "SEND_GIFT"
	CmdInteractWord = "INTERACT_WORD"
)

var errMissingField = errors.New("missing field")

// PayloadDecoder maps one JSON command object to feed events. It holds no
// mutable state and performs no I/O.
type PayloadDecoder struct {
	now func() time.Time
}

// NewPayloadDecoder creates a payload decoder stamping events with the
// current time.
func NewPayloadDecoder() *PayloadDecoder {
	return &PayloadDecoder{now: time.Now}
}

// NewPayloadDecoderWithClock creates a payload decoder with a fixed clock.
func NewPayloadDecoderWithClock(now func() time.Time) *PayloadDecoder {
	return &PayloadDecoder{now: now}
}

// CommandKey returns the dispatch key of a command name: everything before
// the first ':' ("DANMU_MSG:4:0:2:2:2:0" -> "DANMU_MSG").
func CommandKey(cmd string) string {
	key, _, _ := strings.Cut(cmd, ":")
	return key
}

// DecodeJSON decodes one command object. A malformed command returns an
// error and no events.
func (p *PayloadDecoder) DecodeJSON(data []byte) ([]events.DomainEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid command object: %w", err)
	}

	var cmd string
	if err := decodeField(fields, "cmd", &cmd); err != nil {
		return nil, err
	}

	received := p.now()

	var (
		ev  events.DomainEvent
		err error
	)
	switch CommandKey(cmd) {
	case CmdDanmaku:
		ev, err = decodeDanmaku(fields, received)
	case CmdSendGift:
		ev, err = decodeGift(fields, received)
	case CmdInteractWord:
		ev, err = decodeInteractWord(fields, received)
	default:
		ev = events.UnclassifiedEvent{Command: cmd, RawFields: fields, Received: received}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return []events.DomainEvent{ev}, nil
}

// danmakuInfo is the positional "info" array of DANMU_MSG:
// [[_, mode, fontSize, color, ...], text, [uid, uname, ...], ...]
type danmakuInfo struct {
	Mode     int
	FontSize int
	Color    uint32
	Text     string
	UserID   int64
	Username string
}

func decodeDanmaku(fields map[string]json.RawMessage, received time.Time) (events.DomainEvent, error) {
	var info []json.RawMessage
	if err := decodeField(fields, "info", &info); err != nil {
		return nil, err
	}
	if len(info) < 3 {
		return nil, fmt.Errorf("info has %d elements, want at least 3", len(info))
	}

	var meta, user []json.RawMessage
	if err := decodeIndex(info, 0, &meta, "info"); err != nil {
		return nil, err
	}
	if len(meta) < 4 {
		return nil, fmt.Errorf("info[0] has %d elements, want at least 4", len(meta))
	}
	if err := decodeIndex(info, 2, &user, "info"); err != nil {
		return nil, err
	}
	if len(user) < 2 {
		return nil, fmt.Errorf("info[2] has %d elements, want at least 2", len(user))
	}

	var d danmakuInfo
	steps := []error{
		decodeIndex(meta, 1, &d.Mode, "info[0]"),
		decodeIndex(meta, 2, &d.FontSize, "info[0]"),
		decodeIndex(meta, 3, &d.Color, "info[0]"),
		decodeIndex(info, 1, &d.Text, "info"),
		decodeIndex(user, 0, &d.UserID, "info[2]"),
		decodeIndex(user, 1, &d.Username, "info[2]"),
	}
	if err := errors.Join(steps...); err != nil {
		return nil, err
	}

	return events.ChatMessage{
		UserID:     d.UserID,
		Username:   d.Username,
		Content:    d.Text,
		Color:      d.Color,
		RenderMode: events.RenderModeFromWire(d.Mode),
		FontSize:   d.FontSize,
		Received:   received,
	}, nil
}

// sendGiftData is the "data" object of SEND_GIFT.
type sendGiftData struct {
	UID      *int64  `json:"uid"`
	Uname    *string `json:"uname"`
	GiftName *string `json:"giftName"`
	Num      *int    `json:"num"`
	Price    *int64  `json:"price"`
}

func decodeGift(fields map[string]json.RawMessage, received time.Time) (events.DomainEvent, error) {
	var data sendGiftData
	if err := decodeField(fields, "data", &data); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]bool{
		"data.uid":      data.UID != nil,
		"data.uname":    data.Uname != nil,
		"data.giftName": data.GiftName != nil,
		"data.num":      data.Num != nil,
		"data.price":    data.Price != nil,
	}); err != nil {
		return nil, err
	}

	return events.GiftEvent{
		UserID:    *data.UID,
		Username:  *data.Uname,
		GiftName:  *data.GiftName,
		Count:     *data.Num,
		UnitPrice: *data.Price,
		Received:  received,
	}, nil
}

// interactWordData is the "data" object of INTERACT_WORD. is_vip is absent
// from most enter notices and then means false.
type interactWordData struct {
	UID   *int64    `json:"uid"`
	Uname *string   `json:"uname"`
	IsVIP *flexBool `json:"is_vip"`
}

func decodeInteractWord(fields map[string]json.RawMessage, received time.Time) (events.DomainEvent, error) {
	var data interactWordData
	if err := decodeField(fields, "data", &data); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]bool{
		"data.uid":   data.UID != nil,
		"data.uname": data.Uname != nil,
	}); err != nil {
		return nil, err
	}

	return events.RoomEnterEvent{
		UserID:   *data.UID,
		Username: *data.Uname,
		IsVIP:    data.IsVIP != nil && bool(*data.IsVIP),
		Received: received,
	}, nil
}

// flexBool accepts true/false or 0/1.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0":
		*b = false
	default:
		return fmt.Errorf("cannot use %s as a boolean", data)
	}
	return nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst interface{}) error {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return fmt.Errorf("%w: %s", errMissingField, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return nil
}

func decodeIndex(arr []json.RawMessage, i int, dst interface{}, path string) error {
	if i >= len(arr) || isNull(arr[i]) {
		return fmt.Errorf("%w: %s[%d]", errMissingField, path, i)
	}
	if err := json.Unmarshal(arr[i], dst); err != nil {
		return fmt.Errorf("field %s[%d]: %w", path, i, err)
	}
	return nil
}

func requireFields(present map[string]bool) error {
	var missing []string
	for name, ok := range present {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", errMissingField, strings.Join(missing, ", "))
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
