package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"

	"github.com/livefeed-project/livefeed/internal/events"
)

const danmakuHello = `{"cmd":"DANMU_MSG","info":[[0,1,25,16777215],"hello",[123,"alice"]]}`

func newTestDecoder() *Decoder {
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	return NewDecoder(NewPayloadDecoderWithClock(clock))
}

func zlibWrap(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func brotliWrap(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		op   Operation
		body []byte
	}{
		{OpHeartbeat, []byte(HeartbeatBody)},
		{OpAuth, []byte(`{"roomid":1}`)},
		{OpMessage, nil},
		{Operation(99), bytes.Repeat([]byte{0xAB}, 1024)},
	}

	for _, tt := range tests {
		encoded := EncodeFrame(tt.op, tt.body)
		f, err := ReadFrame(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("ReadFrame(%s) error = %v", tt.op, err)
		}
		if f.BodyLength() != len(tt.body) {
			t.Errorf("%s: BodyLength() = %d, want %d", tt.op, f.BodyLength(), len(tt.body))
		}
		if f.Op != tt.op || f.Version != VersionPlainAlt || f.Sequence != OutboundSequence || f.HeaderLength != HeaderSize {
			t.Errorf("%s: header = %+v", tt.op, f.Header)
		}
		if !bytes.Equal(f.Body, tt.body) && len(tt.body) > 0 {
			t.Errorf("%s: body mismatch", tt.op)
		}
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	got := HeartbeatFrame()
	want := []byte{
		0x00, 0x00, 0x00, 0x1F, // total 31
		0x00, 0x10, // header 16
		0x00, 0x01, // version 1
		0x00, 0x00, 0x00, 0x02, // heartbeat
		0x00, 0x00, 0x00, 0x01, // sequence
	}
	if !bytes.Equal(got[:HeaderSize], want) {
		t.Errorf("header = % x, want % x", got[:HeaderSize], want)
	}
	if string(got[HeaderSize:]) != "[object Object]" {
		t.Errorf("body = %q", got[HeaderSize:])
	}
}

func TestParseHeaderRejectsMalformed(t *testing.T) {
	short := Encode(OpMessage, nil, VersionPlain)
	binary.BigEndian.PutUint16(short[4:6], 8)
	if _, err := ParseHeader(short); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("short header length: err = %v, want ErrMalformedHeader", err)
	}

	under := Encode(OpMessage, nil, VersionPlain)
	binary.BigEndian.PutUint32(under[0:4], 10)
	if _, err := ParseHeader(under); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("total below header: err = %v, want ErrMalformedHeader", err)
	}

	huge := Encode(OpMessage, nil, VersionPlain)
	binary.BigEndian.PutUint32(huge[0:4], MaxFrameSize+1)
	if _, err := ParseHeader(huge); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized: err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	encoded := EncodeFrame(OpMessage, []byte("hello"))
	_, err := ReadFrame(bytes.NewReader(encoded[:len(encoded)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecodeHeartbeatReply(t *testing.T) {
	res := newTestDecoder().DecodeStream(Encode(OpHeartbeatReply, []byte("12345"), VersionPlainAlt))
	if len(res.Events) != 0 {
		t.Errorf("events = %d, want 0", len(res.Events))
	}
	if !res.HasPopularity || res.Popularity != 12345 {
		t.Errorf("popularity = %d (%v), want 12345", res.Popularity, res.HasPopularity)
	}
}

func TestDecodeHeartbeatReplyBinaryFallback(t *testing.T) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 777)
	res := newTestDecoder().Decode(&Frame{Header: Header{Op: OpHeartbeatReply}, Body: body})
	if res.Popularity != 777 {
		t.Errorf("popularity = %d, want 777", res.Popularity)
	}
}

func TestDecodePlainDanmaku(t *testing.T) {
	res := newTestDecoder().DecodeStream(Encode(OpMessage, []byte(danmakuHello), VersionPlain))
	if len(res.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(res.Events))
	}
	msg, ok := res.Events[0].(events.ChatMessage)
	if !ok {
		t.Fatalf("event type = %T, want ChatMessage", res.Events[0])
	}
	want := events.ChatMessage{
		UserID:     123,
		Username:   "alice",
		Content:    "hello",
		Color:      16777215,
		RenderMode: events.RenderScroll,
		FontSize:   25,
		Received:   time.Unix(1700000000, 0),
	}
	if msg != want {
		t.Errorf("got %+v, want %+v", msg, want)
	}
}

func TestDecodeNulSeparatedCommands(t *testing.T) {
	body := []byte(danmakuHello + "\x00" + `{"cmd":"ONLINE_RANK_COUNT","data":{"count":9}}` + "\x00")
	res := newTestDecoder().DecodeStream(Encode(OpMessage, body, VersionPlainAlt))
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(res.Events))
	}
	if res.Events[1].Kind() != events.KindUnclassified {
		t.Errorf("second kind = %s, want unclassified", res.Events[1].Kind())
	}
}

func TestDecodeDeflateWrapsTwoFrames(t *testing.T) {
	gift := `{"cmd":"SEND_GIFT","data":{"uid":9,"uname":"bob","giftName":"rose","num":3,"price":100}}`
	inner := append(
		Encode(OpMessage, []byte(danmakuHello), VersionPlain),
		Encode(OpMessage, []byte(gift), VersionPlain)...,
	)
	outer := Encode(OpMessage, zlibWrap(t, inner), VersionDeflate)

	res := newTestDecoder().DecodeStream(outer)
	if len(res.Errors) != 0 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(res.Events))
	}
	if res.Events[0].Kind() != events.KindChat || res.Events[1].Kind() != events.KindGift {
		t.Errorf("kinds = %s, %s; want chat, gift", res.Events[0].Kind(), res.Events[1].Kind())
	}
	if res.Frames != 3 {
		t.Errorf("frames = %d, want 3", res.Frames)
	}
}

func TestDecodeBrotliNestedInOrder(t *testing.T) {
	first := Encode(OpMessage, []byte(`{"cmd":"A"}`), VersionPlain)
	second := Encode(OpMessage, []byte(`{"cmd":"B"}`), VersionPlain)
	third := Encode(OpMessage, []byte(`{"cmd":"C"}`), VersionPlain)

	// A, then a compressed frame holding B, then C.
	nested := Encode(OpMessage, brotliWrap(t, second), VersionBrotli)
	stream := append(append(first, nested...), third...)

	res := newTestDecoder().DecodeStream(stream)
	var got []string
	for _, ev := range res.Events {
		got = append(got, ev.(events.UnclassifiedEvent).Command)
	}
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("order = %v, want [A B C]", got)
	}
}

func TestDecodeFrameBoundaryInvariant(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(Operation(42), []byte("unknown op"), VersionPlain)...)
	stream = append(stream, Encode(OpMessage, zlibWrap(t, []byte(danmakuHello))[:6], VersionDeflate)...)
	stream = append(stream, Encode(OpMessage, []byte{0x01, 0x02, 0x03}, VersionBrotli)...)
	stream = append(stream, Encode(OpMessage, []byte("ignored"), Version(9))...)
	stream = append(stream, Encode(OpHeartbeatReply, []byte("1"), VersionPlainAlt)...)
	stream = append(stream, Encode(OpMessage, []byte(danmakuHello), VersionPlain)...)

	res := newTestDecoder().DecodeStream(stream)
	if res.Frames != 6 {
		t.Errorf("frames = %d, want 6", res.Frames)
	}
	if res.Trailing != 0 {
		t.Errorf("trailing = %d, want 0", res.Trailing)
	}
	if len(res.Events) != 1 {
		t.Errorf("events = %d, want 1", len(res.Events))
	}
	if len(res.Errors) != 2 {
		t.Errorf("errors = %d, want 2 (deflate and brotli)", len(res.Errors))
	}
	for _, err := range res.Errors {
		var fe *FrameDecodeError
		if !errors.As(err, &fe) {
			t.Errorf("error %v is not a FrameDecodeError", err)
		}
	}
}

func TestDecodeStreamTrailingBytes(t *testing.T) {
	full := Encode(OpMessage, []byte(danmakuHello), VersionPlain)
	partial := Encode(OpMessage, []byte(danmakuHello), VersionPlain)[:20]

	res := newTestDecoder().DecodeStream(append(full, partial...))
	if res.Frames != 1 {
		t.Errorf("frames = %d, want 1", res.Frames)
	}
	if res.Trailing != 20 {
		t.Errorf("trailing = %d, want 20", res.Trailing)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v, want none for a partial tail", res.Errors)
	}
}

func TestDecodeNestingLimit(t *testing.T) {
	frame := Encode(OpMessage, []byte(danmakuHello), VersionPlain)
	for i := 0; i < MaxNesting+1; i++ {
		frame = Encode(OpMessage, zlibWrap(t, frame), VersionDeflate)
	}

	res := newTestDecoder().DecodeStream(frame)
	if len(res.Events) != 0 {
		t.Errorf("events = %d, want 0", len(res.Events))
	}
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], ErrNestingTooDeep) {
		t.Errorf("errors = %v, want ErrNestingTooDeep", res.Errors)
	}
}

func TestDecodeInflatedSizeLimit(t *testing.T) {
	if _, err := inflate(zlibWrap(t, make([]byte, 2048)), 1024); !errors.Is(err, ErrInflatedTooLarge) {
		t.Errorf("err = %v, want ErrInflatedTooLarge", err)
	}
}

func TestDecodeAuthReply(t *testing.T) {
	res := newTestDecoder().DecodeStream(Encode(OpAuthReply, []byte(`{"code":-101}`), VersionPlainAlt))
	if res.AuthReply == nil || res.AuthReply.Code != -101 {
		t.Errorf("auth reply = %+v, want code -101", res.AuthReply)
	}
	if len(res.Events) != 0 {
		t.Errorf("events = %d, want 0", len(res.Events))
	}
}

func TestAuthFrameBody(t *testing.T) {
	frame, err := AuthFrame(21452505, "XYdevice", "tok")
	if err != nil {
		t.Fatalf("AuthFrame() error = %v", err)
	}
	f, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if f.Op != OpAuth {
		t.Errorf("op = %s, want auth", f.Op)
	}

	want := `{"buvid":"XYdevice","key":"tok","platform":"danmuji","protover":3,"roomid":21452505,"type":2,"uid":0}`
	if string(f.Body) != want {
		t.Errorf("body = %s\nwant   %s", f.Body, want)
	}

	var body AuthBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		t.Fatal(err)
	}
}
