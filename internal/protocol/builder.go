package protocol

import (
	"encoding/json"
	"fmt"
)

// HeartbeatBody is the literal body the web client sends with heartbeats.
const HeartbeatBody = "[object Object]"

const (
	authPlatform = "danmuji"
	authProtover = 3
	authType     = 2
)

// AuthBody is the JSON body of an Auth frame. Field order matches what the
// relay expects to see.
type AuthBody struct {
	Buvid    string `json:"buvid"`
	Key      string `json:"key"`
	Platform string `json:"platform"`
	Protover int    `json:"protover"`
	RoomID   int64  `json:"roomid"`
	Type     int    `json:"type"`
	UID      int64  `json:"uid"`
}

// NewAuthBody builds the anonymous auth body for a room.
func NewAuthBody(roomID int64, deviceID, token string) AuthBody {
	return AuthBody{
		Buvid:    deviceID,
		Key:      token,
		Platform: authPlatform,
		Protover: authProtover,
		RoomID:   roomID,
		Type:     authType,
	}
}

// AuthFrame encodes the auth frame for a room.
func AuthFrame(roomID int64, deviceID, token string) ([]byte, error) {
	body, err := json.Marshal(NewAuthBody(roomID, deviceID, token))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth body: %w", err)
	}
	return EncodeFrame(OpAuth, body), nil
}

// HeartbeatFrame encodes a heartbeat frame.
func HeartbeatFrame() []byte {
	return EncodeFrame(OpHeartbeat, []byte(HeartbeatBody))
}
