package matrix

import (
	"encoding/json"
	"time"
)

type userIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type                     string         `json:"type"`
	Identifier               userIdentifier `json:"identifier"`
	Password                 string         `json:"password"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

type authResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	DeviceID     string `json:"device_id"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type whoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

type syncResponse struct {
	NextBatch string          `json:"next_batch"`
	Rooms     roomsSection    `json:"rooms"`
	ToDevice  toDeviceSection `json:"to_device"`
}

type toDeviceSection struct {
	Events []rawEvent `json:"events"`
}

type roomsSection struct {
	Join   map[string]joinedRoom  `json:"join,omitempty"`
	Invite map[string]invitedRoom `json:"invite,omitempty"`
	Leave  map[string]leftRoom    `json:"leave,omitempty"`
}

type joinedRoom struct {
	Timeline timelineSection `json:"timeline"`
	State    stateSection    `json:"state"`
}

type invitedRoom struct {
	InviteState stateSection `json:"invite_state"`
}

type leftRoom struct {
	Timeline timelineSection `json:"timeline"`
}

type timelineSection struct {
	Events    []rawEvent `json:"events"`
	PrevBatch string     `json:"prev_batch"`
	Limited   bool       `json:"limited"`
}

type stateSection struct {
	Events []rawEvent `json:"events"`
}

// rawEvent is a client event as served by /sync. Content is decoded lazily
// by type.
type rawEvent struct {
	EventID        string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
}

func (e rawEvent) sentAt(fallback time.Time) time.Time {
	if e.OriginServerTS == 0 {
		return fallback
	}
	return time.UnixMilli(e.OriginServerTS).UTC()
}

const (
	eventRoomMessage         = "m.room.message"
	eventRoomName            = "m.room.name"
	eventVerificationRequest = "m.key.verification.request"
	eventVerificationDone    = "m.key.verification.done"
)

type messageContent struct {
	MsgType    string   `json:"msgtype"`
	Body       string   `json:"body"`
	FromDevice string   `json:"from_device,omitempty"`
	Methods    []string `json:"methods,omitempty"`
}

type roomNameContent struct {
	Name string `json:"name"`
}

type verificationRequestContent struct {
	TransactionID string   `json:"transaction_id"`
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp,omitempty"`
}
