package domain

import "time"

type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
)

// RoomSummary is the view of a room kept in the visible room list.
type RoomSummary struct {
	ID         string     `cbor:"1,keyasint"`
	Name       string     `cbor:"2,keyasint,omitempty"`
	Membership Membership `cbor:"3,keyasint"`
}

// DiffOp is the kind of change applied to the visible room list.
type DiffOp string

const (
	DiffReset    DiffOp = "reset"
	DiffPushBack DiffOp = "push_back"
	DiffSet      DiffOp = "set"
	DiffRemove   DiffOp = "remove"
)

// RoomListDiff is one incremental change to the ordered, non-left room list.
// Index is meaningful for Set and Remove, Rooms for Reset, Room for PushBack and Set.
type RoomListDiff struct {
	Op    DiffOp
	Index int
	Room  RoomSummary
	Rooms []RoomSummary
}

// RoomMessage is a m.room.message timeline event.
type RoomMessage struct {
	EventID string
	RoomID  string
	Sender  string
	MsgType string
	Body    string
	SentAt  time.Time
}
