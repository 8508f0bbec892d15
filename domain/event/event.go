package event

import (
	"matrix-client/domain"
	"slices"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	VerificationStateChangedKind Kind = "VERIFICATION_STATE_CHANGED"
	VerificationRequestedKind    Kind = "VERIFICATION_REQUESTED"
	RoomMessageReceivedKind      Kind = "ROOM_MESSAGE_RECEIVED"
	SyncServiceStateChangedKind  Kind = "SYNC_SERVICE_STATE_CHANGED"
	RoomListDiffKind             Kind = "ROOM_LIST_DIFF"
	FatalSyncErrorKind           Kind = "FATAL_SYNC_ERROR"
)

// Kinds lists every member of the Event union.
var Kinds = []Kind{
	VerificationStateChangedKind,
	VerificationRequestedKind,
	RoomMessageReceivedKind,
	SyncServiceStateChangedKind,
	RoomListDiffKind,
	FatalSyncErrorKind,
}

// Event is the closed set of internal events flowing from listeners to the
// controller. Only types embedding Header can satisfy it.
type Event interface {
	Kind() Kind
	EventID() uuid.UUID
	sealed()
}

// Header identifies an event and records when a listener translated it.
type Header struct {
	ID uuid.UUID
	At time.Time
}

func NewHeader() Header {
	return Header{ID: uuid.New(), At: time.Now().UTC()}
}

func (h Header) EventID() uuid.UUID { return h.ID }

func (Header) sealed() {}

type VerificationStateChanged struct {
	Header
	State domain.VerificationState
}

func (VerificationStateChanged) Kind() Kind { return VerificationStateChangedKind }

type VerificationRequested struct {
	Header
	Request domain.VerificationRequest
}

func (VerificationRequested) Kind() Kind { return VerificationRequestedKind }

type RoomMessageReceived struct {
	Header
	Message domain.RoomMessage
}

func (RoomMessageReceived) Kind() Kind { return RoomMessageReceivedKind }

type SyncServiceStateChanged struct {
	Header
	State domain.SyncServiceState
}

func (SyncServiceStateChanged) Kind() Kind { return SyncServiceStateChangedKind }

type RoomListDiff struct {
	Header
	Diffs []domain.RoomListDiff
}

func (RoomListDiff) Kind() Kind { return RoomListDiffKind }

// FatalSyncError means the background sync loop has stopped for good.
type FatalSyncError struct {
	Header
	Err error
}

func (FatalSyncError) Kind() Kind { return FatalSyncErrorKind }

func NewVerificationStateChanged(state domain.VerificationState) VerificationStateChanged {
	return VerificationStateChanged{Header: NewHeader(), State: state}
}

func NewVerificationRequested(request domain.VerificationRequest) VerificationRequested {
	request.Methods = slices.Clone(request.Methods)
	return VerificationRequested{Header: NewHeader(), Request: request}
}

func NewRoomMessageReceived(message domain.RoomMessage) RoomMessageReceived {
	return RoomMessageReceived{Header: NewHeader(), Message: message}
}

func NewSyncServiceStateChanged(state domain.SyncServiceState) SyncServiceStateChanged {
	return SyncServiceStateChanged{Header: NewHeader(), State: state}
}

// NewRoomListDiff deep-copies diffs so the event never aliases the
// producer's buffers.
func NewRoomListDiff(diffs []domain.RoomListDiff) RoomListDiff {
	owned := make([]domain.RoomListDiff, len(diffs))
	for i, diff := range diffs {
		diff.Rooms = slices.Clone(diff.Rooms)
		owned[i] = diff
	}
	return RoomListDiff{Header: NewHeader(), Diffs: owned}
}

func NewFatalSyncError(err error) FatalSyncError {
	return FatalSyncError{Header: NewHeader(), Err: err}
}
