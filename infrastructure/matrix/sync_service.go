package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain"
	"matrix-client/errors"
	"matrix-client/stream"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// maxSyncRetries is the number of consecutive failed rounds tolerated
	// before Sync gives up.
	maxSyncRetries = 5
	// longPollTimeout is how long, in milliseconds, the server may hold a
	// /sync request open waiting for new events.
	longPollTimeout = 30000
	// retryTimeout is the long-poll hold used right after a failure.
	retryTimeout = 1000
)

// SyncService pulls /sync rounds and turns them into the client's streams.
// Its room list only holds rooms the user has not left.
type SyncService struct {
	client     *Client
	store      *Store
	userID     string
	log        *slog.Logger
	retryDelay time.Duration

	states *stream.Feed[domain.SyncServiceState]
	diffs  *stream.Feed[[]domain.RoomListDiff]

	mu      sync.Mutex
	state   domain.SyncServiceState
	started bool

	// round serialises sync rounds and guards nextBatch and rooms.
	round     sync.Mutex
	nextBatch string
	rooms     []domain.RoomSummary
}

func newSyncService(client *Client, store *Store, userID string, log *slog.Logger) *SyncService {
	return &SyncService{
		client:     client,
		store:      store,
		userID:     userID,
		log:        log.With("component", "sync_service"),
		retryDelay: time.Second,
		states:     stream.NewFeed[domain.SyncServiceState](),
		diffs:      stream.NewFeed[[]domain.RoomListDiff](),
		state:      domain.SyncIdle,
	}
}

func (s *SyncService) States() contract.Subscription[domain.SyncServiceState] {
	return s.states.Subscribe()
}

func (s *SyncService) RoomListDiffs() contract.Subscription[[]domain.RoomListDiff] {
	return s.diffs.Subscribe()
}

// Start resumes from the stored sync position, if any, and announces the
// current state of every stream to the subscribers registered so far.
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.ErrSyncAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	stored, err := s.store.LoadSyncState(s.userID)
	if err != nil {
		s.log.Warn("Stored sync state unusable, starting from scratch", "error", err)
		stored = SyncState{}
	}

	s.round.Lock()
	s.nextBatch = stored.NextBatch
	s.rooms = stored.Rooms
	if len(s.rooms) > 0 {
		s.diffs.Publish([]domain.RoomListDiff{{Op: domain.DiffReset, Rooms: slices.Clone(s.rooms)}})
	}
	s.round.Unlock()

	s.setState(domain.SyncRunning)
	s.client.announceVerification()
	s.log.Info("Sync service started", "resumed", stored.NextBatch != "", "rooms", len(stored.Rooms))
	return nil
}

// SyncOnce runs one round without waiting for new events.
func (s *SyncService) SyncOnce(ctx context.Context) error {
	if !s.isStarted() {
		return errors.ErrSyncNotStarted
	}
	return s.runRound(ctx, 0)
}

// Sync long-polls until ctx is done or maxSyncRetries rounds in a row failed.
// An unknown token ends it at once. A rate-limited round waits as long as the
// homeserver asked before retrying.
func (s *SyncService) Sync(ctx context.Context) error {
	if !s.isStarted() {
		return errors.ErrSyncNotStarted
	}

	retries := 0
	for {
		timeout := longPollTimeout
		if retries > 0 {
			timeout = retryTimeout
		}
		err := s.runRound(ctx, timeout)
		if ctx.Err() != nil {
			s.setState(domain.SyncTerminated)
			return ctx.Err()
		}
		if err == nil {
			retries = 0
			s.setState(domain.SyncRunning)
			continue
		}

		if IsMatrixError(err, ErrCodeUnknownToken) {
			s.setState(domain.SyncError)
			return err
		}
		retries++
		s.client.CloseIdleConnections()
		if retries >= maxSyncRetries {
			s.setState(domain.SyncError)
			return fmt.Errorf("sync failed %d consecutive times: %w", retries, err)
		}
		s.setState(domain.SyncOffline)
		delay := s.retryDelay
		if wait, ok := retryAfter(err); ok {
			delay = wait
		}
		s.log.Debug("Sync error, retrying", "attempt", retries, "max_attempts", maxSyncRetries,
			"delay", delay, "error", err)

		select {
		case <-ctx.Done():
			s.setState(domain.SyncTerminated)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *SyncService) State() domain.SyncServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SyncService) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SyncService) setState(state domain.SyncServiceState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.states.Publish(state)
	}
}

func (s *SyncService) close() {
	s.states.Close()
	s.diffs.Close()
}

func (s *SyncService) runRound(ctx context.Context, timeout int) error {
	s.round.Lock()
	defer s.round.Unlock()

	response, err := s.client.sync(ctx, s.nextBatch, timeout)
	if err != nil {
		return err
	}

	initial := s.nextBatch == "" && len(s.rooms) == 0
	s.applyToDevice(response.ToDevice.Events)
	diffs := s.applyRooms(response.Rooms, initial)
	if len(diffs) > 0 {
		s.diffs.Publish(diffs)
	}

	s.nextBatch = response.NextBatch
	if err := s.store.SaveSyncState(s.userID, SyncState{NextBatch: s.nextBatch, Rooms: s.rooms}); err != nil {
		s.log.Warn("Sync position not saved", "error", err)
	}
	return nil
}

func (s *SyncService) applyToDevice(events []rawEvent) {
	now := s.client.now()
	for _, evt := range events {
		switch evt.Type {
		case eventVerificationRequest:
			var content verificationRequestContent
			if err := json.Unmarshal(evt.Content, &content); err != nil {
				s.log.Debug("Malformed verification request", "sender", evt.Sender, "error", err)
				continue
			}
			receivedAt := now
			if content.Timestamp > 0 {
				receivedAt = time.UnixMilli(content.Timestamp).UTC()
			}
			s.client.verificationRequests.Publish(domain.VerificationRequest{
				TransactionID: content.TransactionID,
				FromUser:      evt.Sender,
				FromDevice:    content.FromDevice,
				Methods:       content.Methods,
				ReceivedAt:    receivedAt,
			})
		case eventVerificationDone:
			if evt.Sender == s.userID {
				s.client.setVerification(domain.VerificationVerified)
			}
		}
	}
}

// applyRooms folds one round into the room list and returns the diffs that
// take a subscriber's copy of the list to the new one.
func (s *SyncService) applyRooms(rooms roomsSection, initial bool) []domain.RoomListDiff {
	now := s.client.now()
	var diffs []domain.RoomListDiff
	upsert := func(room domain.RoomSummary) {
		_, index, found := lo.FindIndexOf(s.rooms, func(r domain.RoomSummary) bool { return r.ID == room.ID })
		switch {
		case !found:
			s.rooms = append(s.rooms, room)
			diffs = append(diffs, domain.RoomListDiff{Op: domain.DiffPushBack, Room: room})
		case s.rooms[index] != room:
			s.rooms[index] = room
			diffs = append(diffs, domain.RoomListDiff{Op: domain.DiffSet, Index: index, Room: room})
		}
	}

	for _, roomID := range sortedKeys(rooms.Join) {
		joined := rooms.Join[roomID]
		current := s.summary(roomID)
		current.Membership = domain.MembershipJoin
		for _, evt := range slices.Concat(joined.State.Events, joined.Timeline.Events) {
			if name, ok := roomName(evt); ok {
				current.Name = name
			}
		}
		upsert(current)
		for _, evt := range joined.Timeline.Events {
			s.applyTimelineEvent(roomID, evt, now)
		}
	}

	for _, roomID := range sortedKeys(rooms.Invite) {
		current := s.summary(roomID)
		current.Membership = domain.MembershipInvite
		for _, evt := range rooms.Invite[roomID].InviteState.Events {
			if name, ok := roomName(evt); ok {
				current.Name = name
			}
		}
		upsert(current)
	}

	for _, roomID := range sortedKeys(rooms.Leave) {
		_, index, found := lo.FindIndexOf(s.rooms, func(r domain.RoomSummary) bool { return r.ID == roomID })
		if !found {
			continue
		}
		s.rooms = slices.Delete(s.rooms, index, index+1)
		diffs = append(diffs, domain.RoomListDiff{Op: domain.DiffRemove, Index: index})
	}

	if initial && len(s.rooms) > 0 {
		return []domain.RoomListDiff{{Op: domain.DiffReset, Rooms: slices.Clone(s.rooms)}}
	}
	return diffs
}

func (s *SyncService) applyTimelineEvent(roomID string, evt rawEvent, now time.Time) {
	switch evt.Type {
	case eventRoomMessage:
		var content messageContent
		if err := json.Unmarshal(evt.Content, &content); err != nil {
			s.log.Debug("Malformed room message", "room_id", roomID, "event_id", evt.EventID, "error", err)
			return
		}
		if content.MsgType == eventVerificationRequest {
			s.client.verificationRequests.Publish(domain.VerificationRequest{
				TransactionID: evt.EventID,
				FromUser:      evt.Sender,
				FromDevice:    content.FromDevice,
				RoomID:        roomID,
				Methods:       content.Methods,
				ReceivedAt:    evt.sentAt(now),
			})
			return
		}
		s.client.roomMessages.Publish(domain.RoomMessage{
			EventID: evt.EventID,
			RoomID:  roomID,
			Sender:  evt.Sender,
			MsgType: content.MsgType,
			Body:    content.Body,
			SentAt:  evt.sentAt(now),
		})
	case eventVerificationDone:
		if evt.Sender == s.userID {
			s.client.setVerification(domain.VerificationVerified)
		}
	}
}

func (s *SyncService) summary(roomID string) domain.RoomSummary {
	room, found := lo.Find(s.rooms, func(r domain.RoomSummary) bool { return r.ID == roomID })
	if !found {
		return domain.RoomSummary{ID: roomID}
	}
	return room
}

func roomName(evt rawEvent) (string, bool) {
	if evt.Type != eventRoomName {
		return "", false
	}
	var content roomNameContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return "", false
	}
	return content.Name, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
