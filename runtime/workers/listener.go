package workers

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain"
	"matrix-client/domain/event"
	"matrix-client/errors"
	"matrix-client/runtime/inbox"
)

const (
	VerificationStateListenerName   contract.WorkerName = "verification_state_listener"
	VerificationRequestListenerName contract.WorkerName = "verification_request_listener"
	RoomMessageListenerName         contract.WorkerName = "room_message_listener"
	SyncServiceStateListenerName    contract.WorkerName = "sync_service_state_listener"
	RoomListDiffListenerName        contract.WorkerName = "room_list_diff_listener"
)

// Listener forwards every item of one subscription to the inbox as an event.
// It makes no decision on what it reads.
type Listener[T any] struct {
	log          *slog.Logger
	name         contract.WorkerName
	subscription contract.Subscription[T]
	sender       *inbox.Sender
	translate    func(T) event.Event
}

func NewListener[T any](log *slog.Logger, name contract.WorkerName,
	subscription contract.Subscription[T], sender *inbox.Sender,
	translate func(T) event.Event) *Listener[T] {
	return &Listener[T]{
		log:          log.With("worker", name),
		name:         name,
		subscription: subscription,
		sender:       sender,
		translate:    translate,
	}
}

func NewVerificationStateListener(log *slog.Logger, client contract.ProtocolClient,
	sender *inbox.Sender) *Listener[domain.VerificationState] {
	return NewListener(log, VerificationStateListenerName, client.VerificationStates(), sender,
		func(state domain.VerificationState) event.Event {
			return event.NewVerificationStateChanged(state)
		})
}

func NewVerificationRequestListener(log *slog.Logger, client contract.ProtocolClient,
	sender *inbox.Sender) *Listener[domain.VerificationRequest] {
	return NewListener(log, VerificationRequestListenerName, client.VerificationRequests(), sender,
		func(request domain.VerificationRequest) event.Event {
			return event.NewVerificationRequested(request)
		})
}

func NewRoomMessageListener(log *slog.Logger, client contract.ProtocolClient,
	sender *inbox.Sender) *Listener[domain.RoomMessage] {
	return NewListener(log, RoomMessageListenerName, client.RoomMessages(), sender,
		func(message domain.RoomMessage) event.Event {
			return event.NewRoomMessageReceived(message)
		})
}

func NewSyncServiceStateListener(log *slog.Logger, syncService contract.SyncService,
	sender *inbox.Sender) *Listener[domain.SyncServiceState] {
	return NewListener(log, SyncServiceStateListenerName, syncService.States(), sender,
		func(state domain.SyncServiceState) event.Event {
			return event.NewSyncServiceStateChanged(state)
		})
}

func NewRoomListDiffListener(log *slog.Logger, syncService contract.SyncService,
	sender *inbox.Sender) *Listener[[]domain.RoomListDiff] {
	return NewListener(log, RoomListDiffListenerName, syncService.RoomListDiffs(), sender,
		func(diffs []domain.RoomListDiff) event.Event {
			return event.NewRoomListDiff(diffs)
		})
}

func (l *Listener[T]) GetName() contract.WorkerName {
	return l.name
}

// Run returns nil once the stream ended, the consumer closed the inbox or ctx
// is done; the sender is released in those cases only. Any other
// subscription error is returned so the supervisor restarts the listener.
func (l *Listener[T]) Run(ctx context.Context) error {
	for {
		item, err := l.subscription.Next(ctx)
		if err != nil {
			if goerrors.Is(err, errors.ErrStreamClosed) {
				l.log.Info("Subscription ended")
				l.sender.Release()
				return nil
			}
			if ctx.Err() != nil {
				l.sender.Release()
				return nil
			}
			return fmt.Errorf("%s: %w", l.name, err)
		}

		if err := l.sender.Send(ctx, l.translate(item)); err != nil {
			switch {
			case goerrors.Is(err, errors.ErrInboxClosed):
				l.log.Info("Inbox closed by consumer")
			case goerrors.Is(err, errors.ErrSenderReleased):
				l.log.Warn("Listener ran with a released sender")
			}
			l.sender.Release()
			return nil
		}
	}
}

// Release drops the listener's sender. It is safe to call after Run released it.
func (l *Listener[T]) Release() {
	l.sender.Release()
}
