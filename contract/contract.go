//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"matrix-client/domain"
	"reflect"
)

type ISupervisor interface {
	Start(ctx context.Context, worker Worker)
	Wait()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// Workers implementing Named are reported under their own name.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	if named, ok := w.(Named); ok {
		return string(named.GetName())
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Named lets generic workers tell the supervisor what they are.
type Named interface {
	GetName() WorkerName
}

// Subscription is one reader's view of an indefinite stream owned by the
// protocol client. Next blocks until an item arrives; it returns
// errors.ErrStreamClosed once the stream has ended.
type Subscription[T any] interface {
	Next(ctx context.Context) (T, error)
}

// ProtocolClient is the live connection to the homeserver. Exactly one exists
// per process and every goroutine shares it; the implementation synchronises
// its own state.
type ProtocolClient interface {
	Login(ctx context.Context, username, password, deviceName string) error
	CurrentSession() (domain.Session, bool)
	RestoreSession(ctx context.Context, record domain.SessionRecord) error
	VerificationStates() Subscription[domain.VerificationState]
	VerificationRequests() Subscription[domain.VerificationRequest]
	RoomMessages() Subscription[domain.RoomMessage]
	SyncService(ctx context.Context) (SyncService, error)
}

// SyncService drives synchronisation for an authenticated ProtocolClient.
type SyncService interface {
	States() Subscription[domain.SyncServiceState]
	// RoomListDiffs only reports rooms the user has not left.
	RoomListDiffs() Subscription[[]domain.RoomListDiff]
	Start(ctx context.Context) error
	// SyncOnce performs a single full sync round and returns when its
	// results have been published.
	SyncOnce(ctx context.Context) error
	// Sync runs until ctx is done or synchronisation fails for good.
	Sync(ctx context.Context) error
}

// ClientBuilder opens a ProtocolClient bound to a homeserver and a local store.
type ClientBuilder func(serverURL, storePath string) (ProtocolClient, error)
