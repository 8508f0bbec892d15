package errors

import "fmt"

var (
	ErrWorkerPanic   = fmt.Errorf("worker panic")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Session establishment
	ErrSessionNotFound        = fmt.Errorf("no persisted session")
	ErrSessionCorrupt         = fmt.Errorf("persisted session is unreadable")
	ErrRestoreRejected        = fmt.Errorf("restored session rejected by homeserver")
	ErrLoginFailed            = fmt.Errorf("login failed")
	ErrNoSession              = fmt.Errorf("client has no active session")
	ErrUnsupportedSessionKind = fmt.Errorf("unsupported session kind")
	ErrSessionNotPersisted    = fmt.Errorf("session could not be persisted")
	ErrAlreadyEstablished     = fmt.Errorf("session already established for this process")
	ErrNotAuthenticated       = fmt.Errorf("client is not authenticated")

	// Event plumbing
	ErrInboxClosed    = fmt.Errorf("event inbox closed by consumer")
	ErrSenderReleased = fmt.Errorf("event sender already released")
	ErrStreamClosed   = fmt.Errorf("subscription stream closed")

	// Sync service
	ErrSyncStopped        = fmt.Errorf("background sync stopped")
	ErrSyncAlreadyStarted = fmt.Errorf("sync service already started")
	ErrSyncNotStarted     = fmt.Errorf("sync service not started")

	// Homeserver transport
	ErrResponseTooLarge = fmt.Errorf("homeserver response too large")
)
