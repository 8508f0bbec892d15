package domain

// SyncServiceState is the lifecycle state reported by the sync service.
type SyncServiceState string

const (
	SyncIdle       SyncServiceState = "idle"
	SyncRunning    SyncServiceState = "running"
	SyncOffline    SyncServiceState = "offline"
	SyncError      SyncServiceState = "error"
	SyncTerminated SyncServiceState = "terminated"
)
