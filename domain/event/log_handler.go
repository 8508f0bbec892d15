package event

import (
	"log/slog"
)

// LogHandler writes every event it receives to the log.
// It is the default handler for each kind until business logic is attached.
type LogHandler struct {
	log *slog.Logger
}

func NewLogHandler(log *slog.Logger) *LogHandler {
	return &LogHandler{log: log}
}

func (h *LogHandler) Handle(e Event) {
	switch evt := e.(type) {
	case VerificationStateChanged:
		h.log.Info("Verification state changed", "state", evt.State)
	case VerificationRequested:
		h.log.Info("Verification requested",
			"transaction_id", evt.Request.TransactionID,
			"from_user", evt.Request.FromUser,
			"from_device", evt.Request.FromDevice)
	case RoomMessageReceived:
		h.log.Info("Room message received",
			"room_id", evt.Message.RoomID,
			"sender", evt.Message.Sender,
			"event_id", evt.Message.EventID)
	case SyncServiceStateChanged:
		h.log.Info("Sync service state changed", "state", evt.State)
	case RoomListDiff:
		h.log.Info("Room list changed", "diffs", len(evt.Diffs))
	case FatalSyncError:
		h.log.Debug("Fatal sync error dispatched", "event_id", evt.EventID())
	default:
		h.log.Warn("Unknown event", "kind", e.Kind())
	}
}
