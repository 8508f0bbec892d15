package event

import (
	"log/slog"
	"time"
)

// LatencyHandler reports how long a room message took between the origin
// server timestamp and its handling by the controller.
type LatencyHandler struct {
	log              *slog.Logger
	latencyThreshold time.Duration
	now              func() time.Time
}

func NewLatencyHandler(log *slog.Logger, latencyThreshold time.Duration) *LatencyHandler {
	return &LatencyHandler{log: log, latencyThreshold: latencyThreshold, now: time.Now}
}

func (h *LatencyHandler) Handle(e Event) {
	evt, ok := e.(RoomMessageReceived)
	if !ok || evt.Message.SentAt.IsZero() {
		return
	}
	leadTime := h.now().Sub(evt.Message.SentAt)

	h.log.Debug("telemetry: delivery latency",
		"room_id", evt.Message.RoomID,
		"sender", evt.Message.Sender,
		"lead_time_ms", leadTime.Milliseconds(),
	)

	if h.latencyThreshold > 0 && leadTime > h.latencyThreshold {
		h.log.Warn("high latency detected", "room_id", evt.Message.RoomID, "lead_time", leadTime)
	}
}
