package event

import (
	"bytes"
	"log/slog"
	"matrix-client/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_LatencyHandler_Warns_Above_Threshold(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sentAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	handler := NewLatencyHandler(log, time.Second)
	handler.now = func() time.Time { return sentAt.Add(3 * time.Second) }

	// When a late message is handled
	handler.Handle(NewRoomMessageReceived(domain.RoomMessage{RoomID: "!r:example.org", SentAt: sentAt}))

	// Then a warning is logged
	req.Contains(buf.String(), "high latency detected")
}

func Test_LatencyHandler_Ignores_Other_Kinds(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := NewLatencyHandler(log, time.Nanosecond)

	handler.Handle(NewSyncServiceStateChanged(domain.SyncRunning))

	req.Empty(buf.String())
}
