package workers

import (
	"context"
	"log/slog"
	"matrix-client/contract"
	"time"
)

const ChannelCapacityWorkerName contract.WorkerName = "inbox_capacity"

// Queue is the read-only view of a bounded queue the capacity worker samples.
type Queue interface {
	Len() int
	Cap() int
	Closed() <-chan struct{}
}

type InboxObserver interface {
	ObserveInbox(length, capacity int)
}

// ChannelCapacityWorker periodically reports the inbox length and capacity.
// Reading them is non-blocking, so sampling never slows down producers.
// It warns when no more than lowThreshold slots are left.
type ChannelCapacityWorker struct {
	log            *slog.Logger
	queue          Queue
	observer       InboxObserver
	metricInterval time.Duration
	lowThreshold   int
}

func NewChannelCapacityWorker(log *slog.Logger, queue Queue, observer InboxObserver,
	metricInterval time.Duration, lowThreshold int) *ChannelCapacityWorker {
	return &ChannelCapacityWorker{
		log:            log.With("worker", ChannelCapacityWorkerName),
		queue:          queue,
		observer:       observer,
		metricInterval: metricInterval,
		lowThreshold:   lowThreshold,
	}
}

func (w *ChannelCapacityWorker) GetName() contract.WorkerName {
	return ChannelCapacityWorkerName
}

func (w *ChannelCapacityWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.queue.Closed():
			w.log.Debug("Inbox closed, stopping capacity sampling")
			return nil
		case <-ticker.C:
			length, capacity := w.queue.Len(), w.queue.Cap()
			w.observer.ObserveInbox(length, capacity)
			if capacity > 0 && capacity-length <= w.lowThreshold {
				w.log.Warn("Inbox almost full", "length", length, "capacity", capacity)
			}
		}
	}
}
