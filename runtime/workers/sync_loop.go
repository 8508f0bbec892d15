package workers

import (
	"context"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain/event"
	"matrix-client/errors"
	"matrix-client/runtime/inbox"
)

const SyncLoopWorkerName contract.WorkerName = "sync_loop"

// SyncLoopWorker runs the long-lived sync. However it ends, other than by
// cancellation, it reports exactly one FatalSyncError and never restarts.
type SyncLoopWorker struct {
	log         *slog.Logger
	syncService contract.SyncService
	sender      *inbox.Sender
}

func NewSyncLoopWorker(log *slog.Logger, syncService contract.SyncService,
	sender *inbox.Sender) *SyncLoopWorker {
	return &SyncLoopWorker{
		log:         log.With("worker", SyncLoopWorkerName),
		syncService: syncService,
		sender:      sender,
	}
}

func (w *SyncLoopWorker) GetName() contract.WorkerName {
	return SyncLoopWorkerName
}

func (w *SyncLoopWorker) Run(ctx context.Context) error {
	defer w.sender.Release()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
			}
		}()
		return w.syncService.Sync(ctx)
	}()

	if ctx.Err() != nil {
		w.log.Info("Sync loop stopped")
		return nil
	}
	if err == nil {
		err = errors.ErrSyncStopped
	}

	w.log.Error("Sync loop terminated", "error", err)
	if sendErr := w.sender.Send(ctx, event.NewFatalSyncError(err)); sendErr != nil {
		w.log.Warn("Fatal sync error not delivered", "error", sendErr)
	}
	return nil
}

// Release drops the worker's sender. It is safe to call after Run released it.
func (w *SyncLoopWorker) Release() {
	w.sender.Release()
}
