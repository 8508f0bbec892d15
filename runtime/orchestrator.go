// Package runtime wires the listeners, the inbox and the controller together.
// It orchestrates the event flow without containing business logic.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/errors"
	"matrix-client/observability"
	"matrix-client/runtime/inbox"
	"matrix-client/runtime/workers"
	"sync"
	"time"
)

type OrchestratorConfig struct {
	BufferSize           int
	MetricInterval       time.Duration
	LowCapacityThreshold int
}

type releaser interface {
	Release()
}

// Orchestrator brings synchronisation up in a fixed order so that no update
// produced by the first sync round can be missed by a listener.
type Orchestrator struct {
	mu         sync.Mutex
	log        *slog.Logger
	client     contract.ProtocolClient
	supervisor contract.ISupervisor
	registry   *Registry
	metrics    *observability.Metrics
	config     OrchestratorConfig

	controller *Controller
	releasers  []releaser
	cancel     context.CancelFunc
	started    bool
}

func NewOrchestrator(log *slog.Logger, client contract.ProtocolClient, supervisor contract.ISupervisor,
	registry *Registry, metrics *observability.Metrics, config OrchestratorConfig) *Orchestrator {
	if config.BufferSize <= 0 {
		config.BufferSize = inbox.DefaultCapacity
	}
	if config.MetricInterval <= 0 {
		config.MetricInterval = 5 * time.Second
	}
	return &Orchestrator{
		log:        log,
		client:     client,
		supervisor: supervisor,
		registry:   registry,
		metrics:    metrics,
		config:     config,
	}
}

// Start returns once the first sync round completed and every worker runs.
// Any failure before that point stops what was already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.ErrSyncAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	root, receiver := inbox.New(o.config.BufferSize)
	// Listeners own their senders until they returned.
	abort := func(err error) error {
		cancel()
		o.supervisor.Wait()
		root.Release()
		for _, r := range o.releasers {
			r.Release()
		}
		o.releasers = nil
		return err
	}

	// 1. Build the sync service
	syncService, err := o.client.SyncService(runCtx)
	if err != nil {
		return abort(fmt.Errorf("building sync service: %w", err))
	}

	// 2. Subscribe every stream before anything is synced
	senders := make([]*inbox.Sender, 6)
	for i := range senders {
		if senders[i], err = root.Clone(); err != nil {
			return abort(err)
		}
	}
	listeners := []interface {
		contract.Worker
		releaser
	}{
		workers.NewSyncServiceStateListener(o.log, syncService, senders[0]),
		workers.NewRoomListDiffListener(o.log, syncService, senders[1]),
		workers.NewVerificationStateListener(o.log, o.client, senders[2]),
		workers.NewVerificationRequestListener(o.log, o.client, senders[3]),
		workers.NewRoomMessageListener(o.log, o.client, senders[4]),
	}
	for _, l := range listeners {
		o.releasers = append(o.releasers, l)
		o.supervisor.Start(runCtx, l)
	}

	// 3. Start the sync service
	if err := syncService.Start(runCtx); err != nil {
		senders[5].Release()
		return abort(fmt.Errorf("starting sync service: %w", err))
	}

	// 4. One full round so that the initial state is known
	o.log.Info("Running initial sync")
	if err := syncService.SyncOnce(runCtx); err != nil {
		senders[5].Release()
		return abort(fmt.Errorf("initial sync: %w", err))
	}

	// 5. Long-lived sync, then the consumer side
	syncLoop := workers.NewSyncLoopWorker(o.log, syncService, senders[5])
	o.releasers = append(o.releasers, syncLoop)
	o.supervisor.Start(runCtx, syncLoop)

	o.controller = NewController(o.log, receiver, o.registry, o.metrics)
	o.supervisor.Start(runCtx, o.controller)
	o.supervisor.Start(runCtx, workers.NewChannelCapacityWorker(o.log, receiver, o.metrics,
		o.config.MetricInterval, o.config.LowCapacityThreshold))

	root.Release()
	o.cancel = cancel
	o.started = true
	o.log.Info("Sync orchestration started", "buffer_size", o.config.BufferSize)
	return nil
}

// Fatal yields the first fatal sync error. It is nil before Start succeeded.
func (o *Orchestrator) Fatal() <-chan error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.controller == nil {
		return nil
	}
	return o.controller.Fatal()
}

// Stop cancels every worker started by Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.Info("Requesting orchestrator shutdown")
	if o.cancel != nil {
		o.cancel()
	}
}

// Wait blocks until every worker returned, then drops any sender a worker
// stopped between restarts still held.
func (o *Orchestrator) Wait() {
	o.supervisor.Wait()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.releasers {
		r.Release()
	}
}
