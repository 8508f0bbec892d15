package runtime_test

import (
	"context"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain"
	"matrix-client/domain/event"
	"matrix-client/errors"
	"matrix-client/mocks"
	"matrix-client/runtime"
	"matrix-client/runtime/workers"
	"matrix-client/stream"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type feeds struct {
	states   *stream.Feed[domain.SyncServiceState]
	diffs    *stream.Feed[[]domain.RoomListDiff]
	verif    *stream.Feed[domain.VerificationState]
	requests *stream.Feed[domain.VerificationRequest]
	messages *stream.Feed[domain.RoomMessage]
}

func newFeeds() feeds {
	return feeds{
		states:   stream.NewFeed[domain.SyncServiceState](),
		diffs:    stream.NewFeed[[]domain.RoomListDiff](),
		verif:    stream.NewFeed[domain.VerificationState](),
		requests: stream.NewFeed[domain.VerificationRequest](),
		messages: stream.NewFeed[domain.RoomMessage](),
	}
}

// expectBootstrap records the collaborator calls Start must make, in order,
// up to and including the initial sync.
func expectBootstrap(client *mocks.MockProtocolClient, syncService *mocks.MockSyncService,
	f feeds, syncOnce func(ctx context.Context) error) {
	gomock.InOrder(
		client.EXPECT().SyncService(gomock.Any()).Return(syncService, nil),
		syncService.EXPECT().States().Return(f.states.Subscribe()),
		syncService.EXPECT().RoomListDiffs().Return(f.diffs.Subscribe()),
		client.EXPECT().VerificationStates().Return(f.verif.Subscribe()),
		client.EXPECT().VerificationRequests().Return(f.requests.Subscribe()),
		client.EXPECT().RoomMessages().Return(f.messages.Subscribe()),
		syncService.EXPECT().Start(gomock.Any()).Return(nil),
		syncService.EXPECT().SyncOnce(gomock.Any()).DoAndReturn(syncOnce),
	)
}

func collect(registry *runtime.Registry) <-chan event.Event {
	received := make(chan event.Event, 64)
	registry.SubscribeAll(event.HandlerFunc(func(e event.Event) { received <- e }))
	return received
}

func next(t *testing.T, received <-chan event.Event) event.Event {
	t.Helper()
	select {
	case e := <-received:
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no event received")
		return nil
	}
}

// panicCatcher starts workers through a real supervisor and records any
// panic before the supervisor would recover it.
type panicCatcher struct {
	*workers.Supervisor
	panics atomic.Int32
}

type catchingWorker struct {
	contract.Worker
	catcher *panicCatcher
}

func (w catchingWorker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.catcher.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Worker.Run(ctx)
}

func (p *panicCatcher) Start(ctx context.Context, worker contract.Worker) {
	p.Supervisor.Start(ctx, catchingWorker{Worker: worker, catcher: p})
}

func TestOrchestrator_Start(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	t.Run("should subscribe before syncing and deliver the initial round", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		syncService := mocks.NewMockSyncService(ctrl)
		f := newFeeds()
		registry := runtime.NewRegistry()
		received := collect(registry)

		// Given an initial sync that reports one joined room
		expectBootstrap(client, syncService, f, func(ctx context.Context) error {
			f.diffs.Publish([]domain.RoomListDiff{{Op: domain.DiffReset,
				Rooms: []domain.RoomSummary{{ID: "!a:example.org", Membership: domain.MembershipJoin}}}})
			return nil
		})
		syncService.EXPECT().Sync(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		o := runtime.NewOrchestrator(log, client, workers.NewSupervisor(log, 0), registry, nil,
			runtime.OrchestratorConfig{BufferSize: 8, MetricInterval: time.Hour})

		// When the orchestration starts
		req.NoError(o.Start(context.Background()))

		// Then the update produced by the first round is not lost
		diff := next(t, received).(event.RoomListDiff)
		req.Equal("!a:example.org", diff.Diffs[0].Rooms[0].ID)

		// And later updates flow too
		f.messages.Publish(domain.RoomMessage{Body: "hello"})
		req.Equal("hello", next(t, received).(event.RoomMessageReceived).Message.Body)

		o.Stop()
		o.Wait()
	})

	t.Run("should expose a sync failure as a fatal error", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		syncService := mocks.NewMockSyncService(ctrl)
		f := newFeeds()
		cause := fmt.Errorf("M_UNKNOWN_TOKEN")

		expectBootstrap(client, syncService, f, func(ctx context.Context) error { return nil })
		syncService.EXPECT().Sync(gomock.Any()).Return(cause).Times(1)

		o := runtime.NewOrchestrator(log, client, workers.NewSupervisor(log, 0), nil, nil,
			runtime.OrchestratorConfig{MetricInterval: time.Hour})
		req.NoError(o.Start(context.Background()))

		select {
		case err := <-o.Fatal():
			req.ErrorIs(err, cause)
		case <-time.After(2 * time.Second):
			req.FailNow("fatal sync error not reported")
		}
		o.Stop()
		o.Wait()
	})

	t.Run("should stop everything when the initial sync fails", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		syncService := mocks.NewMockSyncService(ctrl)
		f := newFeeds()
		cause := fmt.Errorf("homeserver unreachable")

		expectBootstrap(client, syncService, f, func(ctx context.Context) error { return cause })
		syncService.EXPECT().Sync(gomock.Any()).Times(0)

		o := runtime.NewOrchestrator(log, client, workers.NewSupervisor(log, 0), nil, nil,
			runtime.OrchestratorConfig{})
		err := o.Start(context.Background())

		req.ErrorIs(err, cause)
		req.Nil(o.Fatal())
		waited := make(chan struct{})
		go func() {
			o.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(2 * time.Second):
			req.FailNow("listeners kept running after a failed start")
		}
	})

	t.Run("should stop listeners cleanly when the initial sync fails mid burst", func(t *testing.T) {
		req := require.New(t)

		for i := 0; i < 50; i++ {
			ctrl := gomock.NewController(t)
			client := mocks.NewMockProtocolClient(ctrl)
			syncService := mocks.NewMockSyncService(ctrl)
			f := newFeeds()
			cause := fmt.Errorf("homeserver unreachable")

			// Given an initial sync that floods the listeners before failing
			expectBootstrap(client, syncService, f, func(ctx context.Context) error {
				for n := 0; n < 200; n++ {
					f.states.Publish(domain.SyncRunning)
					f.messages.Publish(domain.RoomMessage{Body: "burst"})
				}
				return cause
			})
			catcher := &panicCatcher{Supervisor: workers.NewSupervisor(log, 0)}
			o := runtime.NewOrchestrator(log, client, catcher, nil, nil,
				runtime.OrchestratorConfig{BufferSize: 1})

			// When the start aborts
			req.ErrorIs(o.Start(context.Background()), cause)
			o.Wait()

			// Then no listener ever sent on a closed inbox
			req.Zero(catcher.panics.Load())
		}
	})

	t.Run("should not subscribe when the sync service cannot be built", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		cause := fmt.Errorf("store locked")

		client.EXPECT().SyncService(gomock.Any()).Return(nil, cause)
		client.EXPECT().RoomMessages().Times(0)

		o := runtime.NewOrchestrator(log, client, workers.NewSupervisor(log, 0), nil, nil,
			runtime.OrchestratorConfig{})

		req.ErrorIs(o.Start(context.Background()), cause)
	})

	t.Run("should refuse a second start", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		client := mocks.NewMockProtocolClient(ctrl)
		syncService := mocks.NewMockSyncService(ctrl)
		f := newFeeds()

		expectBootstrap(client, syncService, f, func(ctx context.Context) error { return nil })
		syncService.EXPECT().Sync(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		o := runtime.NewOrchestrator(log, client, workers.NewSupervisor(log, 0), nil, nil,
			runtime.OrchestratorConfig{MetricInterval: time.Hour})
		req.NoError(o.Start(context.Background()))

		req.ErrorIs(o.Start(context.Background()), errors.ErrSyncAlreadyStarted)
		o.Stop()
		o.Wait()
	})
}
