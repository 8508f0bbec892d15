package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"matrix-client/contract"
	"matrix-client/domain/event"
	"matrix-client/observability"
	"matrix-client/runtime/inbox"
)

const ControllerName contract.WorkerName = "controller"

// Controller is the single consumer of the inbox. It handles events one at a
// time, in the order they were queued.
type Controller struct {
	log      *slog.Logger
	receiver *inbox.Receiver
	registry *Registry
	metrics  *observability.Metrics
	fatal    chan error
}

func NewController(log *slog.Logger, receiver *inbox.Receiver, registry *Registry,
	metrics *observability.Metrics) *Controller {
	if registry == nil {
		registry = NewLoggingRegistry(event.NewLogHandler(log))
	}
	return &Controller{
		log:      log.With("worker", ControllerName),
		receiver: receiver,
		registry: registry,
		metrics:  metrics,
		fatal:    make(chan error, 1),
	}
}

func (c *Controller) GetName() contract.WorkerName {
	return ControllerName
}

// Fatal receives the first sync failure reported to the controller. Deciding
// what to do with it is left to the caller.
func (c *Controller) Fatal() <-chan error {
	return c.fatal
}

// Run returns once every sender is released and the inbox is drained, or ctx
// is done. Closing the consumer side on exit stops the remaining producers.
func (c *Controller) Run(ctx context.Context) error {
	defer c.receiver.Close()

	for {
		evt, ok := c.receiver.Recv(ctx)
		if !ok {
			c.log.Info("Inbox drained, controller stopping")
			return nil
		}
		c.metrics.RecordEvent(string(evt.Kind()))

		if fatal, isFatal := evt.(event.FatalSyncError); isFatal {
			c.log.Error("Sync stopped for good", "error", fatal.Err)
			c.metrics.RecordFatalSync()
			select {
			case c.fatal <- fatal.Err:
			default:
			}
		}
		c.dispatch(evt)
	}
}

func (c *Controller) dispatch(evt event.Event) {
	for _, handler := range c.registry.HandlersFor(evt.Kind()) {
		c.handle(handler, evt)
	}
}

func (c *Controller) handle(handler event.Handler, evt event.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked", "kind", evt.Kind(), "event_id", evt.EventID(),
				"panic", fmt.Sprint(r))
		}
	}()
	handler.Handle(evt)
}
