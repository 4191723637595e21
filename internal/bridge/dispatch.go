package bridge

import (
	"context"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/stratumbridge/internal/messaging"
	"github.com/bardlex/stratumbridge/pkg/log"
)

// Sink receives bridge events. KafkaPublisher and database.Manager are
// sinks.
type Sink interface {
	Publish(ctx context.Context, ev messaging.Event) error
}

const sinkTimeout = 5 * time.Second

// dispatcher delivers events to the sinks off the hot path. The queue is
// bounded; events that do not fit are counted and dropped.
type dispatcher struct {
	sinks   []Sink
	queue   chan messaging.Event
	workers int
	logger  *log.Logger
	dropped func()
}

func newDispatcher(sinks []Sink, queueSize, workers int, logger *log.Logger, dropped func()) *dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &dispatcher{
		sinks:   sinks,
		queue:   make(chan messaging.Event, queueSize),
		workers: workers,
		logger:  logger.WithComponent("dispatch"),
		dropped: dropped,
	}
}

// emit queues ev without blocking.
func (d *dispatcher) emit(ev messaging.Event) {
	if len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		if d.dropped != nil {
			d.dropped()
		}
		d.logger.Debug("event queue full, dropping event", "topic", ev.Topic())
	}
}

// run delivers queued events until ctx ends, then flushes what is left.
func (d *dispatcher) run(ctx context.Context) error {
	swg := sizedwaitgroup.New(d.workers)
	defer swg.Wait()

	// in-flight deliveries outlive ctx; each is bounded by sinkTimeout
	dctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			d.flush(dctx, &swg)
			return nil
		case ev := <-d.queue:
			swg.Add()
			go func() {
				defer swg.Done()
				d.deliver(dctx, ev)
			}()
		}
	}
}

func (d *dispatcher) flush(ctx context.Context, swg *sizedwaitgroup.SizedWaitGroup) {
	for {
		select {
		case ev := <-d.queue:
			swg.Add()
			go func() {
				defer swg.Done()
				d.deliver(ctx, ev)
			}()
		default:
			return
		}
	}
}

func (d *dispatcher) deliver(ctx context.Context, ev messaging.Event) {
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := sink.Publish(sctx, ev)
		cancel()
		if err != nil {
			d.logger.WithError(err).Warn("failed to publish event", "topic", ev.Topic(), "key", ev.Key())
		}
	}
}
