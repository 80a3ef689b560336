package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docflow-ai/docflow/internal/queue/streams"
)

// Pool runs a fixed number of coordinators against the shared claim queue.
// Workers poll on an interval and are additionally woken by ingestion events
// on the Redis stream. The stream is best-effort only: a dropped event just
// means the document waits for the next poll.
type Pool struct {
	logger       *log.Logger
	coordinator  *Coordinator
	consumer     *streams.Consumer
	size         int
	pollInterval time.Duration

	wake chan struct{}
}

// NewPool constructs the pool. consumer may be nil to run on polling alone.
func NewPool(logger *log.Logger, coordinator *Coordinator, consumer *streams.Consumer, size int, pollInterval time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Pool{
		logger:       logger,
		coordinator:  coordinator,
		consumer:     consumer,
		size:         size,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Start blocks until the context is cancelled, running size workers plus the
// stream listener.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Printf("worker pool starting: %d workers, poll every %s", p.size, p.pollInterval)

	g, ctx := errgroup.WithContext(ctx)
	if p.consumer != nil {
		g.Go(func() error { return p.listen(ctx) })
	}
	for i := 0; i < p.size; i++ {
		g.Go(func() error { return p.workLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) workLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Drain the queue before going back to sleep.
		for {
			processed, err := p.coordinator.ProcessNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Printf("error processing document: %v", err)
				break
			}
			if !processed {
				break
			}
		}
		timer.Reset(p.pollInterval)
	}
}

// listen consumes ingestion events and nudges idle workers. Events are acked
// unconditionally; correctness never depends on delivery.
func (p *Pool) listen(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := p.consumer.Read(ctx, streams.DocumentStream, 16, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if err := p.consumer.Ack(ctx, streams.DocumentStream, ids...); err != nil {
			p.logger.Printf("warn: failed to ack messages: %v", err)
		}
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}
