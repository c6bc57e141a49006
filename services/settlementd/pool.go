package settlementd

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"zkpayroll/observability"
	"zkpayroll/services/settlementd/queue"
)

// WorkerPool runs a bounded set of workers pulling distinct intents off the
// queue. Per-stream serialization is enforced by the ledger engine, so
// workers never coordinate with each other.
type WorkerPool struct {
	queue     queue.Queue
	processor *Processor
	workers   int
	logger    *slog.Logger
	metrics   *observability.SettlementMetrics

	wg sync.WaitGroup
}

// NewWorkerPool constructs a pool of the given size (minimum one worker).
func NewWorkerPool(q queue.Queue, processor *Processor, workers int, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:     q,
		processor: processor,
		workers:   workers,
		logger:    logger,
		metrics:   observability.Settlement(),
	}
}

// Start launches the workers. They stop when the context is cancelled or the
// queue channel closes.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case intent, ok := <-p.queue.Consume():
			if !ok {
				return
			}
			p.metrics.QueueDepth(p.queue.Len())
			if _, err := p.processor.Process(ctx, intent); err != nil {
				if errors.Is(err, ErrStaleIntent) || errors.Is(err, ErrPayoutFailed) {
					// Terminal outcomes already logged and counted
					// by the processor.
					continue
				}
				p.logger.Error("intent processing error",
					"worker", worker, "intentKey", intent.IdempotencyKey, "err", err)
			}
		}
	}
}
