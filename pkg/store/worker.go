package store

import "go.uber.org/zap"

// Worker drains a Queue into a Tier on its own goroutine. A failed upsert
// is logged and the record moved past — the tier is reached again on the
// next write to the same key, since every write is an idempotent upsert.
type Worker struct {
	queue  *Queue
	tier   Tier
	logger *zap.Logger
	done   chan struct{}
}

// NewWorker constructs a worker bound to queue and tier.
func NewWorker(queue *Queue, tier Tier, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, tier: tier, logger: logger, done: make(chan struct{})}
}

// Run drains the queue until it is closed and empty. Intended to run in
// its own goroutine.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		rec, ok := w.queue.Pop()
		if !ok {
			return
		}
		if err := w.tier.Upsert(rec); err != nil {
			w.logger.Error("store write failed",
				zap.String("table", string(rec.Table)),
				zap.String("key", rec.Key),
				zap.Error(err))
			continue
		}
	}
}

// Done is closed once Run returns (the queue was closed and fully drained).
func (w *Worker) Done() <-chan struct{} { return w.done }
