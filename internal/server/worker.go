package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"autoforge/internal/model"
)

type outboxDeliverer interface {
	ProcessOnce(ctx context.Context, limit int) (int, error)
}

type outboxReader interface {
	OutboxStats() (model.OutboxStats, error)
}

type DeliveryWorkerSnapshot struct {
	Running           bool              `json:"running"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	LastTickAt        *time.Time        `json:"last_tick_at,omitempty"`
	LastDeliveredAt   *time.Time        `json:"last_delivered_at,omitempty"`
	LastErrorAt       *time.Time        `json:"last_error_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	TotalDelivered    int64             `json:"total_delivered"`
	TotalBatches      int64             `json:"total_batches"`
	IdleBatches       int64             `json:"idle_batches"`
	Outbox            model.OutboxStats `json:"outbox"`
}

// DeliveryWorker drains the notification outbox on a fixed interval and
// keeps a snapshot of its own health for the health endpoint.
type DeliveryWorker struct {
	deliverer   outboxDeliverer
	stats       outboxReader
	interval    time.Duration
	batchSize   int
	logInterval time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot DeliveryWorkerSnapshot
}

func NewDeliveryWorker(deliverer outboxDeliverer, stats outboxReader, interval time.Duration, batchSize int, logInterval time.Duration, logger *log.Logger) *DeliveryWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if logInterval <= 0 {
		logInterval = 30 * time.Second
	}
	return &DeliveryWorker{
		deliverer:   deliverer,
		stats:       stats,
		interval:    interval,
		batchSize:   batchSize,
		logInterval: logInterval,
		logger:      logger,
	}
}

func (w *DeliveryWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	now := time.Now().UTC()
	w.snapshot.Running = true
	w.snapshot.StartedAt = timePtr(now)
	w.doneChan = make(chan struct{})
	done := w.doneChan
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.loop(ctx)
		w.mu.Lock()
		w.running = false
		w.snapshot.Running = false
		w.mu.Unlock()
	}()
}

func (w *DeliveryWorker) Wait(timeout time.Duration) bool {
	w.mu.RLock()
	done := w.doneChan
	w.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *DeliveryWorker) Snapshot() DeliveryWorkerSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	copySnapshot := w.snapshot
	copySnapshot.StartedAt = cloneTimePtr(w.snapshot.StartedAt)
	copySnapshot.LastTickAt = cloneTimePtr(w.snapshot.LastTickAt)
	copySnapshot.LastDeliveredAt = cloneTimePtr(w.snapshot.LastDeliveredAt)
	copySnapshot.LastErrorAt = cloneTimePtr(w.snapshot.LastErrorAt)
	return copySnapshot
}

func (w *DeliveryWorker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(w.logInterval)
	defer logTicker.Stop()

	w.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runIteration(ctx)
		case <-logTicker.C:
			w.logSnapshot()
		}
	}
}

func (w *DeliveryWorker) runIteration(ctx context.Context) {
	if w.deliverer == nil {
		return
	}
	now := time.Now().UTC()

	delivered, deliverErr := w.deliverer.ProcessOnce(ctx, w.batchSize)
	if deliverErr != nil && ctx.Err() != nil {
		return
	}
	var outbox model.OutboxStats
	var statsErr error
	if w.stats != nil {
		outbox, statsErr = w.stats.OutboxStats()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot.LastTickAt = timePtr(now)
	w.snapshot.TotalBatches++
	if delivered > 0 {
		w.snapshot.TotalDelivered += int64(delivered)
		w.snapshot.LastDeliveredAt = timePtr(now)
	} else {
		w.snapshot.IdleBatches++
	}

	switch {
	case deliverErr != nil:
		w.snapshot.ConsecutiveErrors++
		w.snapshot.LastErrorAt = timePtr(now)
		w.snapshot.LastError = strings.TrimSpace(deliverErr.Error())
	case statsErr != nil:
		w.snapshot.ConsecutiveErrors++
		w.snapshot.LastErrorAt = timePtr(now)
		w.snapshot.LastError = strings.TrimSpace(statsErr.Error())
	default:
		w.snapshot.ConsecutiveErrors = 0
	}
	if statsErr == nil {
		w.snapshot.Outbox = outbox
	}
}

func (w *DeliveryWorker) logSnapshot() {
	if w.logger == nil {
		return
	}
	snapshot := w.Snapshot()
	w.logger.Printf(
		"delivery worker: pending=%d sent=%d failed=%d total_delivered=%d errors=%d",
		snapshot.Outbox.PendingCount,
		snapshot.Outbox.SentCount,
		snapshot.Outbox.FailedCount,
		snapshot.TotalDelivered,
		snapshot.ConsecutiveErrors,
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
