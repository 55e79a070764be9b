package tunnel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cajax/burrow/metrics"
)

const (
	// recorderQueueSize bounds the fire-and-forget persistence queue. When the
	// store falls behind, the oldest queued entry is dropped first.
	recorderQueueSize = 256

	// retentionPeriod is how long captured exchanges are kept.
	retentionPeriod = 14 * 24 * time.Hour

	// pruneInterval is how often the retention pass runs.
	pruneInterval = time.Hour

	// insertTimeout bounds one store write.
	insertTimeout = 5 * time.Second
)

// Recorder persists captured exchanges without blocking the dispatch path.
// Entries are enqueued onto a bounded queue and written by a single worker;
// store failures are logged and dropped, never surfaced to the client.
type Recorder struct {
	store   LogStore
	metrics *metrics.Metrics
	log     *zap.Logger

	queue chan RequestLog
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewRecorder creates a recorder and starts its worker.
func NewRecorder(store LogStore, m *metrics.Metrics, log *zap.Logger) *Recorder {
	r := &Recorder{
		store:   store,
		metrics: m,
		log:     log,
		queue:   make(chan RequestLog, recorderQueueSize),
		stop:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.work()
	return r
}

// Record enqueues one entry. It never blocks: when the queue is full the
// oldest queued entry is evicted to make room.
func (r *Recorder) Record(entry RequestLog) {
	select {
	case r.queue <- entry:
		return
	default:
	}

	select {
	case <-r.queue:
		r.metrics.RecordDropped()
		r.log.Warn("recorder queue full, dropping oldest entry")
	default:
	}

	select {
	case r.queue <- entry:
	default:
		// Lost the race to another producer; this entry is the casualty.
		r.metrics.RecordDropped()
	}
}

// Close stops the worker after draining whatever is queued.
func (r *Recorder) Close() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Recorder) work() {
	defer r.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-r.queue:
			r.insert(entry)

		case <-ticker.C:
			r.prune()

		case <-r.stop:
			for {
				select {
				case entry := <-r.queue:
					r.insert(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(entry RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := r.store.Insert(ctx, &entry); err != nil {
		r.log.Error("request log insert failed",
			zap.String("hostname", entry.Hostname),
			zap.String("path", entry.Path),
			zap.Error(err))
	}
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	removed, err := r.store.DeleteOlderThan(ctx, time.Now().Add(-retentionPeriod))
	if err != nil {
		r.log.Error("request log prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		r.log.Info("pruned aged request logs", zap.Int64("removed", removed))
	}
}
