package intake

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/2029ijones-sudo/FireOS/internal/core"
)

// ScanRunner executes a scan for one package. The intake queue retries a
// failed run, so implementations must be idempotent.
type ScanRunner interface {
	Scan(ctx context.Context, packageID string) (*core.AggregateVerdict, error)
}

// Queue decouples intake from scanning. Enqueue never blocks the upload
// path: a full queue is reported to the caller and the package stays in
// its uploaded state for a later rescan.
type Queue struct {
	jobs    chan core.ScanJob
	retries int
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewQueue(depth, retries int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	if retries < 0 {
		retries = 0
	}
	return &Queue{
		jobs:    make(chan core.ScanJob, depth),
		retries: retries,
	}
}

// Enqueue submits a scan job. It reports false when the queue is full or
// already stopped.
func (q *Queue) Enqueue(job core.ScanJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		log.WithField("package_id", job.PackageID).Warn("Scan queue full, job dropped")
		return false
	}
}

// Start launches the worker pool. Workers exit when the queue is stopped
// or the context is cancelled.
func (q *Queue) Start(ctx context.Context, workers int, runner ScanRunner) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, runner)
	}
}

func (q *Queue) worker(ctx context.Context, runner ScanRunner) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, runner, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, runner ScanRunner, job core.ScanJob) {
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		_, err := runner.Scan(ctx, job.PackageID)
		if err == nil {
			return
		}
		if core.IsKind(err, core.ErrNotFound) {
			log.WithField("package_id", job.PackageID).Warn("Scan job for unknown package dropped")
			return
		}
		if attempt >= q.retries || ctx.Err() != nil {
			log.WithError(err).WithFields(log.Fields{
				"package_id": job.PackageID,
				"attempts":   attempt + 1,
			}).Error("Scan job failed")
			return
		}
		log.WithError(err).WithField("package_id", job.PackageID).Warn("Scan attempt failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.jobs)
	q.wg.Wait()
}
