// Package encode runs the bounded worker pool that turns one
// normalized batch into a durable local file. The columnar encoder
// itself is an external collaborator (out of scope, per spec): this
// package defines the Encoder interface the pool drives and ships one
// generic, minimal implementation (length-prefixed zstd-framed JSON)
// so the pool's concurrency, backpressure, and crash-retry behavior
// can be fully exercised without a real Parquet writer.
package encode

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/metrics"
	"golang.org/x/sync/semaphore"
)

// Encoder serializes a batch of rows to w in one pass. Implementations
// must leave w in a consistent state even on error; Pool is
// responsible for never publishing a partial file (it writes to a
// temp path and renames only after Encode returns nil).
type Encoder interface {
	Encode(w *os.File) error
}

// Job describes one unit of encode work.
type Job struct {
	Kind             string // metrics label: "updates", "events", or "contracts"
	Shard            string // metrics label
	TargetPath       string
	Batch            Encoder
	CompressionLevel int
}

// Pool is a bounded parallel sink: N workers, each serializing one
// batch into one file per call. Rows are never split across workers
// mid-batch.
type Pool struct {
	sem        *semaphore.Weighted
	maxRetries int
}

// NewPool creates a pool with workers concurrent slots and the given
// per-job retry budget for worker-crash resubmission.
func NewPool(workers int, maxRetries int) *Pool {
	return &Pool{
		sem:        semaphore.NewWeighted(int64(workers)),
		maxRetries: maxRetries,
	}
}

// Submit blocks until a worker slot is free, then encodes job
// synchronously from the caller's goroutine slot (the semaphore is
// what makes this a bounded pool rather than an unbounded goroutine
// fan-out). On worker crash (a recovered panic) the batch is retried
// up to maxRetries before failing upward as an EncodeError, at which
// point the caller must roll back its pending cursor transaction.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("encode: acquire worker slot: %w", err)
	}
	defer p.sem.Release(1)

	metrics.EncodeQueueDepth.WithLabelValues(job.Shard).Inc()
	defer metrics.EncodeQueueDepth.WithLabelValues(job.Shard).Dec()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.EncodeDuration, job.Shard, job.Kind)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn(fmt.Sprintf("retrying encode job after worker crash: target=%s attempt=%d", job.TargetPath, attempt))
		}

		if err := p.runOnce(job); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return &errkind.EncodeError{BatchID: job.TargetPath, Err: lastErr}
}

// runOnce writes job to a temp file and renames it into place,
// recovering from a panic in Batch.Encode and reporting it as an
// ordinary error so retry logic can treat both uniformly.
func (p *Pool) runOnce(job Job) (encErr error) {
	if err := os.MkdirAll(filepath.Dir(job.TargetPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", job.TargetPath, err)
	}

	tmp := job.TargetPath + fmt.Sprintf(".tmp-%d", rand.Int63())

	defer func() {
		if r := recover(); r != nil {
			os.Remove(tmp)
			encErr = fmt.Errorf("worker panic: %v", r)
		}
	}()

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create tmp %s: %w", tmp, err)
	}

	if err := job.Batch.Encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode batch: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, job.TargetPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s into place: %w", job.TargetPath, err)
	}

	return nil
}

// waitForDrain is a small helper for tests and shutdown paths that
// need to know every outstanding slot has been released.
func (p *Pool) waitForDrain(ctx context.Context, total int) error {
	if err := p.sem.Acquire(ctx, int64(total)); err != nil {
		return err
	}
	p.sem.Release(int64(total))
	return nil
}
