// Package upload runs the background queue that moves encoded local
// files into the object store. It enforces two-axis (count and bytes)
// backpressure so a slow store can never let memory or disk grow
// unbounded, and retries each file with exponential-plus-jitter
// backoff before giving up and recording a dead-letter entry.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/localstate"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/metrics"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/cenkalti/backoff/v4"
)

// Item is one file queued for upload.
type Item struct {
	LocalPath  string
	RemotePath string
}

// Config configures a Queue.
type Config struct {
	Store      objectstore.ObjectStore
	DeadLetter *localstate.Store

	Workers int

	HighWaterCount int
	LowWaterCount  int
	HighWaterBytes int64
	LowWaterBytes  int64

	MaxRetries     int
	RetryBaseDelay time.Duration

	// DeleteOnFailure removes the local file even when every retry is
	// exhausted. Default false: keep the file for manual recovery.
	DeleteOnFailure bool

	// KeepLocal skips the post-success local file removal. Default
	// false (the local scratch copy is removed once its remote copy is
	// durable); set for --keep-raw-style retention of the intermediate
	// file alongside the uploaded one.
	KeepLocal bool

	// Broker publishes file.uploaded/file.upload_failed lifecycle
	// events. Optional; nil skips publication entirely.
	Broker *events.Broker
}

// Queue is the two-axis-backpressured upload pipeline.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	count    int
	bytes    int64
	paused   bool
	shutdown bool

	items  chan Item
	wg     sync.WaitGroup
	closed chan struct{}
}

// NewQueue creates a queue and starts its worker pool.
func NewQueue(cfg Config) *Queue {
	q := &Queue{
		cfg:    cfg,
		items:  make(chan Item, cfg.HighWaterCount*2+1),
		closed: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// ShouldPause reports whether producers should yield rather than
// enqueue more work right now.
func (q *Queue) ShouldPause() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Snapshot reports the queue's current depth for metrics collection.
func (q *Queue) Snapshot() metrics.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return metrics.QueueSnapshot{Count: q.count, Bytes: q.bytes, Paused: q.paused}
}

// Enqueue blocks while the queue is paused, then adds item. It returns
// an error if the queue has been shut down or the size of the local
// file cannot be determined.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	info, err := os.Stat(item.LocalPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", item.LocalPath, err)
	}
	size := info.Size()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for q.ShouldPause() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return fmt.Errorf("upload queue: enqueue after shutdown")
	}
	q.count++
	q.bytes += size
	q.updatePauseLocked()
	q.mu.Unlock()

	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		q.release(size)
		return ctx.Err()
	}
}

// updatePauseLocked recomputes the pause flag. Callers must hold q.mu.
func (q *Queue) updatePauseLocked() {
	if !q.paused {
		if q.count >= q.cfg.HighWaterCount || q.bytes >= q.cfg.HighWaterBytes {
			q.paused = true
		}
		return
	}
	if q.count <= q.cfg.LowWaterCount && q.bytes <= q.cfg.LowWaterBytes {
		q.paused = false
	}
}

func (q *Queue) release(size int64) {
	q.mu.Lock()
	q.count--
	q.bytes -= size
	q.updatePauseLocked()
	q.mu.Unlock()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for item := range q.items {
		q.process(item)
	}
}

func (q *Queue) process(item Item) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UploadDuration)

	info, statErr := os.Stat(item.LocalPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	defer q.release(size)

	err := q.uploadWithRetry(item)
	if err != nil {
		metrics.UploadTerminalFailuresTotal.Inc()
		q.recordDeadLetter(item, err)
		log.Error(fmt.Sprintf("upload terminally failed: %s -> %s: %v", item.LocalPath, item.RemotePath, err))
		q.publish(events.FileUploadFailed, item.RemotePath, err.Error())
		return
	}
	q.publish(events.FileUploaded, item.RemotePath, "")

	if q.cfg.KeepLocal {
		return
	}
	if rmErr := os.Remove(item.LocalPath); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Error(fmt.Sprintf("upload succeeded but failed to remove local file %s: %v", item.LocalPath, rmErr))
	}
}

func (q *Queue) publish(typ events.Type, remotePath, msg string) {
	if q.cfg.Broker == nil {
		return
	}
	q.cfg.Broker.Publish(&events.Event{
		Type:     typ,
		Message:  msg,
		Metadata: map[string]string{"remote_path": remotePath},
	})
}

func (q *Queue) uploadWithRetry(item Item) error {
	maxRetries := q.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := q.cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = 30 * time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.3

	bo := backoff.WithMaxRetries(policy, uint64(maxRetries))

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.UploadRetriesTotal.Inc()
		}

		f, err := os.Open(item.LocalPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open %s: %w", item.LocalPath, err))
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("stat %s: %w", item.LocalPath, err))
		}

		putErr := q.cfg.Store.Put(context.Background(), item.RemotePath, f, info.Size())
		if putErr == nil {
			return nil
		}

		if isRetryable(putErr) {
			return putErr
		}
		return backoff.Permanent(putErr)
	}

	return backoff.Retry(op, bo)
}

func isRetryable(err error) bool {
	if errkind.IsTransientNetwork(err) {
		return true
	}

	var httpErr *errkind.PermanentHttpError
	if errors.As(err, &httpErr) {
		return errkind.Retryable(httpErr.StatusCode)
	}

	var statusAware interface{ StatusCode() int }
	if errors.As(err, &statusAware) {
		return errkind.Retryable(statusAware.StatusCode())
	}

	return false
}

func (q *Queue) recordDeadLetter(item Item, err error) {
	if q.cfg.DeadLetter == nil {
		return
	}

	rec := types.DeadLetterRecord{
		LocalPath:     item.LocalPath,
		RemotePath:    item.RemotePath,
		Error:         err.Error(),
		AttemptCount:  q.cfg.MaxRetries,
		FirstFailedAt: time.Now().UTC(),
		LastFailedAt:  time.Now().UTC(),
	}
	if dlErr := q.cfg.DeadLetter.RecordDeadLetter(rec); dlErr != nil {
		log.Error(fmt.Sprintf("failed to record dead letter for %s: %v", item.LocalPath, dlErr))
	}

	if q.cfg.DeleteOnFailure {
		_ = os.Remove(item.LocalPath)
	}
}

// Drain blocks until both the queue and in-flight uploads reach zero.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		empty := q.count == 0
		q.mu.Unlock()
		if empty {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown latches out further enqueues, then drains and stops the
// worker pool.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()

	if err := q.Drain(ctx); err != nil {
		return err
	}

	close(q.items)
	q.wg.Wait()
	close(q.closed)
	return nil
}
