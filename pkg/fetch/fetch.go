// Package fetch wraps the paginated ledger HTTP source behind a small,
// explicit result type. The fundamental contract: every call to Fetch
// returns exactly one of SUCCESS_DATA, SUCCESS_EMPTY, or FAILURE, never
// a nullable-plus-error pair. A transient error that exhausts its retry
// budget must surface as FAILURE, never be mistaken for SUCCESS_EMPTY —
// conflating the two silently drops data.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
)

// ResultKind tags which variant of Result is populated.
type ResultKind int

const (
	SuccessData ResultKind = iota
	SuccessEmpty
	Failure
)

func (k ResultKind) String() string {
	switch k {
	case SuccessData:
		return "success_data"
	case SuccessEmpty:
		return "success_empty"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is the explicit three-way sum type every fetch call returns.
// Exactly one of the per-kind fields is meaningful, selected by Kind;
// callers must switch on Kind rather than infer state from zero values.
type Result struct {
	Kind ResultKind

	// Populated when Kind == SuccessData or SuccessEmpty.
	NextCursor time.Time

	// Populated when Kind == SuccessData.
	Rows []json.RawMessage

	// Populated when Kind == Failure.
	Err       error
	Retryable bool
}

// Page is one page of raw update records plus the cursor to continue
// pagination from. For a non-empty page, NextBefore must be the
// earliest record_time among Rows; BackfillCursor relies on this to
// step the window backward without re-reading the page itself.
type Page struct {
	Rows       []json.RawMessage
	NextBefore time.Time
}

// LedgerSource is the out-of-scope collaborator: the ledger HTTP
// client's wire protocol and schema. Only the paging contract this
// pipeline depends on is modeled here; the default implementation
// (HTTPSource) is intentionally generic and not a faithful
// reproduction of any real ledger API.
type LedgerSource interface {
	// FetchPage returns one page of updates with record_time in the
	// half-open window [atOrAfter, before). An empty page (len(Rows)
	// == 0) is a valid, non-error response.
	FetchPage(ctx context.Context, before, atOrAfter time.Time) (Page, error)
}

// Config configures a Fetcher.
type Config struct {
	Source LedgerSource

	MaxRetries     int
	RetryBaseDelay time.Duration

	// ShardLabel is used only for metrics.
	ShardLabel string

	// Broker publishes page.fetched lifecycle events. Optional; nil
	// skips publication entirely.
	Broker *events.Broker
}

// Fetcher drives one shard's calls against a LedgerSource, classifying
// every outcome into the explicit three-way Result contract and
// retrying transient failures with the same backoff policy as the
// upload queue.
type Fetcher struct {
	cfg Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg}
}

// Fetch retrieves one page in [atOrAfter, before) and classifies the
// outcome. It never returns a Go error: failures are reported as
// Result{Kind: Failure}, so callers cannot accidentally treat a
// retry-exhausted error as empty data.
func (f *Fetcher) Fetch(ctx context.Context, before, atOrAfter time.Time) Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FetchLatency, f.cfg.ShardLabel)

	maxRetries := f.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := f.cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = 30 * time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.3
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)

	var page Page
	op := func() error {
		p, err := f.cfg.Source.FetchPage(ctx, before, atOrAfter)
		if err == nil {
			page = p
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, bo)
	if err != nil {
		retryable := isRetryable(err) || isRetryable(unwrapPermanent(err))
		metrics.FetchResultsTotal.WithLabelValues(f.cfg.ShardLabel, Failure.String()).Inc()
		return Result{Kind: Failure, Err: unwrapPermanent(err), Retryable: retryable}
	}

	if len(page.Rows) == 0 {
		metrics.FetchResultsTotal.WithLabelValues(f.cfg.ShardLabel, SuccessEmpty.String()).Inc()
		f.publish(0, page.NextBefore)
		return Result{Kind: SuccessEmpty, NextCursor: page.NextBefore}
	}

	metrics.FetchResultsTotal.WithLabelValues(f.cfg.ShardLabel, SuccessData.String()).Inc()
	f.publish(len(page.Rows), page.NextBefore)
	return Result{Kind: SuccessData, Rows: page.Rows, NextCursor: page.NextBefore}
}

func (f *Fetcher) publish(rowCount int, nextBefore time.Time) {
	if f.cfg.Broker == nil {
		return
	}
	f.cfg.Broker.Publish(&events.Event{
		Type:    events.PageFetched,
		Message: fmt.Sprintf("fetched %d rows, next_before=%s", rowCount, nextBefore),
		Metadata: map[string]string{
			"shard": f.cfg.ShardLabel,
		},
	})
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
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

// BackfillCursor walks a shard's backfill window backward from max to
// min, decreasing before to the earliest record_time seen in each page
// (minus one millisecond, to avoid re-fetching the boundary row) until
// either before <= atOrAfter or three consecutive empty pages are
// observed. This "three empty pages" heuristic lets the walk traverse
// sparse regions of history without busy-looping one page at a time.
type BackfillCursor struct {
	fetcher   *Fetcher
	atOrAfter time.Time

	before      time.Time
	emptyInARow int
	done        bool
}

// NewBackfillCursor starts a backfill walk over [atOrAfter, before).
func NewBackfillCursor(fetcher *Fetcher, before, atOrAfter time.Time) *BackfillCursor {
	return &BackfillCursor{fetcher: fetcher, before: before, atOrAfter: atOrAfter}
}

// Done reports whether the walk has reached its floor or exhausted the
// empty-page heuristic.
func (c *BackfillCursor) Done() bool { return c.done }

// Next fetches the next page and advances the walk's cursor. Callers
// must check Done() after each call; once Done() is true, Next must
// not be called again.
func (c *BackfillCursor) Next(ctx context.Context) (Result, error) {
	if c.done {
		return Result{}, fmt.Errorf("fetch: BackfillCursor.Next called after Done()")
	}
	if c.before.Before(c.atOrAfter) || c.before.Equal(c.atOrAfter) {
		c.done = true
		return Result{Kind: SuccessEmpty, NextCursor: c.before}, nil
	}

	res := c.fetcher.Fetch(ctx, c.before, c.atOrAfter)

	switch res.Kind {
	case Failure:
		c.done = true
		return res, nil

	case SuccessEmpty:
		c.emptyInARow++
		if c.emptyInARow >= 3 {
			c.done = true
		} else {
			c.before = res.NextCursor
		}
		return res, nil

	default: // SuccessData
		c.emptyInARow = 0
		c.before = res.NextCursor.Add(-time.Millisecond)
		if c.before.Before(c.atOrAfter) {
			c.before = c.atOrAfter
		}
		return res, nil
	}
}
