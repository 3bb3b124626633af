package fetch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	pages []Page
	errs  []error
	calls int32
}

func (f *fakeSource) FetchPage(ctx context.Context, before, atOrAfter time.Time) (Page, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return Page{}, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return Page{}, nil
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestFetchReturnsSuccessDataForNonEmptyPage(t *testing.T) {
	src := &fakeSource{pages: []Page{{
		Rows:       []json.RawMessage{json.RawMessage(`{"a":1}`)},
		NextBefore: mustTime("2026-01-01T10:00:00Z"),
	}}}
	f := New(Config{Source: src, ShardLabel: "0"})

	res := f.Fetch(context.Background(), mustTime("2026-01-01T11:00:00Z"), mustTime("2026-01-01T00:00:00Z"))
	require.Equal(t, SuccessData, res.Kind)
	require.Len(t, res.Rows, 1)
}

func TestFetchReturnsSuccessEmptyForEmptyPage(t *testing.T) {
	src := &fakeSource{pages: []Page{{NextBefore: mustTime("2026-01-01T09:00:00Z")}}}
	f := New(Config{Source: src, ShardLabel: "0"})

	res := f.Fetch(context.Background(), mustTime("2026-01-01T11:00:00Z"), mustTime("2026-01-01T00:00:00Z"))
	require.Equal(t, SuccessEmpty, res.Kind)
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	src := &fakeSource{
		errs:  []error{&errkind.TransientNetworkError{Op: "x"}, &errkind.TransientNetworkError{Op: "x"}},
		pages: []Page{{}, {}, {Rows: []json.RawMessage{json.RawMessage(`{}`)}, NextBefore: mustTime("2026-01-01T09:00:00Z")}},
	}
	f := New(Config{Source: src, ShardLabel: "0", MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	res := f.Fetch(context.Background(), mustTime("2026-01-01T11:00:00Z"), mustTime("2026-01-01T00:00:00Z"))
	require.Equal(t, SuccessData, res.Kind)
	require.Equal(t, int32(3), atomic.LoadInt32(&src.calls))
}

func TestFetchSurfacesFailureNeverEmptyWhenRetriesExhausted(t *testing.T) {
	src := &fakeSource{errs: []error{
		&errkind.TransientNetworkError{Op: "x"},
		&errkind.TransientNetworkError{Op: "x"},
		&errkind.TransientNetworkError{Op: "x"},
	}}
	f := New(Config{Source: src, ShardLabel: "0", MaxRetries: 2, RetryBaseDelay: time.Millisecond})

	res := f.Fetch(context.Background(), mustTime("2026-01-01T11:00:00Z"), mustTime("2026-01-01T00:00:00Z"))
	require.Equal(t, Failure, res.Kind)
	require.True(t, res.Retryable)
}

func TestFetchNonRetryableHttpErrorAbortsImmediately(t *testing.T) {
	src := &fakeSource{errs: []error{&errkind.PermanentHttpError{StatusCode: 404}}}
	f := New(Config{Source: src, ShardLabel: "0", MaxRetries: 5, RetryBaseDelay: time.Millisecond})

	res := f.Fetch(context.Background(), mustTime("2026-01-01T11:00:00Z"), mustTime("2026-01-01T00:00:00Z"))
	require.Equal(t, Failure, res.Kind)
	require.False(t, res.Retryable)
	require.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestFetchRetriesOn5xxHttpError(t *testing.T) {
	src := &fakeSource{
		errs:  []error{&errkind.PermanentHttpError{StatusCode: 503}},
		pages: []Page{{}, {Rows: []json.RawMessage{json.RawMessage(`{}`)}, NextBefore: mustTime("2026-01-01T09:00:00Z")}},
	}
	f := New(Config{Source: src, ShardLabel: "0", MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	res := f.Fetch(context.Background(), mustTime("2026-01-01T11:00:00Z"), mustTime("2026-01-01T00:00:00Z"))
	require.Equal(t, SuccessData, res.Kind)
}

func TestBackfillCursorStopsAfterThreeConsecutiveEmptyPages(t *testing.T) {
	src := &fakeSource{pages: []Page{
		{NextBefore: mustTime("2026-01-01T09:00:00Z")},
		{NextBefore: mustTime("2026-01-01T08:00:00Z")},
		{NextBefore: mustTime("2026-01-01T07:00:00Z")},
	}}
	f := New(Config{Source: src, ShardLabel: "0"})
	bc := NewBackfillCursor(f, mustTime("2026-01-01T10:00:00Z"), mustTime("2026-01-01T00:00:00Z"))

	var kinds []ResultKind
	for !bc.Done() {
		res, err := bc.Next(context.Background())
		require.NoError(t, err)
		kinds = append(kinds, res.Kind)
	}

	require.Equal(t, []ResultKind{SuccessEmpty, SuccessEmpty, SuccessEmpty}, kinds)
	require.Equal(t, int32(3), atomic.LoadInt32(&src.calls))
}

func TestBackfillCursorStopsWhenBeforeReachesFloor(t *testing.T) {
	src := &fakeSource{pages: []Page{
		{Rows: []json.RawMessage{json.RawMessage(`{}`)}, NextBefore: mustTime("2026-01-01T00:00:00.001Z")},
	}}
	f := New(Config{Source: src, ShardLabel: "0"})
	bc := NewBackfillCursor(f, mustTime("2026-01-01T10:00:00Z"), mustTime("2026-01-01T00:00:00Z"))

	res, err := bc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, SuccessData, res.Kind)
	require.False(t, bc.Done())

	res, err = bc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, SuccessEmpty, res.Kind)
	require.True(t, bc.Done())
}

func TestBackfillCursorStopsImmediatelyOnFailure(t *testing.T) {
	src := &fakeSource{errs: []error{&errkind.PermanentHttpError{StatusCode: 500}, &errkind.PermanentHttpError{StatusCode: 500}}}
	f := New(Config{Source: src, ShardLabel: "0", MaxRetries: 1, RetryBaseDelay: time.Millisecond})
	bc := NewBackfillCursor(f, mustTime("2026-01-01T10:00:00Z"), mustTime("2026-01-01T00:00:00Z"))

	res, err := bc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, Failure, res.Kind)
	require.True(t, bc.Done())
}
