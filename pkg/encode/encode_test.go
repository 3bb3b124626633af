package encode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBatch struct {
	rows    []any
	failN   int32
	attempt *int32
}

func (b fakeBatch) Encode(w *os.File) error {
	if b.attempt != nil {
		n := atomic.AddInt32(b.attempt, 1)
		if n <= b.failN {
			panic("simulated worker crash")
		}
	}
	return JSONBatch{Rows: b.rows}.Encode(w)
}

func TestSubmitWritesFileAtomically(t *testing.T) {
	pool := NewPool(2, 0)
	target := filepath.Join(t.TempDir(), "out", "part-0.bin")

	err := pool.Submit(context.Background(), Job{
		Kind:       "updates",
		Shard:      "0",
		TargetPath: target,
		Batch:      JSONBatch{Rows: []any{map[string]string{"a": "b"}}},
	})
	require.NoError(t, err)
	require.FileExists(t, target)

	rows, err := ReadJSONBatch(target)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSubmitNeverLeavesPartialFileOnEncodeError(t *testing.T) {
	pool := NewPool(1, 0)
	target := filepath.Join(t.TempDir(), "part-0.bin")

	err := pool.Submit(context.Background(), Job{
		TargetPath: target,
		Batch:      failingBatch{},
	})
	require.Error(t, err)
	_, statErr := os.Stat(target)
	require.True(t, os.IsNotExist(statErr))
}

type failingBatch struct{}

func (failingBatch) Encode(w *os.File) error { return errors.New("boom") }

func TestSubmitRetriesAfterWorkerCrash(t *testing.T) {
	pool := NewPool(1, 2)
	target := filepath.Join(t.TempDir(), "part-0.bin")

	var attempts int32
	err := pool.Submit(context.Background(), Job{
		TargetPath: target,
		Batch:      fakeBatch{rows: []any{1}, failN: 2, attempt: &attempts},
	})
	require.NoError(t, err)
	require.FileExists(t, target)
	require.Equal(t, int32(3), attempts)
}

func TestSubmitFailsUpwardWhenRetriesExhausted(t *testing.T) {
	pool := NewPool(1, 1)
	target := filepath.Join(t.TempDir(), "part-0.bin")

	var attempts int32
	err := pool.Submit(context.Background(), Job{
		TargetPath: target,
		Batch:      fakeBatch{rows: []any{1}, failN: 10, attempt: &attempts},
	})
	require.Error(t, err)
}

func TestWaitForDrainAcquiresEverySlotOfIdlePool(t *testing.T) {
	pool := NewPool(2, 0)
	require.NoError(t, pool.waitForDrain(context.Background(), 2))
}
