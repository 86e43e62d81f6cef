package batchwriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeInserter struct {
	mu       sync.Mutex
	batches  [][]int
	failNext bool
}

func (f *fakeInserter) InsertBatch(_ context.Context, rows []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("insert failed")
	}
	cp := make([]int, len(rows))
	copy(cp, rows)
	f.batches = append(f.batches, cp)
	return nil
}

func TestAppendFlushesOnCapacity(t *testing.T) {
	ins := &fakeInserter{}
	w := New[int]("events", 3, time.Hour, ins, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := w.Append(ctx, i); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if len(ins.batches) != 1 || len(ins.batches[0]) != 3 {
		t.Fatalf("expected one flushed batch of 3 rows, got %+v", ins.batches)
	}
}

func TestAppendFlushesOnTimeout(t *testing.T) {
	ins := &fakeInserter{}
	w := New[int]("events", 100, 10*time.Millisecond, ins, nil)
	ctx := context.Background()

	if err := w.Append(ctx, 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := w.Append(ctx, 2); err != nil {
		t.Fatalf("append: %v", err)
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if len(ins.batches) != 1 {
		t.Fatalf("expected timeout-triggered flush, got %+v", ins.batches)
	}
}

func TestFlushFailurePreservesBuffer(t *testing.T) {
	ins := &fakeInserter{failNext: true}
	w := New[int]("events", 100, time.Hour, ins, nil)
	ctx := context.Background()

	if err := w.Append(ctx, 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Flush(ctx); err == nil {
		t.Fatalf("expected flush to fail")
	}

	if err := w.Flush(ctx); err != nil {
		t.Fatalf("expected retried flush to succeed, got %v", err)
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if len(ins.batches) != 1 || len(ins.batches[0]) != 1 {
		t.Fatalf("expected buffered row to survive the failed flush, got %+v", ins.batches)
	}
}

func TestCloseFlushesRemainingRows(t *testing.T) {
	ins := &fakeInserter{}
	w := New[int]("events", 100, time.Hour, ins, nil)
	ctx := context.Background()

	if err := w.Append(ctx, 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats := w.Statistics()
	if stats.RowsInserted != 1 || stats.BatchesFlushed != 1 {
		t.Fatalf("unexpected stats after close: %+v", stats)
	}
}

func TestOnFlushCallbackReceivesOutcome(t *testing.T) {
	ins := &fakeInserter{}
	var gotTable string
	var gotRows int
	var gotOK bool

	w := New[int]("events", 1, time.Hour, ins, func(table string, rows int, ok bool, _ time.Duration) {
		gotTable, gotRows, gotOK = table, rows, ok
	})

	if err := w.Append(context.Background(), 42); err != nil {
		t.Fatalf("append: %v", err)
	}
	if gotTable != "events" || gotRows != 1 || !gotOK {
		t.Fatalf("unexpected callback values: table=%q rows=%d ok=%v", gotTable, gotRows, gotOK)
	}
}
