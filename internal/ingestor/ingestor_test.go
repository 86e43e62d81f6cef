package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ipcasj/ethhook/internal/arena"
	"github.com/ipcasj/ethhook/internal/ethevent"
	"github.com/ipcasj/ethhook/internal/queue"
)

// fakeSubscriber serves a pre-built channel of logs, standing in for the
// wsrpc client.
type fakeSubscriber struct {
	logs <-chan ethevent.RawLog
	err  error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, _ uint64) (<-chan ethevent.RawLog, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.logs, nil
}

type ingestorFixture struct {
	worker  *Worker
	client  *redis.Client
	mr      *miniredis.Miniredis
	arena   *arena.Arena
	cleanup func()
}

func newIngestorFixture(t *testing.T, sub ChainSubscriber) *ingestorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client)
	dedup := NewDeduper(client)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := WorkerConfig{
		ReconnectDelay:     time.Millisecond,
		MaxReconnectDelay:  10 * time.Millisecond,
		SustainedConnected: time.Hour,
		DedupWindow:        10 * time.Minute,
		ArenaCapacityBytes: 64 * 1024,
	}

	var idSeq int
	w := NewWorkerWithClock(1, sub, q, dedup, logger, cfg,
		func() string { idSeq++; return fmt.Sprintf("evt-%d", idSeq) },
		func() int64 { return 1700000000000 },
	)

	return &ingestorFixture{
		worker: w,
		client: client,
		mr:     mr,
		arena:  arena.New(cfg.ArenaCapacityBytes),
		cleanup: func() {
			client.Close()
			mr.Close()
		},
	}
}

func (f *ingestorFixture) publishedEvents(t *testing.T, ctx context.Context) []ethevent.Event {
	t.Helper()
	msgs, err := f.client.XRange(ctx, queue.EventsStreamKey(1), "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	var out []ethevent.Event
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			t.Fatalf("stream record missing event field")
		}
		ev, err := ethevent.Unmarshal([]byte(raw))
		if err != nil {
			t.Fatalf("unmarshal published event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func testRawLog() ethevent.RawLog {
	return ethevent.RawLog{
		ChainID:         1,
		BlockNumber:     17000000,
		BlockHash:       "0xBH",
		TransactionHash: "0xAA",
		LogIndex:        0,
		ContractAddress: "0xBB",
		Topics:          []string{"0xCC"},
		Data:            "0x",
	}
}

func TestHandleRawLogNormalizesAndPublishes(t *testing.T) {
	f := newIngestorFixture(t, &fakeSubscriber{})
	defer f.cleanup()
	ctx := context.Background()

	f.worker.handleRawLog(ctx, testRawLog(), f.arena)

	events := f.publishedEvents(t, ctx)
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID != "evt-1" || ev.IngestedAtMs != 1700000000000 {
		t.Fatalf("expected synthetic id and stamped ingest time, got %+v", ev)
	}
	if ev.ContractAddress != "0xbb" || ev.Topics[0] != "0xcc" || ev.BlockHash != "0xbh" {
		t.Fatalf("expected lowercased hex fields, got %+v", ev)
	}
}

func TestHandleRawLogSuppressesDuplicateIdentityTuple(t *testing.T) {
	f := newIngestorFixture(t, &fakeSubscriber{})
	defer f.cleanup()
	ctx := context.Background()

	f.worker.handleRawLog(ctx, testRawLog(), f.arena)
	f.arena.Reset()
	f.worker.handleRawLog(ctx, testRawLog(), f.arena)

	if events := f.publishedEvents(t, ctx); len(events) != 1 {
		t.Fatalf("expected exactly 1 record for a re-seen identity tuple, got %d", len(events))
	}
}

func TestHandleRawLogPublishesDistinctIdentityTuples(t *testing.T) {
	f := newIngestorFixture(t, &fakeSubscriber{})
	defer f.cleanup()
	ctx := context.Background()

	f.worker.handleRawLog(ctx, testRawLog(), f.arena)
	f.arena.Reset()
	second := testRawLog()
	second.LogIndex = 1
	f.worker.handleRawLog(ctx, second, f.arena)

	if events := f.publishedEvents(t, ctx); len(events) != 2 {
		t.Fatalf("expected 2 records for distinct log indexes, got %d", len(events))
	}
}

func TestHandleRawLogDropsMalformedLog(t *testing.T) {
	f := newIngestorFixture(t, &fakeSubscriber{})
	defer f.cleanup()
	ctx := context.Background()

	malformed := testRawLog()
	malformed.TransactionHash = ""
	f.worker.handleRawLog(ctx, malformed, f.arena)

	if events := f.publishedEvents(t, ctx); len(events) != 0 {
		t.Fatalf("expected malformed log to be dropped, got %d records", len(events))
	}
}

func TestHandleRawLogFailsClosedOnDedupOutage(t *testing.T) {
	f := newIngestorFixture(t, &fakeSubscriber{})
	defer f.cleanup()
	ctx := context.Background()

	f.mr.SetError("connection refused")
	f.worker.handleRawLog(ctx, testRawLog(), f.arena)
	f.mr.SetError("")

	if events := f.publishedEvents(t, ctx); len(events) != 0 {
		t.Fatalf("a degraded ingestor must never publish, got %d records", len(events))
	}
}

func TestConsumeDrainsChannelThenReturnsOnClose(t *testing.T) {
	logs := make(chan ethevent.RawLog, 2)
	logs <- testRawLog()
	second := testRawLog()
	second.LogIndex = 1
	logs <- second
	close(logs)

	f := newIngestorFixture(t, &fakeSubscriber{})
	defer f.cleanup()
	ctx := context.Background()

	f.worker.consume(ctx, logs, f.arena)

	if events := f.publishedEvents(t, ctx); len(events) != 2 {
		t.Fatalf("expected consume to drain both logs, got %d", len(events))
	}
}

func TestRunReconnectsOnSubscribeFailureUntilCancelled(t *testing.T) {
	f := newIngestorFixture(t, &fakeSubscriber{err: errors.New("upstream down")})
	defer f.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := f.worker.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Run to return the context error, got %v", err)
	}
}

func TestNextDelayDoublesAndPlateaus(t *testing.T) {
	max := 60 * time.Second
	d := 1 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, expected := range want {
		d = nextDelay(d, max)
		if d != expected {
			t.Fatalf("step %d: got %v, want %v", i, d, expected)
		}
	}
}
