package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ipcasj/ethhook/internal/analytics"
	"github.com/ipcasj/ethhook/internal/batchwriter"
	"github.com/ipcasj/ethhook/internal/delivery"
	"github.com/ipcasj/ethhook/internal/endpoint"
	"github.com/ipcasj/ethhook/internal/ethevent"
	"github.com/ipcasj/ethhook/internal/queue"
)

// recordingEventInserter captures flushed event rows in place of ClickHouse.
type recordingEventInserter struct {
	mu   sync.Mutex
	rows []analytics.EventRow
}

func (i *recordingEventInserter) InsertBatch(_ context.Context, rows []analytics.EventRow) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rows = append(i.rows, rows...)
	return nil
}

func (i *recordingEventInserter) all() []analytics.EventRow {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]analytics.EventRow, len(i.rows))
	copy(out, i.rows)
	return out
}

type processorFixture struct {
	pool    *Pool
	queue   *queue.Queue
	client  *redis.Client
	rows    *recordingEventInserter
	cleanup func()
}

func newProcessorFixture(t *testing.T, numShards int, endpoints []endpoint.Endpoint) *processorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client)

	rows := &recordingEventInserter{}
	// Capacity 1 so every Append flushes straight through to the stub.
	writer := batchwriter.New[analytics.EventRow]("events", 1, time.Hour, rows, nil)

	var deliverySeq int
	p := &Pool{
		cfg: Config{
			ChainIDs:      []uint64{1},
			WorkerCount:   1,
			NumShards:     numShards,
			ConsumerGroup: "processor",
			MaxWait:       100 * time.Millisecond,
		},
		queue:       q,
		eventWriter: writer,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		idGen: func() string {
			deliverySeq++
			return fmt.Sprintf("d-%d", deliverySeq)
		},
	}
	p.index.Store(endpoint.BuildIndex(endpoints))

	return &processorFixture{
		pool:   p,
		queue:  q,
		client: client,
		rows:   rows,
		cleanup: func() {
			client.Close()
			mr.Close()
		},
	}
}

// runEvent publishes the event on its chain stream and drives it through
// handleRecord exactly as a pool worker would.
func (f *processorFixture) runEvent(t *testing.T, ctx context.Context, ev ethevent.Event) {
	t.Helper()
	stream := queue.EventsStreamKey(ev.ChainID)
	if err := f.queue.EnsureGroup(ctx, stream, "processor"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	payload, err := ev.Marshal()
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := f.queue.Append(ctx, stream, "event", payload); err != nil {
		t.Fatalf("append event: %v", err)
	}
	records, err := f.queue.ReadBlocking(ctx, stream, "processor", "processor-1-0", "event", 10, 100*time.Millisecond)
	if err != nil || len(records) != 1 {
		t.Fatalf("read event: records=%d err=%v", len(records), err)
	}
	f.pool.handleRecord(ctx, stream, records[0])
}

func (f *processorFixture) pendingCount(t *testing.T, ctx context.Context, stream string) int64 {
	t.Helper()
	pending, err := f.client.XPending(ctx, stream, "processor").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return pending.Count
}

func (f *processorFixture) readDeliveries(t *testing.T, ctx context.Context, shard int) []delivery.Job {
	t.Helper()
	stream := queue.DeliveriesStreamKey(shard)
	msgs, err := f.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange %s: %v", stream, err)
	}
	var jobs []delivery.Job
	for _, msg := range msgs {
		raw, ok := msg.Values["delivery"].(string)
		if !ok {
			t.Fatalf("record on %s missing delivery field", stream)
		}
		job, err := delivery.UnmarshalJob([]byte(raw))
		if err != nil {
			t.Fatalf("unmarshal job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func testEvent() ethevent.Event {
	return ethevent.Event{
		ID:              "evt-1",
		ChainID:         1,
		BlockNumber:     17000000,
		BlockHash:       "0xbh",
		TransactionHash: "0xaa",
		LogIndex:        0,
		ContractAddress: "0xbb",
		Topics:          []string{"0xcc"},
		Data:            "0x",
		IngestedAtMs:    1700000000000,
	}
}

func TestHandleRecordFansOutToEveryMatchingEndpoint(t *testing.T) {
	epA := endpoint.Endpoint{
		EndpointID:        "ep-a",
		IsActive:          true,
		ChainIDs:          map[uint64]struct{}{1: {}},
		ContractAddresses: map[string]struct{}{"0xbb": {}},
		TopicFilters:      []string{"0xcc"},
		WebhookURL:        "https://a.example/h",
		HMACSecret:        "secret-a",
		MaxRetries:        5,
		TimeoutMs:         30000,
	}
	epB := endpoint.Endpoint{
		EndpointID:   "ep-b",
		IsActive:     true,
		ChainIDs:     map[uint64]struct{}{1: {}},
		WebhookURL:   "https://b.example/h",
		HMACSecret:   "secret-b",
		MaxRetries:   3,
		TimeoutMs:    10000,
		TopicFilters: nil, // address-agnostic, matches everything on chain 1
	}
	f := newProcessorFixture(t, 2, []endpoint.Endpoint{epA, epB})
	defer f.cleanup()
	ctx := context.Background()

	ev := testEvent()
	f.runEvent(t, ctx, ev)

	var jobs []delivery.Job
	for shard := 0; shard < 2; shard++ {
		jobs = append(jobs, f.readDeliveries(t, ctx, shard)...)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 delivery jobs, got %d", len(jobs))
	}

	byEndpoint := map[string]delivery.Job{}
	for _, job := range jobs {
		byEndpoint[job.EndpointID] = job
	}
	jobA, ok := byEndpoint["ep-a"]
	if !ok {
		t.Fatalf("no job fanned out for ep-a: %+v", byEndpoint)
	}
	if jobA.WebhookURL != epA.WebhookURL || jobA.HMACSecret != epA.HMACSecret {
		t.Fatalf("job must carry the endpoint's url and secret inline: %+v", jobA)
	}
	if jobA.EventID != ev.ID || jobA.Attempt != 0 {
		t.Fatalf("unexpected job fields: %+v", jobA)
	}
	if jobA.MaxRetries != epA.MaxRetries || jobA.TimeoutMs != epA.TimeoutMs {
		t.Fatalf("job must carry the endpoint's retry/timeout settings: %+v", jobA)
	}

	got, err := ethevent.Unmarshal(jobA.Payload)
	if err != nil {
		t.Fatalf("job payload must be canonical event JSON: %v", err)
	}
	if got.ID != ev.ID || got.TransactionHash != ev.TransactionHash {
		t.Fatalf("payload mismatch: %+v", got)
	}

	// One analytical row per matched endpoint, all sharing the event id.
	rows := f.rows.all()
	if len(rows) != 2 {
		t.Fatalf("expected 2 event rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.EventID != ev.ID {
			t.Fatalf("all matched-endpoint rows must share the event id, got %+v", row)
		}
	}

	// The event record is acknowledged only after fan-out completes.
	if n := f.pendingCount(t, ctx, queue.EventsStreamKey(1)); n != 0 {
		t.Fatalf("expected event acked after full fan-out, pending=%d", n)
	}
}

func TestHandleRecordAcksEventsWithNoMatches(t *testing.T) {
	f := newProcessorFixture(t, 1, nil)
	defer f.cleanup()
	ctx := context.Background()

	f.runEvent(t, ctx, testEvent())

	if jobs := f.readDeliveries(t, ctx, 0); len(jobs) != 0 {
		t.Fatalf("expected no delivery jobs, got %d", len(jobs))
	}
	if rows := f.rows.all(); len(rows) != 0 {
		t.Fatalf("expected no event rows, got %d", len(rows))
	}
	if n := f.pendingCount(t, ctx, queue.EventsStreamKey(1)); n != 0 {
		t.Fatalf("unmatched event must still be acked, pending=%d", n)
	}
}

func TestShardForIsStablePerEndpoint(t *testing.T) {
	first := shardFor("ep-1", 4)
	for i := 0; i < 10; i++ {
		if got := shardFor("ep-1", 4); got != first {
			t.Fatalf("shard must be stable per endpoint, got %d then %d", first, got)
		}
	}
	if first < 0 || first >= 4 {
		t.Fatalf("shard %d out of range", first)
	}
	if got := shardFor("ep-1", 0); got != 0 {
		t.Fatalf("non-positive shard count must map to shard 0, got %d", got)
	}
}
