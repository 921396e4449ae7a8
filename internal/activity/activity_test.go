package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func newEvent(version int64) domain.ActivityEvent {
	author := uuid.New()
	return domain.ActivityEvent{
		EntryID:   uuid.New(),
		Entity:    domain.NewEntityRef(domain.KindIssue, uuid.New()),
		Version:   version,
		AuthorID:  &author,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Notes:     "closed as duplicate",
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	event := newEvent(3)

	require.NoError(t, NewLogNotifier(logger).Notify(context.Background(), event))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "journal activity", line["msg"])
	assert.Equal(t, event.Entity.String(), line["entity"])
	assert.Equal(t, float64(3), line["version"])
	assert.Equal(t, event.AuthorID.String(), line["author_id"])
	assert.Equal(t, "closed as duplicate", line["notes"])
}

func TestFanoutCallsEveryNotifier(t *testing.T) {
	first := NewMemorySink()
	second := NewMemorySink()
	failure := errors.New("search index down")
	fanout := Fanout{
		first,
		NotifierFunc(func(context.Context, domain.ActivityEvent) error { return failure }),
		nil,
		second,
	}

	err := fanout.Notify(context.Background(), newEvent(1))

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 1, second.Len())
}

func TestMemorySinkForEntity(t *testing.T) {
	sink := NewMemorySink()
	a, b := newEvent(1), newEvent(1)
	a2 := a
	a2.Version = 2
	for _, event := range []domain.ActivityEvent{a, b, a2} {
		require.NoError(t, sink.Notify(context.Background(), event))
	}

	got := sink.ForEntity(a.Entity)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(2), got[1].Version)
	assert.Len(t, sink.Events(), 3)
}

func TestAsyncDrainsOnClose(t *testing.T) {
	sink := NewMemorySink()
	async := NewAsync(sink, WithBufferSize(100))

	for i := 1; i <= 20; i++ {
		require.NoError(t, async.Notify(context.Background(), newEvent(int64(i))))
	}
	async.Close()

	assert.Equal(t, 20, sink.Len())
	assert.Error(t, async.Notify(context.Background(), newEvent(21)))

	// closing twice is harmless
	async.Close()
}

func TestAsyncReportsFullBuffer(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocking := NotifierFunc(func(context.Context, domain.ActivityEvent) error {
		<-release
		return nil
	})
	async := NewAsync(blocking, WithBufferSize(1))
	defer func() {
		once.Do(func() { close(release) })
		async.Close()
	}()

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := async.Notify(context.Background(), newEvent(int64(i)))
		full = errors.Is(err, ErrBufferFull)
	}
	assert.True(t, full)
}

func TestAsyncRejectsCancelledContext(t *testing.T) {
	async := NewAsync(NewMemorySink())
	defer async.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, async.Notify(ctx, newEvent(1)), context.Canceled)
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	closed  bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() {
	p.closed = true
}

func TestKafkaPublisherProducesKeyedRecords(t *testing.T) {
	client := &fakeProducer{}
	publisher := newKafkaPublisherWithClient(client, "")
	event := newEvent(4)

	require.NoError(t, publisher.Notify(context.Background(), event))
	publisher.Close()

	require.Len(t, client.records, 1)
	record := client.records[0]
	assert.Equal(t, DefaultTopic, record.Topic)
	assert.Equal(t, event.Entity.String(), string(record.Key))
	assert.Equal(t, event.Timestamp, record.Timestamp)

	var decoded domain.ActivityEvent
	require.NoError(t, json.Unmarshal(record.Value, &decoded))
	assert.Equal(t, event, decoded)
	assert.Contains(t, record.Headers, kgo.RecordHeader{Key: "version", Value: []byte("4")})
	assert.True(t, client.closed)
}

func TestKafkaPublisherWrapsProduceErrors(t *testing.T) {
	brokerDown := errors.New("broker down")
	publisher := newKafkaPublisherWithClient(&fakeProducer{err: brokerDown}, "audit")

	err := publisher.Notify(context.Background(), newEvent(1))

	assert.ErrorIs(t, err, brokerDown)
	assert.Equal(t, "audit", publisher.Topic())
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
