package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageFetchDone))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// stalledHub has no batching goroutine and an unbuffered channel, so every
// Emit finds the buffer full.
func stalledHub(wait time.Duration) *Hub {
	return &Hub{
		cfg:    Config{LifecycleWait: wait}.withDefaults(),
		events: make(chan Event),
		stopCh: make(chan struct{}),
	}
}

func TestHubDropsPageEventsWithoutWaiting(t *testing.T) {
	t.Parallel()

	hub := stalledHub(time.Second)
	start := time.Now()
	hub.Emit(sampleEvent(StageFetchDone))
	hub.Emit(sampleEvent(StageRecordExported))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.EqualValues(t, 2, hub.Dropped())
}

func TestHubLifecycleEventsWaitThenDrop(t *testing.T) {
	t.Parallel()

	hub := stalledHub(30 * time.Millisecond)
	start := time.Now()
	hub.Emit(sampleEvent(StageShardSealed))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.EqualValues(t, 1, hub.Dropped())
}

func TestHubLifecycleEventSurvivesBriefBackpressure(t *testing.T) {
	t.Parallel()

	hub := stalledHub(time.Second)
	got := make(chan Event, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		got <- <-hub.events
	}()
	hub.Emit(sampleEvent(StageRunDone))
	require.Equal(t, StageRunDone, (<-got).Stage)
	require.Zero(t, hub.Dropped())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageShardSealed))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	hub.Emit(sampleEvent(StageRunDone))
	require.Len(t, sink.Batches(), 1, "events after Close are ignored")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{TS: time.Now(), Stage: StageRunStart})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, nilHub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"run start", Event{RunID: id, TS: now, Stage: StageRunStart}, false},
		{"missing run id", Event{TS: now, Stage: StageRunStart}, true},
		{"missing timestamp", Event{RunID: id, Stage: StageRunStart}, true},
		{"fetch without status", Event{RunID: id, TS: now, Stage: StageFetchDone, Source: "a.test"}, true},
		{"fetch", Event{RunID: id, TS: now, Stage: StageFetchDone, Source: "a.test", StatusClass: Status4xx}, false},
		{"rejected without reason", Event{RunID: id, TS: now, Stage: StageRecordRejected}, true},
		{"rejected", Event{RunID: id, TS: now, Stage: StageRecordRejected, Reason: "too_short"}, false},
		{"exported without source", Event{RunID: id, TS: now, Stage: StageRecordExported}, true},
		{"sealed without shard", Event{RunID: id, TS: now, Stage: StageShardSealed}, true},
		{"negative duration", Event{RunID: id, TS: now, Stage: StageRunDone, Dur: -time.Second}, true},
		{"unknown stage", Event{RunID: id, TS: now, Stage: "NOPE"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRunIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	parsed, err := ParseRunID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, Event{RunID: parsed}.RunUUID())

	_, err = ParseRunID("not-a-uuid")
	require.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(429))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID:  UUIDToBytes(uuid.New()),
		TS:     time.Now(),
		Stage:  stage,
		Source: "example.com",
	}
	switch stage {
	case StageFetchDone:
		evt.StatusClass = Status2xx
	case StageRecordRejected:
		evt.Reason = "duplicate"
	case StageShardSealed, StageRecordExported:
		evt.Shard = "shard-000001"
	}
	return evt
}
