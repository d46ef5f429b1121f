package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/mm-riskcore/internal/model"
)

type failingBackend struct{ calls atomic.Int32 }

func (f *failingBackend) Name() string { return "failing" }
func (f *failingBackend) Publish(context.Context, model.Event) error {
	f.calls.Add(1)
	return errors.New("boom")
}

type panickingBackend struct{}

func (panickingBackend) Name() string { return "panicking" }
func (panickingBackend) Publish(context.Context, model.Event) error {
	panic("backend exploded")
}

type blockingBackend struct{ release chan struct{} }

func (b *blockingBackend) Name() string { return "blocking" }
func (b *blockingBackend) Publish(ctx context.Context, _ model.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestAsyncSink_DeliversToAllBackends(t *testing.T) {
	rec := NewRecorder()
	bad := &failingBackend{}
	s := NewAsyncSink(AsyncConfig{}, nil, bad, panickingBackend{}, rec)

	for i := 0; i < 10; i++ {
		s.Record(model.Event{Type: model.EventOrderPlaced, MarketID: "m1", Asset: "BTC"})
	}
	require.NoError(t, s.Close(context.Background()))

	evs := rec.Events()
	assert.Len(t, evs, 10, "failing and panicking backends must not stop delivery")
	assert.EqualValues(t, 10, bad.calls.Load())
	assert.False(t, evs[0].Timestamp.IsZero(), "timestamp should be filled in")
}

func TestAsyncSink_RecordNeverBlocks(t *testing.T) {
	slow := &blockingBackend{release: make(chan struct{})}
	s := NewAsyncSink(AsyncConfig{Buffer: 2, PublishTimeout: time.Second}, nil, slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Record(model.Event{Type: model.EventOrderCapBlocked})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	close(slow.release)
	require.NoError(t, s.Close(context.Background()))
}

func TestAsyncSink_RecordAfterCloseIsDropped(t *testing.T) {
	rec := NewRecorder()
	s := NewAsyncSink(AsyncConfig{}, nil, rec)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "close must be idempotent")

	assert.NotPanics(t, func() { s.Record(model.Event{Type: "late"}) })
	assert.Empty(t, rec.Events())
}

func TestRecorder_OfType(t *testing.T) {
	rec := NewRecorder()
	rec.Record(model.Event{Type: model.EventOrderClamped})
	rec.Record(model.Event{Type: model.EventOrderPlaced})
	rec.Record(model.Event{Type: model.EventOrderClamped})

	assert.Len(t, rec.OfType(model.EventOrderClamped), 2)
	assert.Len(t, rec.OfType(model.EventInvariantViolation), 0)
}

type memEventStore struct {
	evs      []model.Event
	attempts []model.OrderAttempt
}

func (m *memEventStore) InsertEvent(_ context.Context, ev model.Event) error {
	m.evs = append(m.evs, ev)
	return nil
}

func (m *memEventStore) InsertAttempt(_ context.Context, a model.OrderAttempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

func TestStoreBackend(t *testing.T) {
	st := &memEventStore{}
	b := StoreBackend{Store: st}
	require.NoError(t, b.Publish(context.Background(), model.Event{Type: model.EventMarketCleared}))
	assert.Equal(t, "store", b.Name())
	assert.Len(t, st.evs, 1)
}

func TestStoreBackend_RoutesAttempts(t *testing.T) {
	st := &memEventStore{}
	b := StoreBackend{Store: st}

	a := model.OrderAttempt{ID: "a1", MarketID: "m1", Asset: "BTC", Decision: model.DecisionBlock}
	require.NoError(t, b.Publish(context.Background(), model.Event{
		Type: model.EventOrderAttempt,
		Data: map[string]any{"attempt": a},
	}))
	require.Len(t, st.attempts, 1)
	assert.Equal(t, "a1", st.attempts[0].ID)
	assert.Empty(t, st.evs)

	// Without a typed attempt the event is stored as-is.
	require.NoError(t, b.Publish(context.Background(), model.Event{Type: model.EventOrderAttempt}))
	assert.Len(t, st.evs, 1)
}
