package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/engagement"
	"github.com/clipscommerce/improvement/internal/metrics"
)

func seed(t *testing.T, store datastore.Store, userID, platform string, n int) {
	t.Helper()
	rows := make([]datastore.PostMetric, n)
	for i := range rows {
		likes := int64(30 + i%25)
		rows[i] = datastore.PostMetric{
			ID:             fmt.Sprintf("%s-%s-%d", userID, platform, i),
			UserID:         userID,
			Platform:       platform,
			Niche:          "cooking",
			Caption:        "one pan pasta #dinner",
			Hashtags:       []string{"dinner"},
			Views:          2000,
			Likes:          likes,
			Comments:       int64(i % 5),
			Shares:         int64(i % 3),
			EngagementRate: float64(likes+int64(i%5)+int64(i%3)) / 2000,
			PostedAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		}
	}
	require.NoError(t, store.Upsert(context.Background(), rows))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type brokenStore struct{ datastore.Store }

func (brokenStore) Query(context.Context, datastore.Filter) ([]datastore.PostMetric, error) {
	return nil, errors.New("connection refused")
}

func newOrchestrator(t *testing.T, store datastore.Store, sinks ...EventSink) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Trainer: engagement.NewTrainer(engagement.Config{MaxEpochs: 200}),
		Store:   store,
		Sinks:   sinks,
	})
	require.NoError(t, err)
	return o
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: datastore.NewMemoryStore()})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = New(Config{Trainer: engagement.NewTrainer(engagement.Config{})})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStartTraining(t *testing.T) {
	store := datastore.NewMemoryStore()
	seed(t, store, "u1", "tiktok", 40)
	seed(t, store, "u1", "instagram", 30)
	seed(t, store, "u2", "tiktok", 100)

	sink := &recordingSink{}
	o := newOrchestrator(t, store, sink)
	events, cancel := o.Subscribe(32)
	defer cancel()

	sess, err := o.StartTraining(context.Background(), "u1", []string{"tiktok", "instagram"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, 1.0, sess.Progress)
	assert.Equal(t, map[string]int{"tiktok": 40, "instagram": 30}, sess.SamplesCollected, "only u1's posts")
	assert.Equal(t, 70, sess.Metrics.SampleCount)
	assert.False(t, sess.CompletedAt.IsZero())
	assert.Empty(t, sess.Error)

	want := []EventType{
		EventSessionStarted,
		EventSessionUpdated,
		EventSessionUpdated,
		EventDataCollectionCompleted,
		EventModelCompleted,
		EventSessionCompleted,
	}
	assert.Equal(t, want, sink.types())

	var got []Event
	for range want {
		got = append(got, <-events)
	}
	prev := -1.0
	for _, ev := range got {
		assert.Equal(t, sess.ID, ev.SessionID)
		assert.Equal(t, "u1", ev.UserID)
		assert.GreaterOrEqual(t, ev.Progress, prev, "progress never goes backwards")
		prev = ev.Progress
	}
	assert.Equal(t, 70, got[3].Data["samples"])

	stored, err := o.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, stored)
}

func TestStartTraining_SharedData(t *testing.T) {
	store := datastore.NewMemoryStore()
	seed(t, store, "u1", "tiktok", 20)
	seed(t, store, "u2", "tiktok", 40)
	o := newOrchestrator(t, store)

	sess, err := o.StartTraining(context.Background(), "u1", []string{"tiktok"},
		Options{SharedData: true, MaxSamplesPerPlatform: 50})
	require.NoError(t, err)
	assert.Equal(t, 50, sess.SamplesCollected["tiktok"])
}

func TestStartTraining_InsufficientSamples(t *testing.T) {
	store := datastore.NewMemoryStore()
	seed(t, store, "u1", "tiktok", 10)
	sink := &recordingSink{}
	o := newOrchestrator(t, store, sink)

	sess, err := o.StartTraining(context.Background(), "u1", []string{"tiktok"}, Options{MinSamples: 25})
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "need at least 25")

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventSessionFailed, types[len(types)-1])
	assert.NotContains(t, types, EventModelCompleted)

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, string(domain.KindPrecondition), last.Data["kind"])
}

func TestStartTraining_StoreFailure(t *testing.T) {
	o := newOrchestrator(t, brokenStore{})

	sess, err := o.StartTraining(context.Background(), "u1", []string{"youtube"}, Options{})
	assert.ErrorIs(t, err, domain.ErrDependency)
	assert.Equal(t, StatusFailed, sess.Status)
}

func TestStartTraining_Validation(t *testing.T) {
	o := newOrchestrator(t, datastore.NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name      string
		userID    string
		platforms []string
	}{
		{"missing user", "", []string{"tiktok"}},
		{"no platforms", "u1", nil},
		{"blank platform", "u1", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.StartTraining(ctx, tt.userID, tt.platforms, Options{})
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Empty(t, o.Sessions(), "rejected requests create no session")
}

func TestStartTraining_SinkErrorsDoNotFail(t *testing.T) {
	store := datastore.NewMemoryStore()
	seed(t, store, "u1", "tiktok", 60)
	o := newOrchestrator(t, store, &recordingSink{err: errors.New("broker down")})

	sess, err := o.StartTraining(context.Background(), "u1", []string{"tiktok"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestSession_NotFound(t *testing.T) {
	o := newOrchestrator(t, datastore.NewMemoryStore())
	_, err := o.Session("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscribe_DropsWhenFull(t *testing.T) {
	b := newBroadcaster(nil, nil)
	ch, cancel := b.subscribe(1)

	require.NoError(t, b.Publish(context.Background(), Event{Type: EventSessionStarted}))
	require.NoError(t, b.Publish(context.Background(), Event{Type: EventSessionUpdated}))

	ev := <-ch
	assert.Equal(t, EventSessionStarted, ev.Type)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestPublish_CountsDropsAndSamplesWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := metrics.New(nil)
	b := newBroadcaster(zap.New(core), m.DroppedEvents)
	_, cancel := b.subscribe(1)
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 51; i++ {
		require.NoError(t, b.Publish(ctx, Event{Type: EventSessionUpdated, Progress: float64(i)}))
	}

	assert.EqualValues(t, 50, b.Dropped())
	assert.Equal(t, 50.0, testutil.ToFloat64(m.DroppedEvents))
	warnings := logs.FilterMessage("subscriber buffer full, event dropped").Len()
	assert.GreaterOrEqual(t, warnings, 1)
	assert.LessOrEqual(t, warnings, 2, "one warning per second at most")
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSEventSink_Publish(t *testing.T) {
	pub := &fakePublisher{}
	sink := newNATSEventSink(pub, "improvement.training")

	ev := Event{Type: EventModelCompleted, SessionID: "s1", UserID: "u1", Progress: 0.9,
		Data: map[string]any{"accuracy": 0.8}}
	require.NoError(t, sink.Publish(context.Background(), ev))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "improvement.training.model_completed", pub.subjects[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "s1", decoded.SessionID)
	assert.Equal(t, 0.8, decoded.Data["accuracy"])
	assert.NoError(t, sink.Close())
}
