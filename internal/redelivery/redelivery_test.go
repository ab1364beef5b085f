package redelivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/dispatch"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/models"
)

type brokenDispatcher struct{}

func (brokenDispatcher) Dispatch(context.Context, models.RoomEvent) *dispatch.Future {
	return dispatch.Resolved(errors.New("queue unavailable"))
}

func seed(t *testing.T, l *eventlog.Log, clid string, ts time.Time) {
	t.Helper()
	_, err := l.Append(context.Background(), eventlog.AppendRequest{
		Clid: clid,
		Cid:  "GENERAL",
		Type: models.EventMessage,
		TS:   ts,
		D:    bson.D{{Key: "msg", Value: clid}},
	})
	require.NoError(t, err)
}

func TestRunOnceRedeliversOldEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	clock := now.Add(-time.Hour)
	l, err := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	seed(t, l, "old1", clock)
	clock = now.Add(-10 * time.Minute)
	seed(t, l, "old2", clock)
	clock = now
	// an imported message carries an old ts but was appended just now
	seed(t, l, "fresh", now.Add(-24*time.Hour))

	s, err := New(Config{Cron: "*/5 * * * *", MinAge: time.Minute}, l, dispatch.NewInline(l))
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := l.Undelivered(ctx, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].Clid)

	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceKeepsFailedEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	l, err := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithClock(func() time.Time { return now.Add(-time.Hour) }))
	require.NoError(t, err)
	seed(t, l, "a", now.Add(-time.Hour))

	s, err := New(Config{Cron: "* * * * *", MinAge: time.Minute, WaitTimeout: time.Second}, l, brokenDispatcher{})
	require.NoError(t, err)

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := l.Undelivered(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestBatchSize(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	l, err := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithClock(func() time.Time { return now.Add(-time.Hour) }))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		seed(t, l, id, now.Add(-time.Hour))
	}
	s, err := New(Config{Cron: "* * * * *", BatchSize: 2}, l, dispatch.NewInline(l))
	require.NoError(t, err)

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInvalidCron(t *testing.T) {
	_, err := New(Config{Cron: "whenever"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidCron)
}

func TestStartStop(t *testing.T) {
	l, err := eventlog.New(eventlog.NewMemoryStore())
	require.NoError(t, err)
	s, err := New(Config{Cron: "0 0 1 1 *"}, l, dispatch.NewInline(l))
	require.NoError(t, err)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
