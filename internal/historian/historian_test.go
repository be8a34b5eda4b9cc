package historian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) InsertEvents(_ context.Context, evs []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// flakySink fails the first n inserts, then behaves like memorySink.
type flakySink struct {
	memorySink
	failures int
	calls    int
}

func (s *flakySink) InsertEvents(ctx context.Context, evs []Event) error {
	s.mu.Lock()
	s.calls++
	failing := s.calls <= s.failures
	s.mu.Unlock()
	if failing {
		return errors.New("database unavailable")
	}
	return s.memorySink.InsertEvents(ctx, evs)
}

func runDrainer(t *testing.T, d *Drainer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func newRedis(t *testing.T) *redis.Client {
	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRecorderPushesJSON(t *testing.T) {
	rdb := newRedis(t)
	rec := NewRedisRecorder(rdb, "")
	ctx := context.Background()

	ev := NewEvent(uuid.New(), 3, uuid.New(), EventAnswerAccepted, map[string]any{"item_id": "fr"})
	require.NoError(t, rec.Record(ctx, ev))

	n, err := rdb.LLen(ctx, DefaultQueueName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDrainerFlushesToSink(t *testing.T) {
	rdb := newRedis(t)
	rec := NewRedisRecorder(rdb, "q")
	sink := &memorySink{}

	logger := logrus.New()
	d := NewDrainer(rdb, "q", sink, 2, 50*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	lobbyID := uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Record(context.Background(), NewEvent(lobbyID, int64(i+1), uuid.Nil, EventMatchStarted, nil)))
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, 4*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, lobbyID, sink.events[0].LobbyID)
}

func TestDrainerKeepsBatchUntilSinkRecovers(t *testing.T) {
	rdb := newRedis(t)
	rec := NewRedisRecorder(rdb, "q")
	sink := &flakySink{failures: 3}

	logger, hook := test.NewNullLogger()
	d := NewDrainer(rdb, "q", sink, 4, 20*time.Millisecond, logger)
	d.retryMin, d.retryMax = 10*time.Millisecond, 40*time.Millisecond

	lobbyID := uuid.New()
	for i := 0; i < 10; i++ {
		require.NoError(t, rec.Record(context.Background(), NewEvent(lobbyID, int64(i+1), uuid.Nil, EventLifeLost, nil)))
	}
	stop := runDrainer(t, d)
	require.Eventually(t, func() bool { return sink.count() == 10 }, 4*time.Second, 20*time.Millisecond)
	stop()

	// every event landed exactly once, in queue order
	require.Len(t, sink.events, 10)
	for i, ev := range sink.events {
		assert.Equal(t, int64(i+1), ev.Revision)
	}
	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 3, errorsLogged)
}

func TestDrainerBacksOffWhileRedisIsDown(t *testing.T) {
	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mini.Close()

	logger, hook := test.NewNullLogger()
	d := NewDrainer(rdb, "q", &memorySink{}, 2, 20*time.Millisecond, logger)
	d.retryMin, d.retryMax = 50*time.Millisecond, time.Second

	stop := runDrainer(t, d)
	time.Sleep(300 * time.Millisecond)
	stop()

	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.GreaterOrEqual(t, errorsLogged, 1)
	assert.LessOrEqual(t, errorsLogged, 6, "pop errors are retried with backoff")
}
