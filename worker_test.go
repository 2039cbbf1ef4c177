package laneq

import (
	"context"
	"errors"
	"testing"
	"time"

	ikeys "github.com/laneq/laneq-go/internal/keys"
	"github.com/laneq/laneq-go/internal/rq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, rdb redis.UniversalClient, lanes *Lanes, lane string, h Handler) *Worker {
	t.Helper()
	w, err := NewWorker(rdb, WorkerConfig{
		Lane:    lane,
		Lanes:   lanes,
		Limiter: NewRateLimiter(rdb, RateLimiterConfig{Prefix: "laneq:work", Logger: noopLogger{}}),
		Logger:  noopLogger{},
	}, h)
	require.NoError(t, err)
	return w
}

func leaseOne(t *testing.T, rdb redis.UniversalClient, queue string, raw []byte) []byte {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rq.Publish(ctx, rdb, queue, raw))
	leased, err := rq.Dequeue(ctx, rdb, queue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	return leased
}

func TestNewWorker_UnknownLaneFailsFast(t *testing.T) {
	_, rdb := newMiniClient(t)
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 10, DelayTTL: time.Second})
	require.NoError(t, err)

	_, err = NewWorker(rdb, WorkerConfig{Lane: "mistral", Lanes: lanes}, nil)
	require.ErrorIs(t, err, ErrUnknownLane)

	_, err = NewWorker(rdb, WorkerConfig{Lane: "", Lanes: lanes}, nil)
	require.ErrorIs(t, err, ErrUnknownLane)
}

func TestWorker_RateDeniedRequeuesToSameLane(t *testing.T) {
	_, rdb := newMiniClient(t)
	ctx := context.Background()
	// zero capacity: the local budget is always exhausted
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 0, DelayTTL: time.Second})
	require.NoError(t, err)
	w := newTestWorker(t, rdb, lanes, "openai", func(ctx context.Context, job *Job) ([]byte, error) {
		t.Fatal("handler must not run when the local budget is exhausted")
		return nil, nil
	})

	raw := leaseOne(t, rdb, "openai", []byte(`{"id":"J1"}`))
	require.True(t, w.processOne(ctx, raw), "denial must be reported for backoff")

	// back on the openai queue, not dead-lettered, not lost
	nReady, _ := rdb.LLen(ctx, ikeys.Ready("openai")).Result()
	require.Equal(t, int64(1), nReady)
	nProc, _ := rdb.ZCard(ctx, ikeys.Processing("openai")).Result()
	require.Zero(t, nProc)
	nDead, _ := rdb.LLen(ctx, ikeys.Ready(defaultDeadLetterQueue)).Result()
	require.Zero(t, nDead)
}

func TestWorker_SuccessAcksAndPublishesResult(t *testing.T) {
	_, rdb := newMiniClient(t)
	ctx := context.Background()
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 10, DelayTTL: time.Second})
	require.NoError(t, err)
	w := newTestWorker(t, rdb, lanes, "openai", func(ctx context.Context, job *Job) ([]byte, error) {
		return []byte(`{"sentiment":"positive"}`), nil
	})

	raw := leaseOne(t, rdb, "openai", []byte(`{"id":"J1","text":"great"}`))
	require.False(t, w.processOne(ctx, raw))

	nProc, _ := rdb.ZCard(ctx, ikeys.Processing("openai")).Result()
	require.Zero(t, nProc)

	results, err := rdb.LRange(ctx, ikeys.Ready(defaultResultsQueue), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, results, 1)

	var res Result
	require.NoError(t, (&JSONEncoder{}).Decode([]byte(results[0]), &res))
	require.Equal(t, "J1", res.JobID)
	require.Equal(t, "openai", res.Lane)
	require.JSONEq(t, `{"sentiment":"positive"}`, string(res.Output))
	require.NotZero(t, res.CompletedAt)
}

func TestWorker_HandlerFailureDeadLettersWithDetail(t *testing.T) {
	_, rdb := newMiniClient(t)
	ctx := context.Background()
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 10, DelayTTL: time.Second})
	require.NoError(t, err)
	w := newTestWorker(t, rdb, lanes, "openai", func(ctx context.Context, job *Job) ([]byte, error) {
		return nil, errors.New("provider returned 503")
	})

	raw := leaseOne(t, rdb, "openai", []byte(`{"id":"J1"}`))
	w.processOne(ctx, raw)

	// not requeued: processing failures are defects, not capacity pressure
	nReady, _ := rdb.LLen(ctx, ikeys.Ready("openai")).Result()
	require.Zero(t, nReady)
	nProc, _ := rdb.ZCard(ctx, ikeys.Processing("openai")).Result()
	require.Zero(t, nProc)

	dead, err := rdb.LRange(ctx, ikeys.Ready(defaultDeadLetterQueue), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)

	var rec DeadLetter
	require.NoError(t, (&JSONEncoder{}).Decode([]byte(dead[0]), &rec))
	require.Equal(t, `{"id":"J1"}`, string(rec.Job))
	require.Equal(t, "provider returned 503", rec.Error)
	require.Equal(t, "openai", rec.Lane)
}

func TestWorker_PoisonMessageDeadLetters(t *testing.T) {
	_, rdb := newMiniClient(t)
	ctx := context.Background()
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 10, DelayTTL: time.Second})
	require.NoError(t, err)
	w := newTestWorker(t, rdb, lanes, "openai", func(ctx context.Context, job *Job) ([]byte, error) {
		return nil, nil
	})

	raw := leaseOne(t, rdb, "openai", []byte(`not json`))
	w.processOne(ctx, raw)

	dead, err := rdb.LRange(ctx, ikeys.Ready(defaultDeadLetterQueue), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	nProc, _ := rdb.ZCard(ctx, ikeys.Processing("openai")).Result()
	require.Zero(t, nProc)

	// the record carries the original bytes even though they never parsed
	var rec DeadLetter
	require.NoError(t, (&JSONEncoder{}).Decode([]byte(dead[0]), &rec))
	var original string
	require.NoError(t, (&JSONEncoder{}).Decode(rec.Job, &original))
	require.Equal(t, "not json", original)
}

func TestWorker_MiddlewareWrapsHandler(t *testing.T) {
	_, rdb := newMiniClient(t)
	ctx := context.Background()
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 10, DelayTTL: time.Second})
	require.NoError(t, err)

	var order []string
	w := newTestWorker(t, rdb, lanes, "openai", func(ctx context.Context, job *Job) ([]byte, error) {
		order = append(order, "handler")
		return nil, nil
	})
	w.Use(func(next Handler) Handler {
		return func(ctx context.Context, job *Job) ([]byte, error) {
			order = append(order, "first")
			return next(ctx, job)
		}
	})
	w.Use(func(next Handler) Handler {
		return func(ctx context.Context, job *Job) ([]byte, error) {
			order = append(order, "second")
			return next(ctx, job)
		}
	})

	raw := leaseOne(t, rdb, "openai", []byte(`{"id":"J1"}`))
	w.processOne(ctx, raw)
	require.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestWorker_EndToEnd_DrainsLane(t *testing.T) {
	_, rdb := newMiniClient(t)
	ctx := context.Background()
	lanes, err := NewLanes("openai", Lane{Name: "openai", Capacity: 100, DelayTTL: time.Second})
	require.NoError(t, err)

	processed := make(chan string, 2)
	w := newTestWorker(t, rdb, lanes, "openai", func(ctx context.Context, job *Job) ([]byte, error) {
		processed <- job.ID
		return []byte(`"ok"`), nil
	})

	require.NoError(t, rq.Publish(ctx, rdb, "openai", []byte(`{"id":"J1"}`)))
	require.NoError(t, rq.Publish(ctx, rdb, "openai", []byte(`{"id":"J2"}`)))

	w.Start()
	defer w.Stop()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-processed:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	require.True(t, got["J1"] && got["J2"])
}
