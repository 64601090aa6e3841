package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/types"
)

type reportLog struct {
	mu      sync.Mutex
	results map[string][]Result
	order   []string
}

func newReportLog() *reportLog {
	return &reportLog{results: make(map[string][]Result)}
}

func (r *reportLog) report(msg *types.BridgeMessage, result Result, _ types.Ack, _ error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[msg.ID] = append(r.results[msg.ID], result)
	if result != ResultRetry {
		r.order = append(r.order, msg.ID)
	}
}

func (r *reportLog) final(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[id]
	if len(res) == 0 || res[len(res)-1] == ResultRetry {
		return 0, false
	}
	return res[len(res)-1], true
}

func (r *reportLog) done() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:        4,
		MaxAttempts:    3,
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func TestSchedulerKeepsRoomOrder(t *testing.T) {
	var mu sync.Mutex
	delivered := map[string][]string{}
	attempt := func(_ context.Context, msg *types.BridgeMessage) (types.Ack, error) {
		mu.Lock()
		delivered[msg.RoomID] = append(delivered[msg.RoomID], msg.ID)
		mu.Unlock()
		return types.Ack{}, nil
	}
	log := newReportLog()
	s := NewScheduler(testSchedulerConfig(), attempt, log.report, zerolog.Nop())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	for i := 0; i < 20; i++ {
		for _, room := range []string{"r1", "r2", "r3"} {
			msg := newMessage(fmt.Sprintf("%s-%02d", room, i), "u", room, "x", time.Now())
			require.NoError(t, s.Enqueue(msg))
		}
	}
	require.Eventually(t, func() bool { return log.done() == 60 }, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, room := range []string{"r1", "r2", "r3"} {
		ids := delivered[room]
		require.Len(t, ids, 20)
		for i, id := range ids {
			assert.Equal(t, fmt.Sprintf("%s-%02d", room, i), id)
		}
	}
	assert.Equal(t, 0, s.Queued())
}

func TestSchedulerRetriesTransientThenSends(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var seen []string
	attempt := func(_ context.Context, msg *types.BridgeMessage) (types.Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.ID)
		if msg.ID == "first" {
			calls++
			if calls < 3 {
				return types.Ack{}, types.Transient("rate limited", errors.New("429"))
			}
		}
		return types.Ack{MessageID: "remote"}, nil
	}
	log := newReportLog()
	s := NewScheduler(testSchedulerConfig(), attempt, log.report, zerolog.Nop())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Enqueue(newMessage("first", "u", "r1", "a", time.Now())))
	require.NoError(t, s.Enqueue(newMessage("second", "u", "r1", "b", time.Now())))

	require.Eventually(t, func() bool { return log.done() == 2 }, 5*time.Second, 5*time.Millisecond)
	res, _ := log.final("first")
	assert.Equal(t, ResultSent, res)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "first", "first", "second"}, seen, "the room head blocks later messages while retrying")
}

func TestSchedulerTerminalOutcomes(t *testing.T) {
	attempt := func(_ context.Context, msg *types.BridgeMessage) (types.Ack, error) {
		switch msg.ID {
		case "permanent":
			return types.Ack{}, types.Permanent("forbidden", errors.New("403"))
		case "flaky":
			return types.Ack{}, types.Transient("timeout", errors.New("timeout"))
		case "unmapped":
			return types.Ack{}, types.ErrUnmappedRoom
		case "disabled":
			return types.Ack{}, fmt.Errorf("%w: B", types.ErrNetworkDisabled)
		}
		return types.Ack{}, nil
	}
	log := newReportLog()
	s := NewScheduler(testSchedulerConfig(), attempt, log.report, zerolog.Nop())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	for i, id := range []string{"permanent", "flaky", "unmapped", "disabled"} {
		require.NoError(t, s.Enqueue(newMessage(id, "u", fmt.Sprintf("r%d", i), "x", time.Now())))
	}
	require.Eventually(t, func() bool { return log.done() == 4 }, 5*time.Second, 5*time.Millisecond)

	res, _ := log.final("permanent")
	assert.Equal(t, ResultFailed, res)
	res, _ = log.final("flaky")
	assert.Equal(t, ResultFailed, res)
	res, _ = log.final("unmapped")
	assert.Equal(t, ResultDeferred, res)
	res, _ = log.final("disabled")
	assert.Equal(t, ResultDeferred, res)

	log.mu.Lock()
	assert.Len(t, log.results["flaky"], 3, "two retries then the final failure")
	assert.Len(t, log.results["permanent"], 1)
	log.mu.Unlock()
}

func TestSchedulerShutdownLeavesQueuedMessages(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	attempt := func(ctx context.Context, _ *types.BridgeMessage) (types.Ack, error) {
		started <- struct{}{}
		select {
		case <-release:
			return types.Ack{}, nil
		case <-ctx.Done():
			return types.Ack{}, ctx.Err()
		}
	}
	log := newReportLog()
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	s := NewScheduler(cfg, attempt, log.report, zerolog.Nop())
	s.Start(context.Background())

	head := newMessage("head", "u", "r1", "a", time.Now())
	require.NoError(t, s.Enqueue(head))
	require.NoError(t, s.Enqueue(newMessage("tail", "u", "r1", "b", time.Now())))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("head message was never attempted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 0, log.done(), "a cancelled attempt is not reported")
	assert.Equal(t, 0, head.Attempts)
	assert.ErrorIs(t, s.Enqueue(newMessage("late", "u", "r1", "c", time.Now())), types.ErrSchedulerStopped)
	close(release)
}

func TestSchedulerAttemptTimeoutIsTransient(t *testing.T) {
	attempt := func(ctx context.Context, _ *types.BridgeMessage) (types.Ack, error) {
		<-ctx.Done()
		return types.Ack{}, ctx.Err()
	}
	log := newReportLog()
	cfg := testSchedulerConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	s := NewScheduler(cfg, attempt, log.report, zerolog.Nop())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	msg := newMessage("slow", "u", "r1", "x", time.Now())
	require.NoError(t, s.Enqueue(msg))
	require.Eventually(t, func() bool { return log.done() == 1 }, 5*time.Second, 5*time.Millisecond)

	log.mu.Lock()
	assert.Equal(t, []Result{ResultRetry, ResultRetry, ResultFailed}, log.results["slow"])
	log.mu.Unlock()
	assert.Equal(t, cfg.MaxAttempts, msg.Attempts)
	assert.Eventually(t, func() bool { return s.Queued() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerParentCancelReleasesRoom(t *testing.T) {
	started := make(chan struct{}, 1)
	attempt := func(ctx context.Context, _ *types.BridgeMessage) (types.Ack, error) {
		started <- struct{}{}
		<-ctx.Done()
		return types.Ack{}, ctx.Err()
	}
	log := newReportLog()
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	s := NewScheduler(cfg, attempt, log.report, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	head := newMessage("head", "u", "r1", "a", time.Now())
	require.NoError(t, s.Enqueue(head))
	require.NoError(t, s.Enqueue(newMessage("tail", "u", "r1", "b", time.Now())))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("head message was never attempted")
	}

	cancel()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		q := s.rooms[head.RoomKey()]
		return s.stopping && q != nil && !q.scheduled
	}, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	assert.Len(t, s.rooms[head.RoomKey()].messages, 2)
	s.mu.Unlock()
	assert.Equal(t, 0, head.Attempts)
	assert.Equal(t, 2, s.Queued())
	assert.Equal(t, 0, log.done())
	assert.ErrorIs(t, s.Enqueue(newMessage("late", "u", "r1", "c", time.Now())), types.ErrSchedulerStopped)

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, s.Shutdown(shutdownCtx), "workers exit without waiting for the grace period")
}
