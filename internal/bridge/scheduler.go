package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"dcrelay/internal/types"
)

// Result classifies one delivery attempt.
type Result int

const (
	ResultSent Result = iota
	ResultFailed
	ResultDeferred
	ResultRetry
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultFailed:
		return "failed"
	case ResultDeferred:
		return "deferred"
	default:
		return "retry"
	}
}

// AttemptFunc performs one delivery attempt.
type AttemptFunc func(ctx context.Context, msg *types.BridgeMessage) (types.Ack, error)

// ReportFunc receives the outcome of every attempt. For ResultRetry, wait
// is the backoff before the next attempt.
type ReportFunc func(msg *types.BridgeMessage, result Result, ack types.Ack, err error, wait time.Duration)

// SchedulerConfig sizes the worker pool and the retry policy.
type SchedulerConfig struct {
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

type roomQueue struct {
	messages []*types.BridgeMessage
	// scheduled is set while the room is on the ready list, being worked
	// on, or waiting out a backoff.
	scheduled bool
	backoff   *backoff.ExponentialBackOff
}

// Scheduler delivers messages with per-room FIFO order over a fixed pool
// of workers. Rooms interleave; within a room the head message blocks the
// rest until it reaches a terminal or deferred state.
type Scheduler struct {
	cfg     SchedulerConfig
	attempt AttemptFunc
	report  ReportFunc
	log     zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	rooms    map[string]*roomQueue
	ready    []string
	timers   map[string]*time.Timer
	queued   int
	started  bool
	stopping bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg SchedulerConfig, attempt AttemptFunc, report ReportFunc, log zerolog.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		attempt: attempt,
		report:  report,
		log:     log.With().Str("component", "scheduler").Logger(),
		rooms:   make(map[string]*roomQueue),
		timers:  make(map[string]*time.Timer),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the workers. Attempts run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	go func() {
		<-s.runCtx.Done()
		if s.halt() {
			s.log.Warn().Msg("Scheduler context ended, queued messages stay pending")
		}
	}()
	s.log.Debug().Int("workers", s.cfg.Workers).Msg("Scheduler started")
}

// Enqueue appends msg to its room queue. It never blocks.
func (s *Scheduler) Enqueue(msg *types.BridgeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return types.ErrSchedulerStopped
	}

	key := msg.RoomKey()
	q, ok := s.rooms[key]
	if !ok {
		q = &roomQueue{}
		s.rooms[key] = q
	}
	q.messages = append(q.messages, msg)
	s.queued++
	if !q.scheduled {
		q.scheduled = true
		s.ready = append(s.ready, key)
		s.cond.Signal()
	}
	return nil
}

// Queued returns the number of messages waiting or in flight.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopping {
			s.cond.Wait()
		}
		if s.stopping {
			s.mu.Unlock()
			return
		}
		key := s.ready[0]
		s.ready = s.ready[1:]
		q := s.rooms[key]
		msg := q.messages[0]
		s.mu.Unlock()

		s.process(key, q, msg)
	}
}

func (s *Scheduler) process(key string, q *roomQueue, msg *types.BridgeMessage) {
	msg.Attempts++
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.AttemptTimeout)
	ack, err := s.attempt(ctx, msg)
	cancel()

	if err != nil && s.runCtx.Err() != nil {
		// the run context ended mid-attempt; the message stays pending
		msg.Attempts--
		s.mu.Lock()
		q.scheduled = false
		s.mu.Unlock()
		return
	}

	result := s.classify(msg, err)
	var wait time.Duration
	if result == ResultRetry {
		if q.backoff == nil {
			q.backoff = s.newBackoff()
		}
		wait = q.backoff.NextBackOff()
	}
	s.report(msg, result, ack, err, wait)

	s.mu.Lock()
	defer s.mu.Unlock()

	if result == ResultRetry {
		if s.stopping {
			return
		}
		s.timers[key] = time.AfterFunc(wait, func() { s.rearm(key) })
		return
	}

	q.messages = q.messages[1:]
	q.backoff = nil
	s.queued--
	if len(q.messages) == 0 {
		q.scheduled = false
		delete(s.rooms, key)
		return
	}
	s.ready = append(s.ready, key)
	s.cond.Signal()
}

func (s *Scheduler) rearm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, key)
	if s.stopping {
		return
	}
	s.ready = append(s.ready, key)
	s.cond.Signal()
}

func (s *Scheduler) classify(msg *types.BridgeMessage, err error) Result {
	switch {
	case err == nil:
		return ResultSent
	case errors.Is(err, types.ErrUnmappedRoom), errors.Is(err, types.ErrNetworkDisabled):
		return ResultDeferred
	case types.IsPermanent(err):
		return ResultFailed
	case msg.Attempts >= s.cfg.MaxAttempts:
		return ResultFailed
	default:
		// transient, unclassified and timed out attempts are retried
		return ResultRetry
	}
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Shutdown stops taking new work, waits for in-flight attempts until ctx
// expires and then cancels them. Queued messages are left untouched.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.halt()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.log.Warn().Msg("Shutdown grace expired, in-flight deliveries cancelled")
		return ctx.Err()
	}
}

// halt stops intake, drops pending backoff timers and wakes idle workers so
// they exit. It reports whether this call did the stopping.
func (s *Scheduler) halt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.stopping = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.cond.Broadcast()
	return true
}
