package lane

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Task is one unit of serialized work.
type Task func(ctx context.Context) (interface{}, error)

var (
	ErrClosed   = errors.New("lane queue closed")
	ErrPanicked = errors.New("lane task panicked")
)

// Options configures a Queue.
type Options struct {
	// Name labels metrics and spans, e.g. "turn".
	Name string
	// WarnAfter logs a warning when a task waits longer than this. Zero disables it.
	WarnAfter time.Duration
	// DedupTTL is how long EnqueueOnce remembers finished results.
	DedupTTL time.Duration
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// Queue runs tasks serially per key.
type Queue struct {
	name      string
	warnAfter time.Duration
	dedup     *dedupCache

	mu     sync.Mutex
	lanes  map[string]*laneState
	depth  int
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Queue.
func New(opts Options) *Queue {
	observability.EnsureRegistered()
	if opts.Name == "" {
		opts.Name = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:      opts.Name,
		warnAfter: opts.WarnAfter,
		dedup:     newDedupCache(ctx, opts.DedupTTL),
		lanes:     make(map[string]*laneState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends task to the lane of key and waits for its result. If ctx
// is done while the task is still queued it is dropped and ctx.Err() is
// returned; once started, the task observes ctx and Enqueue waits for it.
func (q *Queue) Enqueue(ctx context.Context, key string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "concierge.lane", "lane.enqueue", attribute.String("lane", q.name))
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	rec := &taskRecord{
		id:         q.name + "-" + strconv.FormatUint(q.seq, 10),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, ok := q.lanes[key]
	if !ok {
		ls = &laneState{}
		q.lanes[key] = ls
	}
	ls.queue = append(ls.queue, rec)
	q.depth++
	depth := q.depth
	if !ls.running {
		ls.running = true
		q.wg.Add(1)
		go q.drain(key, ls)
	}
	q.mu.Unlock()
	observability.SetLaneDepth(q.name, depth)

	var warn <-chan time.Time
	if q.warnAfter > 0 {
		timer := time.NewTimer(q.warnAfter)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case res := <-rec.result:
			if res.err != nil {
				tracing.RecordError(span, res.err)
			}
			return res.value, res.err
		case <-warn:
			warn = nil
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().
				Str("lane", q.name).
				Str("task_id", rec.id).
				Dur("waited", time.Since(rec.enqueuedAt)).
				Msg("Task waiting longer than expected")
		case <-ctx.Done():
			if q.remove(key, rec) {
				tracing.RecordError(span, ctx.Err())
				return nil, ctx.Err()
			}
			res := <-rec.result
			return res.value, res.err
		}
	}
}

// EnqueueOnce is Enqueue deduplicated by requestID: concurrent and recent
// calls with the same requestID share one execution and its result. An
// empty requestID disables deduplication.
func (q *Queue) EnqueueOnce(ctx context.Context, key, requestID string, task Task) (interface{}, bool, error) {
	if requestID == "" {
		v, err := q.Enqueue(ctx, key, task)
		return v, false, err
	}
	return q.dedup.do(requestID, func() (interface{}, error) {
		return q.Enqueue(ctx, key, task)
	})
}

// remove drops rec from its lane if it has not started yet.
func (q *Queue) remove(key string, rec *taskRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.lanes[key]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == rec {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			q.depth--
			observability.SetLaneDepth(q.name, q.depth)
			return true
		}
	}
	return false
}

func (q *Queue) drain(key string, ls *laneState) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			if q.lanes[key] == ls {
				delete(q.lanes, key)
			}
			q.mu.Unlock()
			return
		}
		rec := ls.queue[0]
		ls.queue = ls.queue[1:]
		q.depth--
		depth := q.depth
		q.mu.Unlock()

		q.execute(rec, depth)
	}
}

func (q *Queue) execute(rec *taskRecord, depth int) {
	ctx, span := tracing.StartSpan(rec.ctx, "concierge.lane", "lane.execute",
		attribute.String("lane", q.name),
		attribute.String("task_id", rec.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := q.run(runCtx, rec)
	duration := time.Since(start)

	rec.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Debug().Str("lane", q.name).Str("task_id", rec.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", q.name).Str("task_id", rec.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordLaneTask(q.name, duration, err == nil, depth)
}

func (q *Queue) run(ctx context.Context, rec *taskRecord) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("lane", q.name).Str("task_id", rec.id).Interface("panic", r).Msg("Task panicked")
			value, err = nil, fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return rec.task(ctx)
}

// Depth returns the number of queued, not yet running, tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Active returns the number of keys with queued or running work.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close rejects queued tasks and waits for running ones. When ctx is done
// first, running tasks are cancelled and Close still waits for them to
// return.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cleared := 0
	for _, ls := range q.lanes {
		for _, rec := range ls.queue {
			rec.result <- taskResult{err: ErrClosed}
			cleared++
		}
		ls.queue = nil
	}
	q.depth = 0
	q.mu.Unlock()
	observability.SetLaneDepth(q.name, 0)
	if cleared > 0 {
		log.Info().Str("lane", q.name).Int("cleared", cleared).Msg("Rejected queued tasks on close")
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		q.cancel()
		<-done
	}
	q.cancel()
	q.dedup.Stop()
	return err
}
