// Package scheduler submits content chunks to a slow, rate-limited remote
// endpoint under a fixed concurrency bound, with priority dispatch,
// exponential-backoff retries and an aggregate outcome report.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sijadev/chunkflow/internal/backoff"
	"github.com/sijadev/chunkflow/internal/domain"
)

// ErrRunning is returned by ProcessQueue when a run is already in progress
// on the same scheduler.
var ErrRunning = errors.New("scheduler: queue is already being processed")

// SubmitFunc performs one physical submission of a chunk payload. It may be
// slow and may fail; a non-nil error marks the attempt as a retryable
// failure. It is not required to be idempotent: a retried call may repeat
// partial side effects on the remote system.
type SubmitFunc[P domain.Payload] func(ctx context.Context, courseID string, payload P) (domain.Result, error)

// ProgressFunc receives (done, total) after each task reaches a terminal
// state. Invocations are serialized; total counts every task the scheduler
// currently knows about.
type ProgressFunc func(done, total int)

// Config holds the scheduler knobs. The zero value gets the defaults
// applied by New.
type Config struct {
	MaxConcurrent  int           // simultaneous in-flight submissions, default 2
	RateLimitDelay time.Duration // minimum interval between any two submissions, default 1s
	MaxRetries     int           // retries per task after the initial attempt, default 3
	Backoff        backoff.Strategy
	Logger         zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RateLimitDelay < 0 {
		c.RateLimitDelay = 0
	} else if c.RateLimitDelay == 0 {
		c.RateLimitDelay = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Backoff == nil {
		c.Backoff = backoff.Default()
	}
}

// Scheduler owns the chunk queue, the in-flight set and the terminal
// collections for one processing run. Construct a fresh one per run.
type Scheduler[P domain.Payload] struct {
	cfg     Config
	log     zerolog.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     []*domain.Task[P]
	inFlight  map[string]*domain.Task[P]
	waiting   map[string]*domain.Task[P] // backoff between retries, not holding a slot
	completed []*domain.Task[P]
	failed    []*domain.Task[P]
	running   bool

	progressMu sync.Mutex
	wake       chan struct{}
}

// New creates a scheduler with defaults applied for unset config fields.
func New[P domain.Payload](cfg Config) *Scheduler[P] {
	cfg.applyDefaults()
	limit := rate.Inf
	if cfg.RateLimitDelay > 0 {
		limit = rate.Every(cfg.RateLimitDelay)
	}
	return &Scheduler[P]{
		cfg:      cfg,
		log:      cfg.Logger,
		limiter:  rate.NewLimiter(limit, 1),
		inFlight: make(map[string]*domain.Task[P]),
		waiting:  make(map[string]*domain.Task[P]),
		wake:     make(chan struct{}, 1),
	}
}

// AddChunks enqueues one pending task per payload and returns the new task
// IDs in submission order. Smaller chunks get a higher initial priority:
// 10 - min(activityCount, 9). The whole queue is re-sorted after insertion;
// queues are small, so correctness beats asymptotics here.
func (s *Scheduler[P]) AddChunks(courseID string, payloads []P) []string {
	now := time.Now()
	ids := make([]string, 0, len(payloads))

	s.mu.Lock()
	for _, p := range payloads {
		n := p.ActivityCount()
		if n > 9 {
			n = 9
		}
		t := &domain.Task[P]{
			ID:         "chk_" + uuid.NewString(),
			CourseID:   courseID,
			Payload:    p,
			Priority:   10 - n,
			MaxRetries: s.cfg.MaxRetries,
			Status:     domain.StatusPending,
			CreatedAt:  now,
		}
		s.queue = append(s.queue, t)
		ids = append(ids, t.ID)
	}
	s.sortQueueLocked()
	queued := len(s.queue)
	s.mu.Unlock()

	s.log.Debug().Str("course_id", courseID).Int("added", len(ids)).Int("queued", queued).Msg("chunks enqueued")
	s.signal()
	return ids
}

// sortQueueLocked orders the queue by priority (desc), then creation time;
// the stable sort keeps enqueue order for full ties. Caller holds s.mu.
func (s *Scheduler[P]) sortQueueLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// ProcessQueue runs the dispatcher until every task has reached a terminal
// state, then returns the summary. On context cancellation it stops
// dispatching, lets in-flight workers finish, and returns a partial summary
// together with the context error; terminal outcomes are never discarded.
func (s *Scheduler[P]) ProcessQueue(ctx context.Context, submit SubmitFunc[P], progress ProgressFunc) (domain.Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.Summary{}, ErrRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for {
		s.mu.Lock()
		for ctx.Err() == nil && len(s.inFlight) < s.cfg.MaxConcurrent && len(s.queue) > 0 {
			t := s.queue[0]
			s.queue = s.queue[1:]
			t.Status = domain.StatusProcessing
			t.StartedAt = time.Now()
			s.inFlight[t.ID] = t
			wg.Add(1)
			go s.run(ctx, t, submit, progress, &wg)
			s.log.Debug().Str("task_id", t.ID).Int("priority", t.Priority).Int("retry", t.RetryCount).Msg("task dispatched")
		}
		outstanding := len(s.queue) + len(s.inFlight) + len(s.waiting)
		s.mu.Unlock()

		if outstanding == 0 || ctx.Err() != nil {
			break
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
		}
	}
	wg.Wait()

	sum := s.summarize()
	s.log.Info().
		Int("total", sum.TotalChunks).
		Int("succeeded", sum.SuccessfulChunks).
		Int("failed", sum.FailedChunks).
		Dur("avg_processing", sum.AverageProcessingTime).
		Msg("queue processed")
	return sum, ctx.Err()
}

func (s *Scheduler[P]) run(ctx context.Context, t *domain.Task[P], submit SubmitFunc[P], progress ProgressFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	res, submitted, err := s.invoke(ctx, t, submit)
	s.settle(ctx, t, res, submitted, err, progress)
	s.signal()
}

// invoke waits for the shared rate limiter, then calls submit. The limiter
// is one token bucket across all workers, so two workers can never observe a
// stale last-submission time and fire inside the same interval. A panic in
// submit is captured as an ordinary failure.
func (s *Scheduler[P]) invoke(ctx context.Context, t *domain.Task[P], submit SubmitFunc[P]) (res domain.Result, submitted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submit panicked: %v", r)
		}
	}()
	if err = s.limiter.Wait(ctx); err != nil {
		// Cancelled before the submission happened; the task goes back to
		// the queue without spending a retry.
		return domain.Result{}, false, err
	}
	submitted = true
	res, err = submit(ctx, t.CourseID, t.Payload)
	return res, submitted, err
}

// settle routes a finished attempt through the outcome handler and, for
// terminal outcomes, reports progress. progressMu is taken before the state
// mutex and held across the delivery, so the counts a consumer sees are the
// counts at delivery time: calls never overlap and done never goes
// backwards. Lock order is progressMu then s.mu, nothing acquires them the
// other way around.
func (s *Scheduler[P]) settle(ctx context.Context, t *domain.Task[P], res domain.Result, submitted bool, err error, progress ProgressFunc) {
	now := time.Now()

	if progress != nil {
		s.progressMu.Lock()
		defer s.progressMu.Unlock()
	}

	s.mu.Lock()
	delete(s.inFlight, t.ID)
	switch {
	case !submitted:
		t.Status = domain.StatusPending
		s.queue = append(s.queue, t)
		s.sortQueueLocked()
	case err == nil:
		t.Status = domain.StatusCompleted
		t.Result = &res
		t.CompletedAt = now
		s.completed = append(s.completed, t)
	case t.RetryCount < t.MaxRetries:
		t.RetryCount++
		t.LastError = err
		t.Status = domain.StatusRetry
		s.waiting[t.ID] = t
		delay := s.cfg.Backoff.Delay(t.RetryCount)
		s.log.Warn().Str("task_id", t.ID).Err(err).
			Int("retry", t.RetryCount).Int("max_retries", t.MaxRetries).Dur("backoff", delay).
			Msg("submission failed, retrying")
		go s.requeueAfter(ctx, t, delay)
	default:
		t.LastError = err
		t.Status = domain.StatusFailed
		t.CompletedAt = now
		s.failed = append(s.failed, t)
		s.log.Error().Str("task_id", t.ID).Err(err).Int("retry", t.RetryCount).Msg("task failed permanently")
	}
	terminal := t.Status.Terminal()
	done := len(s.completed) + len(s.failed)
	total := done + len(s.inFlight) + len(s.queue) + len(s.waiting)
	s.mu.Unlock()

	if terminal && progress != nil {
		progress(done, total)
	}
}

// requeueAfter waits out the backoff in its own goroutine so the retry
// neither holds a concurrency slot nor blocks the dispatcher, then moves the
// task back into the queue at a reduced priority. Cancellation shortcuts the
// wait; the task is still requeued so it is never lost.
func (s *Scheduler[P]) requeueAfter(ctx context.Context, t *domain.Task[P], delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	delete(s.waiting, t.ID)
	t.Status = domain.StatusPending
	if t.Priority > 1 {
		t.Priority--
	}
	s.queue = append(s.queue, t)
	s.sortQueueLocked()
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler[P]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GetStatus returns a point-in-time snapshot for observability. It is safe
// to call mid-run and makes no authority claims: by the time the caller
// looks at it, the counts may already have moved on.
func (s *Scheduler[P]) GetStatus() domain.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := domain.QueueStatus{
		PendingCount:   len(s.queue) + len(s.waiting),
		InFlightCount:  len(s.inFlight),
		CompletedCount: len(s.completed),
		FailedCount:    len(s.failed),
		Queue:          make([]domain.QueueEntry, 0, len(s.queue)+len(s.waiting)),
	}
	for _, t := range s.queue {
		st.Queue = append(st.Queue, domain.QueueEntry{ID: t.ID, Priority: t.Priority, Status: t.Status, RetryCount: t.RetryCount})
	}
	for _, t := range s.waiting {
		st.Queue = append(st.Queue, domain.QueueEntry{ID: t.ID, Priority: t.Priority, Status: t.Status, RetryCount: t.RetryCount})
	}
	return st
}

// summarize computes the aggregate report strictly from the terminal
// collections. Successful results are the one place the scheduler looks
// inside the otherwise opaque Result, to count sections and activities.
func (s *Scheduler[P]) summarize() domain.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := domain.Summary{
		TotalChunks:        len(s.completed) + len(s.failed),
		SuccessfulChunks:   len(s.completed),
		FailedChunks:       len(s.failed),
		FailedChunkDetails: make([]domain.FailedChunk, 0, len(s.failed)),
	}

	var elapsed time.Duration
	for _, t := range s.completed {
		elapsed += t.CompletedAt.Sub(t.StartedAt)
		if t.Result == nil {
			continue
		}
		sum.TotalSections += len(t.Result.Sections)
		for _, sec := range t.Result.Sections {
			sum.TotalActivities += len(sec.Activities)
			for _, a := range sec.Activities {
				if a.Success {
					sum.SuccessfulActivities++
				}
			}
		}
	}
	for _, t := range s.failed {
		elapsed += t.CompletedAt.Sub(t.StartedAt)
		msg := ""
		if t.LastError != nil {
			msg = t.LastError.Error()
		}
		sum.FailedChunkDetails = append(sum.FailedChunkDetails, domain.FailedChunk{
			ChunkID:    t.ID,
			Error:      msg,
			RetryCount: t.RetryCount,
		})
	}

	if sum.TotalChunks > 0 {
		sum.SuccessRate = float64(sum.SuccessfulChunks) / float64(sum.TotalChunks)
		sum.AverageProcessingTime = elapsed / time.Duration(sum.TotalChunks)
	}
	if sum.TotalActivities > 0 {
		sum.ActivitySuccessRate = float64(sum.SuccessfulActivities) / float64(sum.TotalActivities)
	}
	return sum
}
