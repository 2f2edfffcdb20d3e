package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sijadev/chunkflow/internal/backoff"
	"github.com/sijadev/chunkflow/internal/domain"
)

// chunk is a minimal payload for tests; the scheduler only ever asks for the
// activity count.
type chunk struct {
	name       string
	activities int
}

func (c chunk) ActivityCount() int { return c.activities }

func okResult(activities int) domain.Result {
	acts := make([]domain.Activity, activities)
	for i := range acts {
		acts[i] = domain.Activity{Success: true}
	}
	return domain.Result{Sections: []domain.Section{{Activities: acts}}}
}

// fastConfig keeps timing-sensitive tests quick: effectively no rate limit
// and millisecond backoffs.
func fastConfig(maxConcurrent int) Config {
	return Config{
		MaxConcurrent:  maxConcurrent,
		RateLimitDelay: time.Millisecond,
		Backoff:        backoff.NewConstant(2 * time.Millisecond),
	}
}

func TestAddChunks_InitialPriority(t *testing.T) {
	s := New[chunk](fastConfig(1))
	ids := s.AddChunks("c1", []chunk{
		{activities: 1},  // priority 9
		{activities: 5},  // priority 5
		{activities: 42}, // clamped, priority 1
	})
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("ids must be unique and non-empty, got %v", ids)
		}
		seen[id] = true
	}

	st := s.GetStatus()
	if st.PendingCount != 3 {
		t.Fatalf("expected 3 pending, got %d", st.PendingCount)
	}
	wantPriorities := []int{9, 5, 1}
	for i, e := range st.Queue {
		if e.Priority != wantPriorities[i] {
			t.Errorf("queue[%d].Priority = %d, want %d", i, e.Priority, wantPriorities[i])
		}
		if e.Status != domain.StatusPending {
			t.Errorf("queue[%d].Status = %s, want pending", i, e.Status)
		}
	}
}

func TestDispatchOrder_PriorityThenCreation(t *testing.T) {
	s := New[chunk](fastConfig(1))
	// Enqueued out of priority order: priorities 5, 9, 7, then a second 9.
	s.AddChunks("c1", []chunk{{name: "p5", activities: 5}})
	s.AddChunks("c1", []chunk{{name: "p9-first", activities: 1}})
	s.AddChunks("c1", []chunk{{name: "p7", activities: 3}})
	s.AddChunks("c1", []chunk{{name: "p9-second", activities: 1}})

	var mu sync.Mutex
	var order []string
	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		mu.Lock()
		order = append(order, p.name)
		mu.Unlock()
		return okResult(p.activities), nil
	}

	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.SuccessfulChunks != 4 {
		t.Fatalf("expected 4 successes, got %d", sum.SuccessfulChunks)
	}
	want := []string{"p9-first", "p9-second", "p7", "p5"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestProcessQueue_AllSucceed(t *testing.T) {
	s := New[chunk](fastConfig(2))
	s.AddChunks("c1", []chunk{{activities: 1}, {activities: 3}, {activities: 5}})

	submit := func(_ context.Context, courseID string, p chunk) (domain.Result, error) {
		if courseID != "c1" {
			t.Errorf("courseID = %q, want c1", courseID)
		}
		return okResult(p.activities), nil
	}

	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.TotalChunks != 3 || sum.SuccessfulChunks != 3 || sum.FailedChunks != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", sum.SuccessRate)
	}
	if sum.TotalSections != 3 {
		t.Errorf("TotalSections = %d, want 3", sum.TotalSections)
	}
	if sum.TotalActivities != 9 || sum.SuccessfulActivities != 9 {
		t.Errorf("activities = %d/%d, want 9/9", sum.SuccessfulActivities, sum.TotalActivities)
	}
	if sum.ActivitySuccessRate != 1.0 {
		t.Errorf("ActivitySuccessRate = %v, want 1.0", sum.ActivitySuccessRate)
	}
	if len(sum.FailedChunkDetails) != 0 {
		t.Errorf("expected no failure details, got %v", sum.FailedChunkDetails)
	}
}

func TestProcessQueue_RetriesExhausted(t *testing.T) {
	s := New[chunk](Config{
		MaxConcurrent:  1,
		RateLimitDelay: time.Millisecond,
		MaxRetries:     3,
		Backoff:        backoff.NewConstant(2 * time.Millisecond),
	})
	s.AddChunks("c1", []chunk{{activities: 2}})

	var attempts atomic.Int32
	submit := func(_ context.Context, _ string, _ chunk) (domain.Result, error) {
		attempts.Add(1)
		return domain.Result{}, errors.New("remote rejected chunk")
	}

	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	// Initial attempt plus MaxRetries retries.
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if sum.FailedChunks != 1 || sum.SuccessfulChunks != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.SuccessRate != 0 {
		t.Errorf("SuccessRate = %v, want 0", sum.SuccessRate)
	}
	if len(sum.FailedChunkDetails) != 1 {
		t.Fatalf("expected 1 failure detail, got %d", len(sum.FailedChunkDetails))
	}
	d := sum.FailedChunkDetails[0]
	if d.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", d.RetryCount)
	}
	if d.Error != "remote rejected chunk" {
		t.Errorf("Error = %q", d.Error)
	}
}

func TestProcessQueue_SerializesUnderConcurrencyOne(t *testing.T) {
	s := New[chunk](fastConfig(1))
	s.AddChunks("c1", []chunk{{activities: 1}, {activities: 1}, {activities: 1}, {activities: 1}, {activities: 1}})

	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return okResult(p.activities), nil
	}

	start := time.Now()
	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.SuccessfulChunks != 5 {
		t.Fatalf("expected 5 successes, got %d", sum.SuccessfulChunks)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("5 serialized 20ms submissions took %v, want >= 100ms", elapsed)
	}
}

func TestRateLimiter_GatesAcrossWorkers(t *testing.T) {
	// Three instantly-completing submissions with three free slots must still
	// be spaced out by the shared rate limiter.
	s := New[chunk](Config{
		MaxConcurrent:  3,
		RateLimitDelay: 50 * time.Millisecond,
		Backoff:        backoff.NewConstant(time.Millisecond),
	})
	s.AddChunks("c1", []chunk{{activities: 1}, {activities: 1}, {activities: 1}})

	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		return okResult(p.activities), nil
	}

	start := time.Now()
	if _, err := s.ProcessQueue(context.Background(), submit, nil); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("3 rate-limited submissions took %v, want >= 100ms", elapsed)
	}
}

func TestConcurrencyBound_NeverExceeded(t *testing.T) {
	const bound = 2
	s := New[chunk](fastConfig(bound))
	payloads := make([]chunk, 8)
	for i := range payloads {
		payloads[i] = chunk{activities: 1}
	}
	s.AddChunks("c1", payloads)

	var active, peak atomic.Int32
	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return okResult(p.activities), nil
	}

	if _, err := s.ProcessQueue(context.Background(), submit, nil); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if got := peak.Load(); got > bound {
		t.Errorf("observed %d concurrent submissions, bound is %d", got, bound)
	}
}

func TestBackoffDoesNotHoldConcurrencySlot(t *testing.T) {
	// With one slot, a task waiting out its backoff must not block the other
	// task from being dispatched: expected order is fail, other, retry.
	s := New[chunk](Config{
		MaxConcurrent:  1,
		RateLimitDelay: time.Millisecond,
		MaxRetries:     3,
		Backoff:        backoff.NewConstant(60 * time.Millisecond),
	})
	s.AddChunks("c1", []chunk{{name: "flaky", activities: 1}})
	s.AddChunks("c1", []chunk{{name: "steady", activities: 5}})

	var mu sync.Mutex
	var order []string
	var flakyTried bool
	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		mu.Lock()
		order = append(order, p.name)
		failNow := p.name == "flaky" && !flakyTried
		if failNow {
			flakyTried = true
		}
		mu.Unlock()
		if failNow {
			return domain.Result{}, errors.New("transient")
		}
		return okResult(p.activities), nil
	}

	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.SuccessfulChunks != 2 {
		t.Fatalf("expected 2 successes, got %+v", sum)
	}
	want := []string{"flaky", "steady", "flaky"}
	if len(order) != len(want) {
		t.Fatalf("attempt order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("attempt order = %v, want %v", order, want)
		}
	}
}

func TestInvariants_ConservationAndRetryBound(t *testing.T) {
	const total = 6
	s := New[chunk](Config{
		MaxConcurrent:  3,
		RateLimitDelay: time.Millisecond,
		MaxRetries:     2,
		Backoff:        backoff.NewConstant(time.Millisecond),
	})
	payloads := make([]chunk, total)
	for i := range payloads {
		payloads[i] = chunk{activities: i + 1}
	}
	ids := s.AddChunks("c1", payloads)
	if len(ids) != total {
		t.Fatalf("expected %d ids, got %d", total, len(ids))
	}

	var calls atomic.Int32
	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		time.Sleep(2 * time.Millisecond)
		// Every third attempt fails, so some tasks retry and some fail out.
		if calls.Add(1)%3 == 0 {
			return domain.Result{}, errors.New("boom")
		}
		return okResult(p.activities), nil
	}

	// Sample the snapshot mid-run: the four collections must always account
	// for every task exactly once.
	stop := make(chan struct{})
	var violation atomic.Bool
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := s.GetStatus()
			sum := st.PendingCount + st.InFlightCount + st.CompletedCount + st.FailedCount
			if sum > total {
				violation.Store(true)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	close(stop)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if violation.Load() {
		t.Error("snapshot counted more tasks than were ever enqueued")
	}
	if sum.TotalChunks != total {
		t.Errorf("TotalChunks = %d, want %d", sum.TotalChunks, total)
	}
	if sum.SuccessfulChunks+sum.FailedChunks != total {
		t.Errorf("terminal counts %d+%d do not cover %d tasks", sum.SuccessfulChunks, sum.FailedChunks, total)
	}
	for _, d := range sum.FailedChunkDetails {
		if d.RetryCount > 2 {
			t.Errorf("task %s retried %d times, max is 2", d.ChunkID, d.RetryCount)
		}
	}
	st := s.GetStatus()
	if st.PendingCount != 0 || st.InFlightCount != 0 {
		t.Errorf("post-run snapshot still has work: %+v", st)
	}
}

func TestProgressCallback_SerializedAndMonotonic(t *testing.T) {
	const total = 10
	s := New[chunk](fastConfig(4))
	payloads := make([]chunk, total)
	for i := range payloads {
		payloads[i] = chunk{activities: 1}
	}
	s.AddChunks("c1", payloads)

	var inProgress atomic.Int32
	var overlapped atomic.Bool
	lastDone := -1
	var calls int
	progress := func(done, tot int) {
		if inProgress.Add(1) > 1 {
			overlapped.Store(true)
		}
		if done < lastDone {
			t.Errorf("done went backwards: %d after %d", done, lastDone)
		}
		lastDone = done
		calls++
		if tot > total {
			t.Errorf("total = %d, want <= %d", tot, total)
		}
		time.Sleep(time.Millisecond) // widen the race window
		inProgress.Add(-1)
	}

	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		return okResult(p.activities), nil
	}
	if _, err := s.ProcessQueue(context.Background(), submit, progress); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if overlapped.Load() {
		t.Error("progress callback invocations overlapped")
	}
	if calls != total {
		t.Errorf("progress called %d times, want %d", calls, total)
	}
	if lastDone != total {
		t.Errorf("final done = %d, want %d", lastDone, total)
	}
}

func TestProgressCallback_SequentialUnderLoad(t *testing.T) {
	// Many workers settling near-instant tasks: each delivery must carry the
	// counts of exactly one more terminal task than the one before it, so a
	// consumer can never see done move backwards.
	const total = 64
	s := New[chunk](Config{
		MaxConcurrent:  8,
		RateLimitDelay: time.Microsecond,
		Backoff:        backoff.NewConstant(time.Millisecond),
	})
	payloads := make([]chunk, total)
	for i := range payloads {
		payloads[i] = chunk{activities: 1}
	}
	s.AddChunks("c1", payloads)

	lastDone := 0
	progress := func(done, tot int) {
		if done != lastDone+1 {
			t.Errorf("done = %d delivered after %d, want %d", done, lastDone, lastDone+1)
		}
		lastDone = done
		if tot != total {
			t.Errorf("total = %d, want %d", tot, total)
		}
	}

	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		return okResult(p.activities), nil
	}
	if _, err := s.ProcessQueue(context.Background(), submit, progress); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if lastDone != total {
		t.Errorf("final done = %d, want %d", lastDone, total)
	}
}

func TestCancellation_WhileRateLimited(t *testing.T) {
	// Two free slots but a long rate interval: the second worker is blocked
	// in the limiter when the context is cancelled. Its task was never
	// physically submitted, so it must return to the queue as pending with
	// no retry spent.
	s := New[chunk](Config{
		MaxConcurrent:  2,
		RateLimitDelay: 5 * time.Second,
		MaxRetries:     3,
		Backoff:        backoff.NewConstant(time.Millisecond),
	})
	s.AddChunks("c1", []chunk{{activities: 1}, {activities: 1}})

	var attempts atomic.Int32
	submit := func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		attempts.Add(1)
		return okResult(p.activities), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	sum, err := s.ProcessQueue(ctx, submit, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Only the first task got through the limiter.
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if sum.TotalChunks != 1 || sum.SuccessfulChunks != 1 || sum.FailedChunks != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	st := s.GetStatus()
	if st.InFlightCount != 0 || st.PendingCount != 1 || st.FailedCount != 0 {
		t.Fatalf("snapshot = %+v, want the unsubmitted task pending", st)
	}
	if len(st.Queue) != 1 {
		t.Fatalf("queue snapshot = %+v, want 1 entry", st.Queue)
	}
	e := st.Queue[0]
	if e.Status != domain.StatusPending {
		t.Errorf("requeued task status = %s, want pending", e.Status)
	}
	if e.RetryCount != 0 {
		t.Errorf("requeued task RetryCount = %d, want 0 (no retry spent)", e.RetryCount)
	}
}

func TestProcessQueue_Cancellation(t *testing.T) {
	const total = 5
	s := New[chunk](fastConfig(1))
	payloads := make([]chunk, total)
	for i := range payloads {
		payloads[i] = chunk{activities: 1}
	}
	s.AddChunks("c1", payloads)

	submit := func(ctx context.Context, _ string, p chunk) (domain.Result, error) {
		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return domain.Result{}, ctx.Err()
		}
		return okResult(p.activities), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sum, err := s.ProcessQueue(ctx, submit, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// At least the first task finished before the cancel; whatever reached a
	// terminal state must be in the partial summary.
	if sum.TotalChunks == 0 {
		t.Error("partial summary discarded terminal outcomes")
	}
	if sum.TotalChunks >= total {
		t.Errorf("summary claims %d terminal tasks after an early cancel", sum.TotalChunks)
	}
	st := s.GetStatus()
	if st.InFlightCount != 0 {
		t.Errorf("workers still in flight after ProcessQueue returned: %+v", st)
	}
	if st.PendingCount+st.CompletedCount+st.FailedCount != total {
		t.Errorf("tasks lost on cancellation: %+v", st)
	}
}

func TestProcessQueue_EmptyQueue(t *testing.T) {
	s := New[chunk](fastConfig(2))
	sum, err := s.ProcessQueue(context.Background(), func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		t.Error("submit called with empty queue")
		return okResult(0), nil
	}, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.TotalChunks != 0 || sum.SuccessRate != 0 || sum.AverageProcessingTime != 0 {
		t.Errorf("unexpected summary for empty queue: %+v", sum)
	}
}

func TestProcessQueue_RejectsConcurrentRun(t *testing.T) {
	s := New[chunk](fastConfig(1))
	s.AddChunks("c1", []chunk{{activities: 1}})

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.ProcessQueue(context.Background(), func(_ context.Context, _ string, p chunk) (domain.Result, error) {
			close(started)
			<-release
			return okResult(p.activities), nil
		}, nil)
	}()
	<-started

	_, err := s.ProcessQueue(context.Background(), func(_ context.Context, _ string, p chunk) (domain.Result, error) {
		return okResult(p.activities), nil
	}, nil)
	close(release)
	if !errors.Is(err, ErrRunning) {
		t.Fatalf("err = %v, want ErrRunning", err)
	}
}

func TestSubmitPanic_TreatedAsFailure(t *testing.T) {
	s := New[chunk](Config{
		MaxConcurrent:  1,
		RateLimitDelay: time.Millisecond,
		MaxRetries:     1,
		Backoff:        backoff.NewConstant(time.Millisecond),
	})
	s.AddChunks("c1", []chunk{{activities: 1}})

	submit := func(_ context.Context, _ string, _ chunk) (domain.Result, error) {
		panic("submit blew up")
	}
	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.FailedChunks != 1 {
		t.Fatalf("expected 1 failed chunk, got %+v", sum)
	}
	if len(sum.FailedChunkDetails) != 1 || sum.FailedChunkDetails[0].RetryCount != 1 {
		t.Errorf("unexpected failure details: %+v", sum.FailedChunkDetails)
	}
}

func TestSummary_MixedActivityOutcomes(t *testing.T) {
	s := New[chunk](fastConfig(2))
	s.AddChunks("c1", []chunk{{activities: 2}, {activities: 2}})

	var n atomic.Int32
	submit := func(_ context.Context, _ string, _ chunk) (domain.Result, error) {
		if n.Add(1) == 1 {
			return domain.Result{Sections: []domain.Section{{
				Activities: []domain.Activity{{Success: true}, {Success: false}},
			}}}, nil
		}
		return okResult(2), nil
	}

	sum, err := s.ProcessQueue(context.Background(), submit, nil)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sum.TotalActivities != 4 || sum.SuccessfulActivities != 3 {
		t.Errorf("activities = %d/%d, want 3/4", sum.SuccessfulActivities, sum.TotalActivities)
	}
	if sum.ActivitySuccessRate != 0.75 {
		t.Errorf("ActivitySuccessRate = %v, want 0.75", sum.ActivitySuccessRate)
	}
}
