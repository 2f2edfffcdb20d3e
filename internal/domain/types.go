package domain

import "time"

// Payload is the one thing the scheduler asks of a chunk's content: how many
// activities it carries, which seeds the initial dispatch priority. Everything
// else about the payload is opaque and passed through to the submit function.
type Payload interface {
	ActivityCount() int
}

// TaskStatus is the scheduling state of a chunk task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusRetry      TaskStatus = "retry"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is one a task never leaves.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task wraps one content chunk with its scheduling metadata. A task keeps its
// ID across retries and is never deleted during a run; it only moves between
// the queued, in-flight, backoff-waiting, completed and failed collections.
type Task[P Payload] struct {
	ID          string
	CourseID    string
	Payload     P
	Priority    int
	RetryCount  int
	MaxRetries  int
	Status      TaskStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LastError   error
	Result      *Result
}

// Activity is one activity's submission outcome inside a Result.
type Activity struct {
	Name    string `json:"name,omitempty"`
	Success bool   `json:"success"`
}

// Section groups the activities created for one course section.
type Section struct {
	Name       string     `json:"name,omitempty"`
	Activities []Activity `json:"activities"`
}

// Result is what a successful submit call reports back. The scheduler treats
// it as opaque except for the Sections/Activities shape, which the summary
// introspects to count per-activity outcomes.
type Result struct {
	Message  string    `json:"message,omitempty"`
	Sections []Section `json:"sections"`
}

// FailedChunk describes one terminally failed task in a Summary.
type FailedChunk struct {
	ChunkID    string `json:"chunk_id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// Summary is the aggregate outcome report computed once every task has
// reached a terminal state.
type Summary struct {
	TotalChunks           int           `json:"total_chunks"`
	SuccessfulChunks      int           `json:"successful_chunks"`
	FailedChunks          int           `json:"failed_chunks"`
	SuccessRate           float64       `json:"success_rate"`
	TotalSections         int           `json:"total_sections"`
	TotalActivities       int           `json:"total_activities"`
	SuccessfulActivities  int           `json:"successful_activities"`
	ActivitySuccessRate   float64       `json:"activity_success_rate"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	FailedChunkDetails    []FailedChunk `json:"failed_chunk_details"`
}

// QueueEntry is one queued or backoff-waiting task in a status snapshot.
type QueueEntry struct {
	ID         string     `json:"id"`
	Priority   int        `json:"priority"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
}

// QueueStatus is a non-authoritative point-in-time snapshot of the
// scheduler, safe to take mid-run. PendingCount includes tasks waiting out a
// retry backoff.
type QueueStatus struct {
	PendingCount   int          `json:"pending_count"`
	InFlightCount  int          `json:"in_flight_count"`
	CompletedCount int          `json:"completed_count"`
	FailedCount    int          `json:"failed_count"`
	Queue          []QueueEntry `json:"queue"`
}

// Run is one finished ProcessQueue invocation as recorded in the journal.
type Run struct {
	ID         string
	CourseID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    Summary
}

// ImportSchedule is a recurring course import driven by a cron expression.
type ImportSchedule struct {
	ID        string
	Name      string
	CronExpr  string
	CourseID  string
	Source    string
	Enabled   bool
	LastRun   *time.Time
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
