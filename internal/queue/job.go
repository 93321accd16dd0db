package queue

import (
	"errors"
	"time"
)

var (
	// ErrInvalidJob is returned by Submit for a blank topic or no examples.
	ErrInvalidJob = errors.New("invalid training job")
	// ErrNotCancellable is returned by Cancel for jobs that already left the queue.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrNotFound is returned by Cancel for an id the queue does not know.
	ErrNotFound = errors.New("job not found")
	// ErrQueueFull is returned by Submit when MaxQueued jobs are already waiting.
	ErrQueueFull = errors.New("training queue is full")
	// ErrOutOfMemory is wrapped by trainers when the run exhausted RAM or VRAM.
	ErrOutOfMemory = errors.New("training ran out of memory")
)

// AutoPriority asks Submit to derive the priority from how recently the
// topic was last submitted.
const AutoPriority = -1

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is what a successful trainer run produced.
type Result struct {
	FinalLoss     float64 `json:"final_loss"`
	ArtifactsPath string  `json:"artifacts_path"`
}

// Job is one unit of training work. Lower Priority values run first; equal
// priorities run in submission order.
type Job struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic"`
	Examples    []string   `json:"examples,omitempty"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutOfMemory bool       `json:"out_of_memory,omitempty"`

	seq   uint64
	index int
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() Job {
	c := *j
	c.Examples = append([]string(nil), j.Examples...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	c.index = -1
	return c
}

// Duration returns the run time of a job that started, or zero.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// jobHeap is a min-heap ordered by (Priority, seq).
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x interface{}) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
