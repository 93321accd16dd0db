// Package queue holds pending training jobs and runs them one at a time.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/selftune/internal/metrics"
)

// Trainer runs one training job to completion. Implementations wrap
// ErrOutOfMemory when the run exhausted memory.
type Trainer interface {
	Train(ctx context.Context, job Job) (Result, error)
}

// Bracket runs around every training run. Postflight runs even when the
// trainer fails or panics.
type Bracket interface {
	Preflight(ctx context.Context)
	Postflight(ctx context.Context)
}

// Recorder persists jobs that reached a terminal status.
type Recorder interface {
	RecordJob(ctx context.Context, job Job) error
}

type Options struct {
	// MaxQueued bounds the number of waiting jobs. Defaults to 10.
	MaxQueued int
	// RecentResults is the size of the terminal-job history kept for status.
	// Defaults to 20.
	RecentResults int
	// PollInterval is how long an idle worker sleeps before rechecking.
	// Defaults to 1s.
	PollInterval time.Duration
	Bracket      Bracket
	Recorder     Recorder
	Lock         *TrainingLock
}

// Failure summarizes a failed job for status reports.
type Failure struct {
	JobID       string    `json:"job_id"`
	Topic       string    `json:"topic"`
	Error       string    `json:"error"`
	OutOfMemory bool      `json:"out_of_memory"`
	At          time.Time `json:"at"`
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Queued       int       `json:"queued"`
	QueuedJobs   []Job     `json:"queued_jobs"`
	Running      *Job      `json:"running,omitempty"`
	Recent       []Job     `json:"recent"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	Cancelled    int       `json:"cancelled"`
	LastFailures []Failure `json:"last_failures"`
}

// unreadTerminalCap bounds terminal jobs kept for Lookup that nobody read.
const unreadTerminalCap = 256

type Queue struct {
	trainer      Trainer
	bracket      Bracket
	recorder     Recorder
	lock         *TrainingLock
	maxQueued    int
	recentCap    int
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	pending   jobHeap
	jobs      map[string]*Job
	terminal  []string
	running   *Job
	recent    []Job
	failures  []Failure
	counts    map[Status]int
	topicSeen map[string]time.Time
	seq       uint64

	wake chan struct{}
}

func New(trainer Trainer, opts Options) *Queue {
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = 10
	}
	if opts.RecentResults <= 0 {
		opts.RecentResults = 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lock == nil {
		opts.Lock = NewTrainingLock()
	}
	return &Queue{
		trainer:      trainer,
		bracket:      opts.Bracket,
		recorder:     opts.Recorder,
		lock:         opts.Lock,
		maxQueued:    opts.MaxQueued,
		recentCap:    opts.RecentResults,
		pollInterval: opts.PollInterval,
		logger:       slog.Default(),
		now:          time.Now,
		jobs:         make(map[string]*Job),
		counts:       make(map[Status]int),
		topicSeen:    make(map[string]time.Time),
		wake:         make(chan struct{}, 1),
	}
}

// Lock returns the training lock the worker acquires for every run.
func (q *Queue) Lock() *TrainingLock { return q.lock }

// PriorityForRecency maps how recently a topic was last submitted onto a
// priority: unseen topics come first, topics submitted within the hour last.
func PriorityForRecency(last time.Time, seen bool, now time.Time) int {
	if !seen {
		return 1
	}
	switch age := now.Sub(last); {
	case age < time.Hour:
		return 5
	case age < 24*time.Hour:
		return 3
	default:
		return 2
	}
}

// Submit enqueues a job and returns its id without waiting for it to run.
func (q *Queue) Submit(topic string, examples []string, priority int) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("%w: topic is empty", ErrInvalidJob)
	}
	if len(examples) == 0 {
		return "", fmt.Errorf("%w: no examples", ErrInvalidJob)
	}
	for i, ex := range examples {
		if strings.TrimSpace(ex) == "" {
			return "", fmt.Errorf("%w: example %d is empty", ErrInvalidJob, i)
		}
	}
	if priority < 0 && priority != AutoPriority {
		return "", fmt.Errorf("%w: priority %d is negative", ErrInvalidJob, priority)
	}

	q.mu.Lock()
	if q.pending.Len() >= q.maxQueued {
		q.mu.Unlock()
		return "", ErrQueueFull
	}

	now := q.now()
	key := strings.ToLower(topic)
	if priority == AutoPriority {
		last, seen := q.topicSeen[key]
		priority = PriorityForRecency(last, seen, now)
	}
	q.topicSeen[key] = now

	q.seq++
	job := &Job{
		ID:          uuid.New().String(),
		Topic:       topic,
		Examples:    append([]string(nil), examples...),
		Priority:    priority,
		Status:      StatusQueued,
		SubmittedAt: now,
		seq:         q.seq,
	}
	heap.Push(&q.pending, job)
	q.jobs[job.ID] = job
	depth := q.pending.Len()
	q.mu.Unlock()

	metrics.JobsSubmitted.Inc()
	metrics.QueueDepth.Set(float64(depth))
	q.logger.Info("training job queued", "job_id", job.ID, "topic", topic, "priority", priority, "examples", len(examples))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Cancel moves a queued job to Cancelled. Running and finished jobs return
// ErrNotCancellable.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if job.Status != StatusQueued {
		status := job.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, status)
	}
	snap := q.cancelLocked(job)
	depth := q.pending.Len()
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	q.record(snap)
	return nil
}

// CancelBelow cancels every queued job whose priority value is greater than
// survival and returns their ids. Calling it again with nothing left to
// cancel is a no-op.
func (q *Queue) CancelBelow(survival int) []string {
	q.mu.Lock()
	var victims []*Job
	for _, j := range q.pending {
		if j.Priority > survival {
			victims = append(victims, j)
		}
	}
	snaps := make([]Job, 0, len(victims))
	for _, j := range victims {
		snaps = append(snaps, q.cancelLocked(j))
	}
	depth := q.pending.Len()
	q.mu.Unlock()

	if len(snaps) == 0 {
		return nil
	}
	metrics.QueueDepth.Set(float64(depth))
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
		q.record(s)
	}
	q.logger.Warn("cancelled low-priority jobs", "count", len(ids), "survival_priority", survival)
	return ids
}

// cancelLocked must be called with q.mu held and job queued.
func (q *Queue) cancelLocked(job *Job) Job {
	heap.Remove(&q.pending, job.index)
	now := q.now()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	return q.settleLocked(job)
}

// settleLocked books a job that just reached a terminal status.
func (q *Queue) settleLocked(job *Job) Job {
	q.counts[job.Status]++
	snap := job.clone()
	summary := snap
	summary.Examples = nil
	q.recent = append(q.recent, summary)
	if len(q.recent) > q.recentCap {
		q.recent = q.recent[len(q.recent)-q.recentCap:]
	}
	if job.Status == StatusFailed {
		q.failures = append(q.failures, Failure{
			JobID:       job.ID,
			Topic:       job.Topic,
			Error:       job.Error,
			OutOfMemory: job.OutOfMemory,
			At:          *job.FinishedAt,
		})
		if len(q.failures) > q.recentCap {
			q.failures = q.failures[len(q.failures)-q.recentCap:]
		}
	}

	q.terminal = append(q.terminal, job.ID)
	for len(q.terminal) > unreadTerminalCap {
		delete(q.jobs, q.terminal[0])
		q.terminal = q.terminal[1:]
	}
	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	return snap
}

func (q *Queue) record(job Job) {
	if q.recorder == nil {
		return
	}
	if err := q.recorder.RecordJob(context.Background(), job); err != nil {
		q.logger.Error("failed to record job", "job_id", job.ID, "error", err)
	}
}

// Lookup returns a copy of the job. A job in a terminal status is forgotten
// once it has been read; its outcome remains in Snapshot().Recent and in the
// recorder.
func (q *Queue) Lookup(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	snap := job.clone()
	if job.Status.Terminal() {
		delete(q.jobs, id)
		for i, tid := range q.terminal {
			if tid == id {
				q.terminal = append(q.terminal[:i], q.terminal[i+1:]...)
				break
			}
		}
	}
	return snap, true
}

// Snapshot returns the current queue state. Job copies omit examples.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Snapshot{
		Queued:       q.pending.Len(),
		Recent:       append([]Job(nil), q.recent...),
		Completed:    q.counts[StatusCompleted],
		Failed:       q.counts[StatusFailed],
		Cancelled:    q.counts[StatusCancelled],
		LastFailures: append([]Failure(nil), q.failures...),
	}

	// sort.Slice swaps elements directly, so the heap indexes stay intact.
	ordered := make(jobHeap, len(q.pending))
	copy(ordered, q.pending)
	sort.Slice(ordered, ordered.Less)
	for _, j := range ordered {
		s := j.clone()
		s.Examples = nil
		st.QueuedJobs = append(st.QueuedJobs, s)
	}

	if q.running != nil {
		s := q.running.clone()
		s.Examples = nil
		st.Running = &s
	}
	return st
}
