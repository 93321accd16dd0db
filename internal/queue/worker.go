package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kalambet/selftune/internal/metrics"
	"github.com/kalambet/selftune/internal/storage"
)

// Run executes queued jobs one at a time until ctx is cancelled. A job that
// already started is finished before Run returns.
func (q *Queue) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := q.RunOnce(ctx)
		if err != nil {
			q.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(q.pollInterval):
		}
	}
}

// RunOnce takes the training lock, then dequeues the most urgent job and runs
// it. Jobs stay Queued, and cancellable, until a worker holds the lock, so at
// most one job is ever Running. Returns true if a job was processed, whatever
// its outcome.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	claim, release := q.lock.hold()
	defer release()

	job, snap := q.next()
	if job == nil {
		return false, nil
	}
	claim(job.ID)

	result, runErr := q.execute(ctx, snap)
	q.finish(job, result, runErr)
	return true, nil
}

// next pops the head of the queue and marks it running. The caller holds the
// training lock.
func (q *Queue) next() (*Job, Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return nil, Job{}
	}
	job := heap.Pop(&q.pending).(*Job)
	now := q.now()
	job.Status = StatusRunning
	job.StartedAt = &now
	q.running = job
	metrics.QueueDepth.Set(float64(q.pending.Len()))
	return job, job.clone()
}

// execute brackets one trainer run. The run is detached from ctx so that
// shutdown lets it finish; panics are turned into errors.
func (q *Queue) execute(ctx context.Context, job Job) (result Result, err error) {
	runCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("trainer panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("trainer panic: %v", r)
		}
	}()

	if q.bracket != nil {
		q.bracket.Preflight(runCtx)
		defer q.bracket.Postflight(runCtx)
	}

	q.logger.Info("training started", "job_id", job.ID, "topic", job.Topic, "examples", len(job.Examples))
	start := time.Now()
	result, err = q.trainer.Train(runCtx, job)
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (q *Queue) finish(job *Job, result Result, runErr error) {
	q.mu.Lock()
	now := q.now()
	job.FinishedAt = &now
	if runErr != nil {
		job.Status = StatusFailed
		job.Error = runErr.Error()
		job.OutOfMemory = errors.Is(runErr, ErrOutOfMemory)
	} else {
		job.Status = StatusCompleted
		r := result
		job.Result = &r
	}
	if q.running == job {
		q.running = nil
	}
	snap := q.settleLocked(job)
	q.mu.Unlock()

	if runErr != nil {
		q.logger.Warn("training failed", "job_id", job.ID, "topic", job.Topic,
			"out_of_memory", snap.OutOfMemory, "error", runErr)
	} else {
		q.logger.Info("training completed", "job_id", job.ID, "topic", job.Topic,
			"final_loss", result.FinalLoss, "duration", snap.Duration())
	}
	q.record(snap)
}

// JobStore is the persistence StorageRecorder writes to.
type JobStore interface {
	SaveJobRecord(ctx context.Context, r storage.JobRecord) error
}

// StorageRecorder records terminal jobs in the job history table.
type StorageRecorder struct {
	Store JobStore
}

func (r StorageRecorder) RecordJob(ctx context.Context, job Job) error {
	rec := storage.JobRecord{
		ID:           job.ID,
		Topic:        job.Topic,
		Priority:     job.Priority,
		Status:       string(job.Status),
		ExampleCount: len(job.Examples),
		SubmittedAt:  job.SubmittedAt,
		LastError:    job.Error,
	}
	if job.StartedAt != nil {
		rec.StartedAt = *job.StartedAt
	}
	if job.FinishedAt != nil {
		rec.FinishedAt = *job.FinishedAt
	}
	if job.Result != nil {
		rec.FinalLoss = job.Result.FinalLoss
		rec.ArtifactsPath = job.Result.ArtifactsPath
	}
	return r.Store.SaveJobRecord(ctx, rec)
}

// FromRecord rebuilds a Job from its persisted record. Examples are not kept.
func FromRecord(r storage.JobRecord) Job {
	j := Job{
		ID:          r.ID,
		Topic:       r.Topic,
		Priority:    r.Priority,
		Status:      Status(r.Status),
		SubmittedAt: r.SubmittedAt,
		Error:       r.LastError,
		index:       -1,
	}
	if !r.StartedAt.IsZero() {
		t := r.StartedAt
		j.StartedAt = &t
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		j.FinishedAt = &t
	}
	if j.Status == StatusCompleted {
		j.Result = &Result{FinalLoss: r.FinalLoss, ArtifactsPath: r.ArtifactsPath}
	}
	return j
}
