package queue

import (
	"sync"
	"time"
)

// TrainingLock guards the accelerator: at most one holder at a time. The
// holder is recorded so status can report it.
type TrainingLock struct {
	mu     sync.Mutex
	state  sync.Mutex
	holder string
	since  time.Time
}

func NewTrainingLock() *TrainingLock {
	return &TrainingLock{}
}

// Do runs fn while holding the lock on behalf of jobID. The lock is released
// when fn returns or panics.
func (l *TrainingLock) Do(jobID string, fn func()) {
	l.mu.Lock()
	l.setHolder(jobID)
	defer func() {
		l.setHolder("")
		l.mu.Unlock()
	}()
	fn()
}

// TryDo is Do without waiting; it reports whether fn ran.
func (l *TrainingLock) TryDo(jobID string, fn func()) bool {
	if !l.mu.TryLock() {
		return false
	}
	l.setHolder(jobID)
	defer func() {
		l.setHolder("")
		l.mu.Unlock()
	}()
	fn()
	return true
}

// hold acquires the lock before the holder is known; the worker claims it
// for a job once one has been dequeued under the lock.
func (l *TrainingLock) hold() (claim func(jobID string), release func()) {
	l.mu.Lock()
	return l.setHolder, func() {
		l.setHolder("")
		l.mu.Unlock()
	}
}

// Holder returns the id of the job holding the lock and since when.
func (l *TrainingLock) Holder() (string, time.Time, bool) {
	l.state.Lock()
	defer l.state.Unlock()
	return l.holder, l.since, l.holder != ""
}

func (l *TrainingLock) setHolder(id string) {
	l.state.Lock()
	l.holder = id
	if id == "" {
		l.since = time.Time{}
	} else {
		l.since = time.Now()
	}
	l.state.Unlock()
}
