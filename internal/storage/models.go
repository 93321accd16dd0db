package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KnowledgeEntry is a learned query/response pair.
type KnowledgeEntry struct {
	ID           int64
	QueryHash    string
	Query        string
	Response     string
	Category     string
	Keywords     []string
	QualityScore float64
	UsageCount   int
	LearnedAt    time.Time
	UpdatedAt    time.Time
}

type CategoryCount struct {
	Category string
	Count    int
}

type KnowledgeStats struct {
	Total      int
	Categories []CategoryCount
	TopUsed    []KnowledgeEntry
}

// JobRecord is the persisted outcome of a training job that reached a
// terminal status.
type JobRecord struct {
	ID            string
	Topic         string
	Priority      int
	Status        string // "completed", "failed", "cancelled"
	ExampleCount  int
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	FinalLoss     float64
	ArtifactsPath string
	LastError     string
}
