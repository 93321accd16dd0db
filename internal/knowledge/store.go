package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/selftune/internal/metrics"
	"github.com/kalambet/selftune/internal/storage"
)

// DefaultLearnThreshold is the minimum quality score an entry needs to be
// stored.
const DefaultLearnThreshold = 5.0

// ErrNotFound is returned by Search when no entry shares a keyword with the
// query.
var ErrNotFound = errors.New("no matching knowledge entry")

// Backend is the persistence the Store needs. *storage.Store implements it.
type Backend interface {
	UpsertKnowledge(ctx context.Context, e storage.KnowledgeEntry) (bool, error)
	SearchKnowledge(ctx context.Context, keywords []string, now time.Time) (storage.KnowledgeEntry, error)
	DeleteStaleKnowledge(ctx context.Context, cutoff time.Time, maxUsage int) (int, error)
	KnowledgeStats(ctx context.Context, topN int) (storage.KnowledgeStats, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is a learned query/response pair as seen by callers.
type Entry struct {
	ID           int64     `json:"id"`
	Query        string    `json:"query"`
	Response     string    `json:"response"`
	Category     string    `json:"category"`
	Keywords     []string  `json:"keywords"`
	QualityScore float64   `json:"quality_score"`
	UsageCount   int       `json:"usage_count"`
	LearnedAt    time.Time `json:"learned_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Candidate is a query/response pair offered to Learn. Empty Category and
// nil Keywords are derived from the query.
type Candidate struct {
	Query    string
	Response string
	Category string
	Keywords []string
	Score    float64
}

type Stats struct {
	Total      int            `json:"total"`
	Categories map[string]int `json:"categories"`
	TopUsed    []Entry        `json:"top_used"`
}

// Store applies the learning rules on top of a Backend.
type Store struct {
	backend   Backend
	threshold float64
	clock     Clock
	logger    *slog.Logger
}

func NewStore(b Backend, threshold float64) *Store {
	return NewStoreWithClock(b, threshold, realClock{})
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(b Backend, threshold float64, clock Clock) *Store {
	return &Store{
		backend:   b,
		threshold: threshold,
		clock:     clock,
		logger:    slog.Default(),
	}
}

// Threshold returns the minimum score Learn accepts.
func (s *Store) Threshold() float64 { return s.threshold }

// Learn stores c when its score reaches the threshold. An existing entry for
// the same query is replaced only by a strictly better score. The bool
// reports whether anything was written.
func (s *Store) Learn(ctx context.Context, c Candidate) (bool, error) {
	if strings.TrimSpace(c.Query) == "" || strings.TrimSpace(c.Response) == "" {
		return false, fmt.Errorf("learn: query and response must not be empty")
	}
	if c.Score < s.threshold {
		metrics.KnowledgeLearned.WithLabelValues("below_threshold").Inc()
		return false, nil
	}

	category := c.Category
	if category == "" {
		category = DetectCategory(c.Query)
	}
	keywords := c.Keywords
	if keywords == nil {
		keywords = ExtractKeywords(c.Query)
	}

	now := s.clock.Now().UTC()
	stored, err := s.backend.UpsertKnowledge(ctx, storage.KnowledgeEntry{
		QueryHash:    QueryHash(c.Query),
		Query:        c.Query,
		Response:     c.Response,
		Category:     category,
		Keywords:     append([]string(nil), keywords...),
		QualityScore: c.Score,
		LearnedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return false, fmt.Errorf("learning %q: %w", c.Query, err)
	}
	if stored {
		metrics.KnowledgeLearned.WithLabelValues("stored").Inc()
		s.logger.Debug("knowledge learned", "category", category, "score", c.Score)
	} else {
		metrics.KnowledgeLearned.WithLabelValues("not_better").Inc()
	}
	return stored, nil
}

// Search returns the best entry whose keywords intersect the query's and
// records one use of it.
func (s *Store) Search(ctx context.Context, query string) (Entry, error) {
	keywords := ExtractKeywords(query)
	s.logger.Debug("knowledge search", "category", DetectCategory(query), "keywords", keywords)

	e, err := s.backend.SearchKnowledge(ctx, keywords, s.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("searching knowledge: %w", err)
	}
	return toEntry(e), nil
}

// Cleanup purges entries learned more than retention ago whose usage count
// is at most usageFloor.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration, usageFloor int) (int, error) {
	cutoff := s.clock.Now().Add(-retention)
	n, err := s.backend.DeleteStaleKnowledge(ctx, cutoff, usageFloor)
	if err != nil {
		return 0, fmt.Errorf("knowledge cleanup: %w", err)
	}
	if n > 0 {
		s.logger.Info("knowledge cleanup", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// Stats summarizes the store: totals, per-category counts and the topN most
// used entries.
func (s *Store) Stats(ctx context.Context, topN int) (Stats, error) {
	st, err := s.backend.KnowledgeStats(ctx, topN)
	if err != nil {
		return Stats{}, fmt.Errorf("knowledge stats: %w", err)
	}
	out := Stats{
		Total:      st.Total,
		Categories: make(map[string]int, len(st.Categories)),
	}
	for _, c := range st.Categories {
		out.Categories[c.Category] = c.Count
	}
	for _, e := range st.TopUsed {
		out.TopUsed = append(out.TopUsed, toEntry(e))
	}
	metrics.KnowledgeEntries.Set(float64(st.Total))
	return out, nil
}

// QueryHash identifies a query independent of case and surrounding space.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

func toEntry(e storage.KnowledgeEntry) Entry {
	return Entry{
		ID:           e.ID,
		Query:        e.Query,
		Response:     e.Response,
		Category:     e.Category,
		Keywords:     append([]string(nil), e.Keywords...),
		QualityScore: e.QualityScore,
		UsageCount:   e.UsageCount,
		LearnedAt:    e.LearnedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}
