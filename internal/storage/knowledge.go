package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const knowledgeColumns = `id, query_hash, query, response, category, keywords, quality_score, usage_count, learned_at, updated_at`

// UpsertKnowledge inserts e, or replaces the entry with the same query hash
// when e has a strictly higher quality score. A replaced entry keeps its
// usage count. The returned bool reports whether anything was written.
func (s *Store) UpsertKnowledge(ctx context.Context, e KnowledgeEntry) (bool, error) {
	kw, err := json.Marshal(nonNil(e.Keywords))
	if err != nil {
		return false, fmt.Errorf("encoding keywords: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var existing float64
	err = tx.QueryRowContext(ctx,
		`SELECT id, quality_score FROM knowledge_entries WHERE query_hash = ?`, e.QueryHash,
	).Scan(&id, &existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_entries (query_hash, query, response, category, keywords, quality_score, usage_count, learned_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			e.QueryHash, e.Query, e.Response, e.Category, string(kw), e.QualityScore,
			formatTime(e.LearnedAt), formatTime(e.UpdatedAt),
		)
		if err != nil {
			return false, fmt.Errorf("inserting knowledge entry: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("looking up knowledge entry: %w", err)
	default:
		if e.QualityScore <= existing {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE knowledge_entries
			SET query = ?, response = ?, category = ?, keywords = ?, quality_score = ?, learned_at = ?, updated_at = ?
			WHERE id = ?`,
			e.Query, e.Response, e.Category, string(kw), e.QualityScore,
			formatTime(e.LearnedAt), formatTime(e.UpdatedAt), id,
		); err != nil {
			return false, fmt.Errorf("replacing knowledge entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_keywords WHERE entry_id = ?`, id); err != nil {
			return false, fmt.Errorf("clearing keywords: %w", err)
		}
	}

	for _, k := range e.Keywords {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO knowledge_keywords (entry_id, keyword) VALUES (?, ?)`, id, k,
		); err != nil {
			return false, fmt.Errorf("indexing keyword %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing knowledge entry: %w", err)
	}
	return true, nil
}

// SearchKnowledge returns the best entry sharing at least one keyword:
// highest quality first, ties broken by the most recent learned_at. The hit's
// usage count is incremented in the same transaction and the returned entry
// carries the incremented value.
func (s *Store) SearchKnowledge(ctx context.Context, keywords []string, now time.Time) (KnowledgeEntry, error) {
	if len(keywords) == 0 {
		return KnowledgeEntry{}, ErrNotFound
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keywords)), ",")
	args := make([]any, len(keywords))
	for i, k := range keywords {
		args[i] = k
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return KnowledgeEntry{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+knowledgeColumns+`
		FROM knowledge_entries
		WHERE id IN (SELECT entry_id FROM knowledge_keywords WHERE keyword IN (`+placeholders+`))
		ORDER BY quality_score DESC, learned_at DESC, id DESC
		LIMIT 1`, args...)
	e, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeEntry{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeEntry{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE knowledge_entries SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(now), e.ID,
	); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("recording usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("committing usage: %w", err)
	}

	e.UsageCount++
	e.UpdatedAt = now.UTC()
	return e, nil
}

// GetKnowledge returns the entry with the given query hash without touching
// its usage count.
func (s *Store) GetKnowledge(ctx context.Context, queryHash string) (KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_entries WHERE query_hash = ?`, queryHash)
	e, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeEntry{}, ErrNotFound
	}
	return e, err
}

// DeleteStaleKnowledge removes entries learned before cutoff whose usage count
// is at most maxUsage, and returns how many were removed.
func (s *Store) DeleteStaleKnowledge(ctx context.Context, cutoff time.Time, maxUsage int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	c := formatTime(cutoff)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM knowledge_keywords WHERE entry_id IN (
			SELECT id FROM knowledge_entries WHERE learned_at < ? AND usage_count <= ?
		)`, c, maxUsage); err != nil {
		return 0, fmt.Errorf("deleting stale keywords: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM knowledge_entries WHERE learned_at < ? AND usage_count <= ?`, c, maxUsage)
	if err != nil {
		return 0, fmt.Errorf("deleting stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cleanup: %w", err)
	}
	return int(n), nil
}

// KnowledgeStats returns totals, per-category counts (largest first) and the
// topN most used entries.
func (s *Store) KnowledgeStats(ctx context.Context, topN int) (KnowledgeStats, error) {
	var st KnowledgeStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_entries`).Scan(&st.Total); err != nil {
		return KnowledgeStats{}, fmt.Errorf("counting entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) AS cnt FROM knowledge_entries
		GROUP BY category ORDER BY cnt DESC, category ASC`)
	if err != nil {
		return KnowledgeStats{}, fmt.Errorf("counting categories: %w", err)
	}
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			rows.Close()
			return KnowledgeStats{}, err
		}
		st.Categories = append(st.Categories, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return KnowledgeStats{}, err
	}

	if topN <= 0 {
		return st, nil
	}
	top, err := s.db.QueryContext(ctx, `
		SELECT `+knowledgeColumns+` FROM knowledge_entries
		ORDER BY usage_count DESC, quality_score DESC, id ASC
		LIMIT ?`, topN)
	if err != nil {
		return KnowledgeStats{}, fmt.Errorf("listing top used: %w", err)
	}
	defer top.Close()
	for top.Next() {
		e, err := scanKnowledge(top)
		if err != nil {
			return KnowledgeStats{}, err
		}
		st.TopUsed = append(st.TopUsed, e)
	}
	return st, top.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(r rowScanner) (KnowledgeEntry, error) {
	var e KnowledgeEntry
	var kw, learnedAt, updatedAt string
	if err := r.Scan(&e.ID, &e.QueryHash, &e.Query, &e.Response, &e.Category, &kw,
		&e.QualityScore, &e.UsageCount, &learnedAt, &updatedAt); err != nil {
		return KnowledgeEntry{}, err
	}
	if err := json.Unmarshal([]byte(kw), &e.Keywords); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("decoding keywords: %w", err)
	}
	var err error
	if e.LearnedAt, err = parseTime(learnedAt); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("parsing learned_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
