package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const jobColumns = `id, topic, priority, status, example_count, submitted_at, started_at, finished_at, final_loss, artifacts_path, last_error`

// SaveJobRecord stores the terminal outcome of a training job. Saving the
// same id twice overwrites the earlier record.
func (s *Store) SaveJobRecord(ctx context.Context, r JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			final_loss = excluded.final_loss,
			artifacts_path = excluded.artifacts_path,
			last_error = excluded.last_error`,
		r.ID, r.Topic, r.Priority, r.Status, r.ExampleCount,
		formatTime(r.SubmittedAt), formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.FinalLoss, r.ArtifactsPath, r.LastError,
	)
	if err != nil {
		return fmt.Errorf("saving job record: %w", err)
	}
	return nil
}

func (s *Store) GetJobRecord(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE id = ?`, id)
	r, err := scanJobRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return r, err
}

// ListJobRecords returns the most recently finished jobs first.
func (s *Store) ListJobRecords(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM training_jobs
		ORDER BY finished_at DESC, submitted_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		r, err := scanJobRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// JobCounts returns the number of recorded jobs per terminal status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM training_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJobRecord(r rowScanner) (JobRecord, error) {
	var j JobRecord
	var submitted, started, finished string
	if err := r.Scan(&j.ID, &j.Topic, &j.Priority, &j.Status, &j.ExampleCount,
		&submitted, &started, &finished, &j.FinalLoss, &j.ArtifactsPath, &j.LastError); err != nil {
		return JobRecord{}, err
	}
	var err error
	if j.SubmittedAt, err = parseTime(submitted); err != nil {
		return JobRecord{}, fmt.Errorf("parsing submitted_at: %w", err)
	}
	if j.StartedAt, err = parseTime(started); err != nil {
		return JobRecord{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if j.FinishedAt, err = parseTime(finished); err != nil {
		return JobRecord{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return j, nil
}
