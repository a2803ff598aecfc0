package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertFeedback appends a feedback row and returns the id assigned by SQLite.
// CreatedAt is set to the insert time when zero.
func (s *Store) InsertFeedback(ctx context.Context, rec FeedbackRecord) (int64, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback (source, content, sentiment, category, is_security_risk, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rec.Source, rec.Content, rec.Sentiment, rec.Category, boolToInt(rec.IsSecurityRisk), formatTime(createdAt),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("inserting feedback: no id returned")
	}
	if err != nil {
		return 0, fmt.Errorf("inserting feedback: %w", err)
	}
	return id, nil
}

// GetFeedback returns a single feedback row by id.
func (s *Store) GetFeedback(ctx context.Context, id int64) (FeedbackRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, content, sentiment, category, is_security_risk, created_at
		FROM feedback WHERE id = ?`, id)
	rec, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FeedbackRecord{}, ErrNotFound
	}
	return rec, err
}

// ListFeedbackSince returns rows created at or after since, oldest first.
// A zero since returns every row.
func (s *Store) ListFeedbackSince(ctx context.Context, since time.Time) ([]FeedbackRecord, error) {
	query := `SELECT id, source, content, sentiment, category, is_security_risk, created_at FROM feedback`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var results []FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// CountFeedback returns the number of stored feedback rows.
func (s *Store) CountFeedback(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n)
	return n, err
}

func scanFeedback(sc rowScanner) (FeedbackRecord, error) {
	var rec FeedbackRecord
	var risk int
	var createdAt string
	if err := sc.Scan(&rec.ID, &rec.Source, &rec.Content, &rec.Sentiment, &rec.Category, &risk, &createdAt); err != nil {
		return FeedbackRecord{}, err
	}
	rec.IsSecurityRisk = risk != 0
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return FeedbackRecord{}, err
	}
	rec.CreatedAt = t
	return rec, nil
}
