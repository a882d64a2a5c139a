// Package sqlite implements feedback persistence on an embedded SQLite
// database for single-node deployments without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spxlab/picsearch/internal/repository"
)

// DB wraps an embedded SQLite database
type DB struct {
	conn *sql.DB
}

// New opens (creating if needed) the SQLite database at path
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite handles one writer at a time
	conn.SetMaxOpenConns(1)

	return &DB{conn: conn}, nil
}

// EnsureSchema creates the feedback table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_feedback (
			query_id   INTEGER PRIMARY KEY,
			query      TEXT NOT NULL,
			pic_id_1   INTEGER NOT NULL,
			pic_id_2   INTEGER NOT NULL,
			pic_id_3   INTEGER NOT NULL,
			pic_id_4   INTEGER NOT NULL,
			chosen_id  INTEGER NOT NULL,
			date       TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure feedback schema: %w", err)
	}
	return nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// FeedbackRepo implements repository.FeedbackRepository on SQLite
type FeedbackRepo struct {
	db *DB
}

// NewFeedbackRepo creates a new feedback repository
func NewFeedbackRepo(db *DB) *FeedbackRepo {
	return &FeedbackRepo{db: db}
}

// Save inserts a feedback event, replacing any prior event with the same query ID
func (r *FeedbackRepo) Save(ctx context.Context, fb *repository.Feedback) error {
	if err := fb.Validate(); err != nil {
		return fmt.Errorf("invalid feedback: %w", err)
	}

	query := `
		INSERT INTO user_feedback (query_id, query, pic_id_1, pic_id_2, pic_id_3, pic_id_4, chosen_id, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (query_id) DO UPDATE SET
			query = excluded.query,
			pic_id_1 = excluded.pic_id_1,
			pic_id_2 = excluded.pic_id_2,
			pic_id_3 = excluded.pic_id_3,
			pic_id_4 = excluded.pic_id_4,
			chosen_id = excluded.chosen_id,
			date = excluded.date
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		fb.QueryID, fb.Query, fb.PicID1, fb.PicID2, fb.PicID3, fb.PicID4,
		fb.ChosenID, fb.Date.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// GetByQueryID retrieves a feedback event by query ID
func (r *FeedbackRepo) GetByQueryID(ctx context.Context, queryID int64) (*repository.Feedback, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT query_id, query, pic_id_1, pic_id_2, pic_id_3, pic_id_4, chosen_id, date
		FROM user_feedback
		WHERE query_id = ?
	`, queryID)

	fb, err := scanFeedback(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return fb, nil
}

// List retrieves feedback events, newest first
func (r *FeedbackRepo) List(ctx context.Context, filter repository.FeedbackFilter) ([]*repository.Feedback, error) {
	query := `
		SELECT query_id, query, pic_id_1, pic_id_2, pic_id_3, pic_id_4, chosen_id, date
		FROM user_feedback
	`
	var args []any
	var conds []string

	if filter.Since != nil {
		conds = append(conds, "date > ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		conds = append(conds, "date <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY date DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var events []*repository.Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		events = append(events, fb)
	}

	return events, rows.Err()
}

// Stats summarizes stored feedback
func (r *FeedbackRepo) Stats(ctx context.Context) (*repository.FeedbackStats, error) {
	stats := &repository.FeedbackStats{}

	err := r.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_feedback`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count feedback: %w", err)
	}

	weekAgo := time.Now().UTC().AddDate(0, 0, -7).Format(time.RFC3339)
	err = r.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_feedback WHERE date >= ?`, weekAgo,
	).Scan(&stats.Last7Days)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent feedback: %w", err)
	}

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT query, COUNT(*) AS cnt
		FROM user_feedback
		GROUP BY query
		ORDER BY cnt DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query popular queries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qc repository.QueryCount
		if err := rows.Scan(&qc.Query, &qc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan popular query: %w", err)
		}
		stats.PopularQueries = append(stats.PopularQueries, qc)
	}
	rows.Close()

	rows, err = r.db.conn.QueryContext(ctx, `
		SELECT chosen_id, COUNT(*) AS cnt
		FROM user_feedback
		GROUP BY chosen_id
		ORDER BY cnt DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query popular pics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pc repository.PicCount
		if err := rows.Scan(&pc.PicID, &pc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan popular pic: %w", err)
		}
		stats.PopularPics = append(stats.PopularPics, pc)
	}

	return stats, nil
}

// Delete removes a feedback event by query ID
func (r *FeedbackRepo) Delete(ctx context.Context, queryID int64) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM user_feedback WHERE query_id = ?`, queryID)
	if err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteAll removes all feedback events
func (r *FeedbackRepo) DeleteAll(ctx context.Context) error {
	_, err := r.db.conn.ExecContext(ctx, `DELETE FROM user_feedback`)
	if err != nil {
		return fmt.Errorf("failed to clear feedback: %w", err)
	}
	return nil
}

func scanFeedback(scan func(dest ...any) error) (*repository.Feedback, error) {
	var fb repository.Feedback
	var date string
	if err := scan(&fb.QueryID, &fb.Query, &fb.PicID1, &fb.PicID2, &fb.PicID3, &fb.PicID4,
		&fb.ChosenID, &date); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feedback date %q: %w", date, err)
	}
	fb.Date = t
	return &fb, nil
}

// Ensure FeedbackRepo implements the interface
var _ repository.FeedbackRepository = (*FeedbackRepo)(nil)
