package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spxlab/picsearch/internal/repository"
)

// FeedbackRepo implements repository.FeedbackRepository
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (query_id) DO UPDATE SET
			query = EXCLUDED.query,
			pic_id_1 = EXCLUDED.pic_id_1,
			pic_id_2 = EXCLUDED.pic_id_2,
			pic_id_3 = EXCLUDED.pic_id_3,
			pic_id_4 = EXCLUDED.pic_id_4,
			chosen_id = EXCLUDED.chosen_id,
			date = EXCLUDED.date
	`
	_, err := r.db.Pool.Exec(ctx, query,
		fb.QueryID, fb.Query, fb.PicID1, fb.PicID2, fb.PicID3, fb.PicID4,
		fb.ChosenID, fb.Date)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// GetByQueryID retrieves a feedback event by query ID
func (r *FeedbackRepo) GetByQueryID(ctx context.Context, queryID int64) (*repository.Feedback, error) {
	query := `
		SELECT query_id, query, pic_id_1, pic_id_2, pic_id_3, pic_id_4, chosen_id, date
		FROM user_feedback
		WHERE query_id = $1
	`
	var fb repository.Feedback
	err := r.db.Pool.QueryRow(ctx, query, queryID).Scan(
		&fb.QueryID, &fb.Query, &fb.PicID1, &fb.PicID2, &fb.PicID3, &fb.PicID4,
		&fb.ChosenID, &fb.Date,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return &fb, nil
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
		args = append(args, *filter.Since)
		conds = append(conds, fmt.Sprintf("date > $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		conds = append(conds, fmt.Sprintf("date <= $%d", len(args)))
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
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var events []*repository.Feedback
	for rows.Next() {
		var fb repository.Feedback
		if err := rows.Scan(&fb.QueryID, &fb.Query, &fb.PicID1, &fb.PicID2, &fb.PicID3, &fb.PicID4,
			&fb.ChosenID, &fb.Date); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		events = append(events, &fb)
	}

	return events, nil
}

// Stats summarizes stored feedback
func (r *FeedbackRepo) Stats(ctx context.Context) (*repository.FeedbackStats, error) {
	stats := &repository.FeedbackStats{}

	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_feedback`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count feedback: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_feedback WHERE date >= NOW() - INTERVAL '7 days'`,
	).Scan(&stats.Last7Days)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent feedback: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
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

	rows, err = r.db.Pool.Query(ctx, `
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
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM user_feedback WHERE query_id = $1`, queryID)
	if err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteAll removes all feedback events
func (r *FeedbackRepo) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM user_feedback`)
	if err != nil {
		return fmt.Errorf("failed to clear feedback: %w", err)
	}
	return nil
}

// Ensure FeedbackRepo implements the interface
var _ repository.FeedbackRepository = (*FeedbackRepo)(nil)
