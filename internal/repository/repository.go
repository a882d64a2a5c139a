// Package repository defines the feedback domain model and data access interfaces.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Feedback is a single user feedback event: four recommended images were
// shown for a query and the user chose one of them.
type Feedback struct {
	QueryID  int64
	Query    string
	PicID1   int64
	PicID2   int64
	PicID3   int64
	PicID4   int64
	ChosenID int64
	Date     time.Time
}

// RecommendedPics returns the four recommended image IDs in display order.
func (f *Feedback) RecommendedPics() []int64 {
	return []int64{f.PicID1, f.PicID2, f.PicID3, f.PicID4}
}

// NonChosenPics returns the three recommended images that were not chosen.
func (f *Feedback) NonChosenPics() []int64 {
	pics := make([]int64, 0, 3)
	for _, id := range f.RecommendedPics() {
		if id != f.ChosenID {
			pics = append(pics, id)
		}
	}
	return pics
}

// Validate checks structural integrity of the feedback event.
func (f *Feedback) Validate() error {
	if f.Query == "" {
		return errors.New("query text must not be empty")
	}

	pics := f.RecommendedPics()
	seen := make(map[int64]bool, len(pics))
	for _, id := range pics {
		if seen[id] {
			return fmt.Errorf("recommended pics must be distinct, got duplicate %d", id)
		}
		seen[id] = true
	}

	if !seen[f.ChosenID] {
		return fmt.Errorf("chosen pic %d is not among the recommended pics", f.ChosenID)
	}

	return nil
}

// FeedbackFilter narrows a feedback listing. Since is exclusive so that
// incremental training never re-fetches events timestamped exactly at the
// previous run; Until is inclusive.
type FeedbackFilter struct {
	Limit int
	Since *time.Time
	Until *time.Time
}

// QueryCount is a query string with its occurrence count.
type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// PicCount is an image ID with how often it was chosen.
type PicCount struct {
	PicID int64 `json:"pic_id"`
	Count int64 `json:"count"`
}

// FeedbackStats summarizes the stored feedback.
type FeedbackStats struct {
	Total          int64        `json:"total"`
	Last7Days      int64        `json:"last_7_days"`
	PopularQueries []QueryCount `json:"popular_queries"`
	PopularPics    []PicCount   `json:"popular_pics"`
}

// FeedbackRepository defines operations for feedback persistence
type FeedbackRepository interface {
	// Save inserts a feedback event, replacing any prior event with the same query ID
	Save(ctx context.Context, fb *Feedback) error

	// GetByQueryID retrieves a feedback event by query ID
	GetByQueryID(ctx context.Context, queryID int64) (*Feedback, error)

	// List retrieves feedback events, newest first
	List(ctx context.Context, filter FeedbackFilter) ([]*Feedback, error)

	// Stats summarizes stored feedback
	Stats(ctx context.Context) (*FeedbackStats, error)

	// Delete removes a feedback event by query ID
	Delete(ctx context.Context, queryID int64) error

	// DeleteAll removes all feedback events
	DeleteAll(ctx context.Context) error
}
