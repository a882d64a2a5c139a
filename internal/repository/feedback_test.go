package repository

import (
	"testing"
	"time"
)

func validFeedback() *Feedback {
	return &Feedback{
		QueryID:  1,
		Query:    "dog",
		PicID1:   10,
		PicID2:   11,
		PicID3:   12,
		PicID4:   13,
		ChosenID: 11,
		Date:     time.Now(),
	}
}

func TestFeedbackValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Feedback)
		wantErr bool
	}{
		{
			name:   "valid event",
			mutate: func(fb *Feedback) {},
		},
		{
			name:    "empty query",
			mutate:  func(fb *Feedback) { fb.Query = "" },
			wantErr: true,
		},
		{
			name:    "duplicate shown ids",
			mutate:  func(fb *Feedback) { fb.PicID2 = fb.PicID1 },
			wantErr: true,
		},
		{
			name:    "chosen not among shown",
			mutate:  func(fb *Feedback) { fb.ChosenID = 99 },
			wantErr: true,
		},
		{
			name: "chosen equals first shown",
			mutate: func(fb *Feedback) {
				fb.ChosenID = fb.PicID1
			},
		},
		{
			name: "all four ids identical",
			mutate: func(fb *Feedback) {
				fb.PicID2 = fb.PicID1
				fb.PicID3 = fb.PicID1
				fb.PicID4 = fb.PicID1
				fb.ChosenID = fb.PicID1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := validFeedback()
			tt.mutate(fb)
			err := fb.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFeedbackNonChosenPics(t *testing.T) {
	fb := validFeedback()

	nonChosen := fb.NonChosenPics()
	if len(nonChosen) != 3 {
		t.Fatalf("expected 3 non-chosen pics, got %d", len(nonChosen))
	}
	for _, id := range nonChosen {
		if id == fb.ChosenID {
			t.Errorf("non-chosen pics contain the chosen id %d", id)
		}
	}

	want := []int64{10, 12, 13}
	for i, id := range nonChosen {
		if id != want[i] {
			t.Errorf("non-chosen[%d] = %d, want %d", i, id, want[i])
		}
	}
}

func TestFeedbackRecommendedPicsOrder(t *testing.T) {
	fb := validFeedback()
	pics := fb.RecommendedPics()
	want := []int64{10, 11, 12, 13}
	if len(pics) != 4 {
		t.Fatalf("expected 4 recommended pics, got %d", len(pics))
	}
	for i := range want {
		if pics[i] != want[i] {
			t.Errorf("pics[%d] = %d, want %d", i, pics[i], want[i])
		}
	}
}
