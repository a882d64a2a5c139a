package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spxlab/picsearch/internal/ltr"
	"github.com/spxlab/picsearch/internal/repository"
	"github.com/spxlab/picsearch/internal/rerank"
	"github.com/spxlab/picsearch/internal/search"
)

// Handlers holds the request handlers and their dependencies
type Handlers struct {
	coordinator *search.Coordinator
	rerank      *rerank.Service
	feedback    repository.FeedbackRepository
	logger      *slog.Logger
}

// NewHandlers creates the handler set
func NewHandlers(coordinator *search.Coordinator, rerankSvc *rerank.Service, feedback repository.FeedbackRepository, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		coordinator: coordinator,
		rerank:      rerankSvc,
		feedback:    feedback,
		logger:      logger,
	}
}

// Readiness reports whether the vector store answers
func (h *Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	if !h.coordinator.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	Query     string  `json:"query"`
	TopK      int     `json:"top_k"`
	Threshold float32 `json:"threshold"`
}

// SearchText runs the two-stage search pipeline for a text query
func (h *Handlers) SearchText(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	// Search converts internal failures into Success=false, always HTTP 200.
	resp := h.coordinator.Search(r.Context(), req.Query, req.TopK, req.Threshold)
	writeJSON(w, http.StatusOK, resp)
}

type feedbackRequest struct {
	QueryID         int64   `json:"query_id"`
	Query           string  `json:"query"`
	RecommendedPics []int64 `json:"recommended_pics"`
	ChosenPic       int64   `json:"chosen_pic"`
}

// SubmitFeedback validates and stores one feedback event
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.RecommendedPics) != 4 {
		writeError(w, http.StatusBadRequest, "recommended_pics must contain exactly 4 image ids")
		return
	}

	fb := &repository.Feedback{
		QueryID:  req.QueryID,
		Query:    req.Query,
		PicID1:   req.RecommendedPics[0],
		PicID2:   req.RecommendedPics[1],
		PicID3:   req.RecommendedPics[2],
		PicID4:   req.RecommendedPics[3],
		ChosenID: req.ChosenPic,
		Date:     time.Now().UTC(),
	}
	if err := fb.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.rerank.SaveFeedback(r.Context(), fb) {
		writeError(w, http.StatusInternalServerError, "failed to store feedback")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"query_id": fb.QueryID,
	})
}

// FeedbackStats summarizes stored feedback
func (h *Handlers) FeedbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.feedback.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute feedback stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type feedbackEvent struct {
	QueryID         int64     `json:"query_id"`
	Query           string    `json:"query"`
	RecommendedPics []int64   `json:"recommended_pics"`
	ChosenPic       int64     `json:"chosen_pic"`
	Date            time.Time `json:"date"`
}

// RecentFeedback lists recent feedback events, newest first
func (h *Handlers) RecentFeedback(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}

	events, err := h.feedback.List(r.Context(), repository.FeedbackFilter{Limit: limit})
	if err != nil {
		h.logger.Error("failed to list feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}

	out := make([]feedbackEvent, len(events))
	for i, fb := range events {
		out[i] = feedbackEvent{
			QueryID:         fb.QueryID,
			Query:           fb.Query,
			RecommendedPics: fb.RecommendedPics(),
			ChosenPic:       fb.ChosenID,
			Date:            fb.Date,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(out),
		"feedback": out,
	})
}

// ModelStatus reports the rerank service state
func (h *Handlers) ModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rerank.Status())
}

type trainRequest struct {
	Limit int `json:"limit"`
}

// TrainModel triggers a full training run from stored feedback
func (h *Handlers) TrainModel(w http.ResponseWriter, r *http.Request) {
	h.runTraining(w, r, false)
}

// RetrainModel triggers an incremental training run on feedback newer than
// the last run
func (h *Handlers) RetrainModel(w http.ResponseWriter, r *http.Request) {
	h.runTraining(w, r, true)
}

func (h *Handlers) runTraining(w http.ResponseWriter, r *http.Request, incremental bool) {
	var req trainRequest
	if r.Body != nil {
		// An empty body means no limit.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var record *ltr.TrainingRecord
	var err error
	if incremental {
		record, err = h.rerank.RetrainWithFeedback(r.Context(), req.Limit)
	} else {
		record, err = h.rerank.TrainWithFeedback(r.Context(), req.Limit)
	}
	if err != nil {
		if errors.Is(err, rerank.ErrNoFeedbackData) || errors.Is(err, ltr.ErrEmptyDataset) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("training run failed", "incremental", incremental, "error", err)
		writeError(w, http.StatusInternalServerError, "training failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"record":  record,
	})
}

// EnableModel turns reranking on if the model is ready
func (h *Handlers) EnableModel(w http.ResponseWriter, r *http.Request) {
	enabled := h.rerank.Enable()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": enabled,
		"status":  h.rerank.Status(),
	})
}

// DisableModel turns reranking off
func (h *Handlers) DisableModel(w http.ResponseWriter, r *http.Request) {
	h.rerank.Disable()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  h.rerank.Status(),
	})
}

// ClearFeedback deletes all stored feedback
func (h *Handlers) ClearFeedback(w http.ResponseWriter, r *http.Request) {
	if err := h.feedback.DeleteAll(r.Context()); err != nil {
		h.logger.Error("failed to clear feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear feedback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type addImageRequest struct {
	ID    int64  `json:"id"`
	URL   string `json:"url"`
	Image string `json:"image"` // base64-encoded image bytes
}

// AddImage embeds and stores one image
func (h *Handlers) AddImage(w http.ResponseWriter, r *http.Request) {
	var req addImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil || len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image must be non-empty base64 data")
		return
	}

	if err := h.coordinator.AddImage(r.Context(), req.ID, req.URL, image); err != nil {
		h.logger.Error("failed to add image", "id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": req.ID})
}

type addImageBatchRequest struct {
	Images []addImageRequest `json:"images"`
}

// AddImageBatch embeds and stores a batch of images
func (h *Handlers) AddImageBatch(w http.ResponseWriter, r *http.Request) {
	var req addImageBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "images must not be empty")
		return
	}

	uploads := make([]search.ImageUpload, 0, len(req.Images))
	var badEncoding []int64
	for _, item := range req.Images {
		image, err := base64.StdEncoding.DecodeString(item.Image)
		if err != nil || len(image) == 0 {
			badEncoding = append(badEncoding, item.ID)
			continue
		}
		uploads = append(uploads, search.ImageUpload{ID: item.ID, URL: item.URL, Image: image})
	}

	added, failed, err := h.coordinator.AddImageBatch(r.Context(), uploads)
	if err != nil {
		h.logger.Error("failed to add image batch", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add image batch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"added":   added,
		"failed":  append(badEncoding, failed...),
	})
}

// RemoveImage deletes a stored image
func (h *Handlers) RemoveImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image id")
		return
	}

	if err := h.coordinator.RemoveImage(r.Context(), id); err != nil {
		h.logger.Error("failed to remove image", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

type imageInfo struct {
	ID      int64     `json:"id"`
	URL     string    `json:"url"`
	AddedAt time.Time `json:"added_at"`
	Vector  []float32 `json:"vector,omitempty"`
}

// ListImages lists stored images with pagination
func (h *Handlers) ListImages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	includeVectors := r.URL.Query().Get("include_vectors") == "true"

	records, err := h.coordinator.Images(r.Context(), includeVectors, limit, offset)
	if err != nil {
		h.logger.Error("failed to list images", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}

	out := make([]imageInfo, len(records))
	for i, rec := range records {
		out[i] = imageInfo{ID: rec.ID, URL: rec.URL, AddedAt: rec.AddedAt, Vector: rec.Vector}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(out),
		"images": out,
	})
}

// CountImages returns the number of stored images
func (h *Handlers) CountImages(w http.ResponseWriter, r *http.Request) {
	count, err := h.coordinator.Count(r.Context())
	if err != nil {
		h.logger.Error("failed to count images", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count images")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
