package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the backing collection if it does not exist
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// Upsert inserts or replaces an image vector by ID
func (s *QdrantStore) Upsert(ctx context.Context, id int64, url string, vector []float32) error {
	return s.UpsertBatch(ctx, []ImageRecord{{
		ID:      id,
		URL:     url,
		Vector:  vector,
		AddedAt: time.Now().UTC(),
	}})
}

// UpsertBatch inserts or replaces multiple image vectors in one call
func (s *QdrantStore) UpsertBatch(ctx context.Context, records []ImageRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		addedAt := rec.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now().UTC()
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(rec.ID)),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: map[string]*qdrant.Value{
				"url":      qdrant.NewValueString(rec.URL),
				"added_at": qdrant.NewValueString(addedAt.Format(time.RFC3339)),
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Delete removes an image by ID
func (s *QdrantStore) Delete(ctx context.Context, id int64) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewIDNum(uint64(id))},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}

	return nil
}

// Search performs cosine similarity search
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int) ([]Candidate, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	candidates := make([]Candidate, 0, len(response))
	for i, point := range response {
		candidate := Candidate{
			ID:         int64(point.Id.GetNum()),
			Similarity: point.Score,
			Rank:       i + 1,
		}
		if payload := point.Payload; payload != nil {
			if url, ok := payload["url"]; ok {
				candidate.URL = url.GetStringValue()
			}
		}
		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

// QueryByIDs fetches stored records (including vectors) for the given IDs
func (s *QdrantStore) QueryByIDs(ctx context.Context, ids []int64) ([]ImageRecord, error) {
	if len(ids) == 0 {
		return []ImageRecord{}, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDNum(uint64(id))
	}

	response, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get points: %w", err)
	}

	records := make([]ImageRecord, 0, len(response))
	for _, point := range response {
		records = append(records, recordFromPoint(point, true))
	}

	return records, nil
}

// All lists stored images with offset/limit pagination.
// Qdrant scroll paginates by point ID, so the offset is applied by
// over-fetching one page and slicing.
func (s *QdrantStore) All(ctx context.Context, includeVectors bool, limit, offset int) ([]ImageRecord, error) {
	if limit <= 0 {
		return []ImageRecord{}, nil
	}

	response, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Limit:          qdrant.PtrOf(uint32(offset + limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(includeVectors),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll points: %w", err)
	}

	if offset >= len(response) {
		return []ImageRecord{}, nil
	}
	response = response[offset:]

	records := make([]ImageRecord, 0, len(response))
	for _, point := range response {
		records = append(records, recordFromPoint(point, includeVectors))
	}

	return records, nil
}

// Count returns the number of stored images
func (s *QdrantStore) Count(ctx context.Context) (int64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	return int64(count), nil
}

func recordFromPoint(point *qdrant.RetrievedPoint, includeVectors bool) ImageRecord {
	rec := ImageRecord{
		ID: int64(point.Id.GetNum()),
	}

	if payload := point.Payload; payload != nil {
		if url, ok := payload["url"]; ok {
			rec.URL = url.GetStringValue()
		}
		if added, ok := payload["added_at"]; ok {
			if t, err := time.Parse(time.RFC3339, added.GetStringValue()); err == nil {
				rec.AddedAt = t
			}
		}
	}

	if includeVectors {
		if vectors := point.Vectors; vectors != nil {
			if dense := vectors.GetVector(); dense != nil {
				rec.Vector = dense.GetData()
			}
		}
	}

	return rec
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
