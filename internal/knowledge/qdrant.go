package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantIndex is the production Index implementation backed by a qdrant
// collection over gRPC.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      qdrantclient.PointsClient
	collections qdrantclient.CollectionsClient
	collection  string
}

func NewQdrantIndex(host string, port int, collection string) (*QdrantIndex, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, errors.New("missing collection name")
	}
	addr := fmt.Sprintf("%s:%d", strings.TrimSpace(host), port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", addr, err)
	}
	return &QdrantIndex{
		conn:        conn,
		points:      qdrantclient.NewPointsClient(conn),
		collections: qdrantclient.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

func (q *QdrantIndex) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection when absent. Used by the offline
// indexer, never by the request path.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, vectorSize int) error {
	if q == nil {
		return errors.New("index not initialized")
	}
	if vectorSize <= 0 {
		return errors.New("invalid vector size")
	}

	list, err := q.collections.List(ctx, &qdrantclient.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range list.GetCollections() {
		if col.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(vectorSize),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", q.collection, err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int, filters Filters) ([]Hit, error) {
	if q == nil || q.points == nil {
		return nil, errors.New("index not initialized")
	}
	if len(vector) == 0 {
		return nil, errors.New("empty query vector")
	}
	if k <= 0 {
		k = 1
	}

	req := &qdrantclient.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Include{
				Include: &qdrantclient.PayloadIncludeSelector{
					Fields: []string{"chunk_id", "source_id", "title", "url", "tier", "locale", "passage"},
				},
			},
		},
	}
	if filters.MinScore > 0 {
		threshold := float32(filters.MinScore)
		req.ScoreThreshold = &threshold
	}
	if filters.MaxTier > 0 {
		lte := float64(filters.MaxTier)
		req.Filter = &qdrantclient.Filter{
			Must: []*qdrantclient.Condition{{
				ConditionOneOf: &qdrantclient.Condition_Field{
					Field: &qdrantclient.FieldCondition{
						Key:   "tier",
						Range: &qdrantclient.Range{Lte: &lte},
					},
				},
			}},
		}
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	wantLocale := strings.TrimSpace(filters.Locale)
	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		chunk := chunkFromPayload(point.GetPayload())
		if chunk.ChunkID == "" {
			continue
		}
		// Locale-neutral chunks always pass the locale filter.
		if wantLocale != "" && chunk.Locale != "" && !strings.EqualFold(chunk.Locale, wantLocale) {
			continue
		}
		hits = append(hits, Hit{Chunk: chunk, Score: float64(point.GetScore())})
	}
	return hits, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if q == nil || q.points == nil {
		return errors.New("index not initialized")
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d != %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrantclient.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, &qdrantclient.PointStruct{
			Id: &qdrantclient.PointId{
				PointIdOptions: &qdrantclient.PointId_Uuid{
					Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunk.ChunkID)).String(),
				},
			},
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: vectors[i]},
				},
			},
			Payload: payloadFromChunk(chunk),
		})
	}

	wait := true
	_, err := q.points.Upsert(ctx, &qdrantclient.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func payloadFromChunk(chunk Chunk) map[string]*qdrantclient.Value {
	return map[string]*qdrantclient.Value{
		"chunk_id":  stringValue(chunk.ChunkID),
		"source_id": stringValue(chunk.SourceID),
		"title":     stringValue(chunk.Title),
		"url":       stringValue(chunk.URL),
		"tier":      {Kind: &qdrantclient.Value_IntegerValue{IntegerValue: int64(chunk.AuthorityTier)}},
		"locale":    stringValue(chunk.Locale),
		"passage":   stringValue(chunk.Passage),
	}
}

func chunkFromPayload(payload map[string]*qdrantclient.Value) Chunk {
	return Chunk{
		ChunkID:       payload["chunk_id"].GetStringValue(),
		SourceID:      payload["source_id"].GetStringValue(),
		Title:         payload["title"].GetStringValue(),
		URL:           payload["url"].GetStringValue(),
		AuthorityTier: int(payload["tier"].GetIntegerValue()),
		Locale:        payload["locale"].GetStringValue(),
		Passage:       payload["passage"].GetStringValue(),
	}
}

func stringValue(s string) *qdrantclient.Value {
	return &qdrantclient.Value{Kind: &qdrantclient.Value_StringValue{StringValue: s}}
}
