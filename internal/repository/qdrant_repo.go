package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const defaultVectorDimension = 1536

// Payload keys stored with every meal point.
const (
	payloadRecordID = "record_id"
	payloadFoodName = "food_name"
	payloadCalories = "calories"
	payloadSource   = "source"
)

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector operations with Qdrant
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	// Build gRPC dial options
	var opts []grpc.DialOption

	// Determine if TLS should be used
	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""

	if useTLS {
		// Use TLS with system root certificates (TLS 1.3 minimum for Qdrant Cloud)
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		creds := credentials.NewTLS(tlsConfig)
		opts = append(opts, grpc.WithTransportCredentials(creds))

		// Add API Key authentication if provided (using unary interceptor)
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		// Local mode: no TLS, no authentication
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	// Check if collection exists
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.vectorDimension) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
			}
		}
		return nil // Collection exists
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to get collection %s: %w", r.collectionName, err)
	}

	// Create collection
	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(100),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	fieldType := pb.FieldType_FieldTypeKeyword
	_, err = r.pointsClient.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: r.collectionName,
		FieldName:      payloadRecordID,
		FieldType:      &fieldType,
	})
	if err != nil {
		return fmt.Errorf("failed to index record_id: %w", err)
	}

	return nil
}

// VectorDimension returns the configured vector size.
func (r *QdrantRepository) VectorDimension() int {
	return r.vectorDimension
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

// collectionVectorSize reads the vector size of an existing collection,
// single or named vectors.
func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}

	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}

	for _, named := range vectors.GetParamsMap().GetMap() {
		if size := named.GetSize(); size > 0 {
			return size, true
		}
	}

	return 0, false
}

// MealPayload is stored with each meal vector.
type MealPayload struct {
	RecordID string `json:"record_id"`
	FoodName string `json:"food_name"`
	Calories int    `json:"calories"`
	Source   string `json:"source"`
}

// Upsert inserts or updates a vector with payload
func (r *QdrantRepository) Upsert(ctx context.Context, pointID string, vector []float32, payload *MealPayload) error {
	id, err := mealPointID(pointID)
	if err != nil {
		return err
	}
	if len(vector) != r.vectorDimension {
		return fmt.Errorf("vector has %d dimensions, collection expects %d", len(vector), r.vectorDimension)
	}

	points := []*pb.PointStruct{
		{
			Id: id,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{
						Data: vector,
					},
				},
			},
			Payload: payloadToValues(payload),
		},
	}

	wait := true
	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

func payloadToValues(p *MealPayload) map[string]*pb.Value {
	return map[string]*pb.Value{
		payloadRecordID: {Kind: &pb.Value_StringValue{StringValue: p.RecordID}},
		payloadFoodName: {Kind: &pb.Value_StringValue{StringValue: p.FoodName}},
		payloadCalories: {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.Calories)}},
		payloadSource:   {Kind: &pb.Value_StringValue{StringValue: p.Source}},
	}
}

// SearchResult represents a search result from Qdrant
type SearchResult struct {
	ID      string
	Score   float32
	Payload *MealPayload
}

// Search returns the topK nearest meals. excludeID, when set, is filtered
// out server-side so a meal never matches itself.
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, topK int, excludeID string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
		Filter: excludeFilter(excludeID),
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, scored := range resp.GetResult() {
		results = append(results, SearchResult{
			ID:      scored.GetId().GetUuid(),
			Score:   scored.GetScore(),
			Payload: parsePayload(scored.GetPayload()),
		})
	}

	return results, nil
}

func excludeFilter(recordID string) *pb.Filter {
	if recordID == "" {
		return nil
	}
	return &pb.Filter{
		MustNot: []*pb.Condition{
			{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key: payloadRecordID,
						Match: &pb.Match{
							MatchValue: &pb.Match_Keyword{Keyword: recordID},
						},
					},
				},
			},
		},
	}
}

func parsePayload(payload map[string]*pb.Value) *MealPayload {
	if payload == nil {
		return nil
	}

	// Missing keys decode to zero values through the nil-safe getters.
	return &MealPayload{
		RecordID: payload[payloadRecordID].GetStringValue(),
		FoodName: payload[payloadFoodName].GetStringValue(),
		Calories: int(payload[payloadCalories].GetIntegerValue()),
		Source:   payload[payloadSource].GetStringValue(),
	}
}

// Delete removes the point of a record. Deleting a missing point succeeds.
func (r *QdrantRepository) Delete(ctx context.Context, pointID string) error {
	id, err := mealPointID(pointID)
	if err != nil {
		return err
	}

	wait := true
	_, err = r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{id},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", pointID, err)
	}

	return nil
}

// mealPointID converts a record ID into a Qdrant point ID. Record IDs are
// UUIDs, which Qdrant accepts directly.
func mealPointID(recordID string) (*pb.PointId, error) {
	uid, err := uuid.Parse(recordID)
	if err != nil {
		return nil, fmt.Errorf("invalid point ID %q: %w", recordID, err)
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}}, nil
}
