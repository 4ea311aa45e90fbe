package qdrant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	qdrantgo "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
)

type GRPCConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize int
}

// GRPCStore is the VectorStore over Qdrant's gRPC API.
type GRPCStore struct {
	client     *qdrantgo.Client
	collection string
	vectorSize int

	ensureMu sync.Mutex
	ensured  bool
}

func NewGRPCStore(cfg GRPCConfig) (*GRPCStore, error) {
	client, err := qdrantgo.NewClient(&qdrantgo.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant grpc client: %w", err)
	}
	return &GRPCStore{client: client, collection: cfg.Collection, vectorSize: cfg.VectorSize}, nil
}

func (s *GRPCStore) Close() error {
	return s.client.Close()
}

func (s *GRPCStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return classifyGRPCError("qdrant health check", err)
	}
	return nil
}

func (s *GRPCStore) Upsert(ctx context.Context, records []domain.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, len(records[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrantgo.PointStruct, 0, len(records))
	for _, rec := range records {
		payload, err := qdrantgo.TryValueMap(recordPayload(rec))
		if err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("record %s payload: %w", rec.ID, err))
		}
		points = append(points, &qdrantgo.PointStruct{
			Id:      qdrantgo.NewIDUUID(fingerprint.PointUUID(rec.ID)),
			Vectors: qdrantgo.NewVectorsDense(rec.Vector),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrantgo.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrantgo.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return classifyGRPCError("qdrant upsert", err)
	}
	return nil
}

func (s *GRPCStore) DeleteByFingerprint(ctx context.Context, jurisdiction, fp string) error {
	_, err := s.client.Delete(ctx, &qdrantgo.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrantgo.PtrOf(true),
		Points: qdrantgo.NewPointsSelectorFilter(grpcFilter(map[string]string{
			fieldJurisdiction: domain.NormalizeJurisdiction(jurisdiction),
			fieldFingerprint:  fp,
		})),
	})
	if err != nil {
		err = classifyGRPCError("qdrant delete", err)
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *GRPCStore) Search(ctx context.Context, queryVector []float32, filter domain.SearchFilter, limit int) ([]domain.IndexRecord, error) {
	if domain.NormalizeJurisdiction(filter.Jurisdiction) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", errors.New("jurisdiction filter is required"))
	}
	points, err := s.client.Query(ctx, &qdrantgo.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrantgo.NewQueryDense(queryVector),
		Filter:         grpcFilter(filterConditions(filter)),
		Limit:          qdrantgo.PtrOf(uint64(max(limit, 1))),
		WithPayload:    qdrantgo.NewWithPayload(true),
	})
	if err != nil {
		err = classifyGRPCError("qdrant search", err)
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.IndexRecord, 0, len(points))
	for _, p := range points {
		out = append(out, recordFromPayload(plainPayload(p.GetPayload()), float64(p.GetScore())))
	}
	return out, nil
}

func (s *GRPCStore) ensureCollection(ctx context.Context, vectorSize int) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return classifyGRPCError("qdrant collection exists", err)
	}
	if !exists {
		size := s.vectorSize
		if size <= 0 {
			size = vectorSize
		}
		err := s.client.CreateCollection(ctx, &qdrantgo.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrantgo.NewVectorsConfig(&qdrantgo.VectorParams{
				Size:     uint64(size),
				Distance: qdrantgo.Distance_Cosine,
			}),
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return classifyGRPCError("qdrant create collection", err)
		}
		for _, field := range []string{fieldJurisdiction, fieldSubJurisdiction, fieldFingerprint} {
			_, err := s.client.CreateFieldIndex(ctx, &qdrantgo.CreateFieldIndexCollection{
				CollectionName: s.collection,
				Wait:           qdrantgo.PtrOf(true),
				FieldName:      field,
				FieldType:      qdrantgo.FieldType_FieldTypeKeyword.Enum(),
			})
			if err != nil {
				return classifyGRPCError("qdrant field index", err)
			}
		}
	}
	s.ensured = true
	return nil
}

func grpcFilter(conditions map[string]string) *qdrantgo.Filter {
	must := make([]*qdrantgo.Condition, 0, len(conditions))
	for key, value := range conditions {
		must = append(must, qdrantgo.NewMatch(key, value))
	}
	return &qdrantgo.Filter{Must: must}
}

func plainPayload(payload map[string]*qdrantgo.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		switch kind := value.GetKind().(type) {
		case *qdrantgo.Value_StringValue:
			out[key] = kind.StringValue
		case *qdrantgo.Value_IntegerValue:
			out[key] = kind.IntegerValue
		case *qdrantgo.Value_DoubleValue:
			out[key] = kind.DoubleValue
		case *qdrantgo.Value_BoolValue:
			out[key] = kind.BoolValue
		}
	}
	return out
}

func classifyGRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	var exhausted *qdrantgo.QdrantResourceExhaustedError
	if errors.As(err, &exhausted) {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	switch status.Code(err) {
	case codes.NotFound:
		return domain.WrapError(domain.ErrNotFound, op, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return domain.WrapError(domain.ErrUnauthorized, op, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return domain.WrapError(domain.ErrInvalidInput, op, err)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	default:
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
}
