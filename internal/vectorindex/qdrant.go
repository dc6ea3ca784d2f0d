package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

const (
	subjectPayloadKey  = "subject_id"
	revisionPayloadKey = "revision"
	scrollPageSize     = 256
)

// QdrantAPI is the subset of *qdrant.Client used by the index.
type QdrantAPI interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	ScrollAndOffset(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
}

// QdrantConfig locates the collection holding signatures.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimension  int
}

// Qdrant stores one point per active signature in a cosine collection.
// The point id is the record id; subject and revision are kept in the
// payload. Reconcile converges the collection on the store.
type Qdrant struct {
	api        QdrantAPI
	collection string
	logger     *zap.Logger

	// Write-throughs hold writeMu shared; Reconcile holds it exclusively
	// while it applies its diff.
	writeMu     sync.RWMutex
	reconcileMu sync.Mutex
	touchedMu   sync.Mutex
	// touched collects the subjects written while a reconcile is in flight.
	touched map[int64]struct{}
}

// DialQdrant connects to qdrant over gRPC and makes sure the collection
// exists.
func DialQdrant(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*Qdrant, *qdrant.Client, error) {
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init qdrant client: %w", err)
	}
	idx := NewQdrant(client, cfg.Collection, logger)
	if err := idx.EnsureCollection(ctx, cfg.Dimension); err != nil {
		client.Close()
		return nil, nil, err
	}
	return idx, client, nil
}

// NewQdrant wraps an existing client.
func NewQdrant(api QdrantAPI, collection string, logger *zap.Logger) *Qdrant {
	return &Qdrant{api: api, collection: collection, logger: logger.Named("vectorindex.qdrant")}
}

// EnsureCollection creates the collection if it is missing.
func (q *Qdrant) EnsureCollection(ctx context.Context, dim int) error {
	exists, err := q.api.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check qdrant collection %q: %w", q.collection, err)
	}
	if exists {
		return nil
	}
	err = q.api.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %q: %w", q.collection, err)
	}
	q.logger.Info("created qdrant collection", zap.String("collection", q.collection), zap.Int("dimension", dim))
	return nil
}

// Upsert implements Index. Any older point of the subject is dropped first
// so a re-registration never leaves two points behind.
func (q *Qdrant) Upsert(ctx context.Context, e Entry) error {
	q.writeMu.RLock()
	defer q.writeMu.RUnlock()
	q.touch(e.SubjectID)

	if err := q.removeSubject(ctx, e.SubjectID); err != nil {
		return err
	}
	return q.upsertPoints(ctx, []Entry{e})
}

// Remove implements Index.
func (q *Qdrant) Remove(ctx context.Context, subjectID int64) error {
	q.writeMu.RLock()
	defer q.writeMu.RUnlock()
	q.touch(subjectID)
	return q.removeSubject(ctx, subjectID)
}

func (q *Qdrant) touch(subjectID int64) {
	q.touchedMu.Lock()
	defer q.touchedMu.Unlock()
	if q.touched != nil {
		q.touched[subjectID] = struct{}{}
	}
}

func (q *Qdrant) upsertPoints(ctx context.Context, entries []Entry) error {
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(e.RecordID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{subjectPayloadKey: e.SubjectID, revisionPayloadKey: e.Revision}),
		}
	}
	wait := true
	_, err := q.api.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) removeSubject(ctx context.Context, subjectID int64) error {
	wait := true
	_, err := q.api.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchInt(subjectPayloadKey, subjectID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

// Search implements Index.
func (q *Qdrant) Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Hit, error) {
	l := uint64(limit)
	score := float32(threshold)
	resp, err := q.api.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &l,
		ScoreThreshold: &score,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(resp))
	for _, p := range resp {
		id, err := pointID(p.GetId())
		if err != nil {
			return nil, err
		}
		subject, ok := p.GetPayload()[subjectPayloadKey]
		if !ok {
			q.logger.Warn("qdrant point without subject", zap.String("record_id", id))
			continue
		}
		hits = append(hits, Hit{RecordID: id, SubjectID: subject.GetIntegerValue(), Similarity: float64(p.GetScore())})
	}
	// The float32 score threshold can round a borderline hit in.
	return Rank(hits, threshold, limit), nil
}

// ReconcileStats counts the repairs made by one Reconcile.
type ReconcileStats struct {
	Active   int
	Upserted int
	Deleted  int
}

// Reconcile makes the collection match the store's active signatures:
// points of inactive, deleted or superseded records are deleted and
// missing or outdated signatures are written. Subjects written through
// Upsert or Remove while it runs are left as those writes put them.
func (q *Qdrant) Reconcile(ctx context.Context, src Source) (ReconcileStats, error) {
	q.reconcileMu.Lock()
	defer q.reconcileMu.Unlock()

	q.touchedMu.Lock()
	q.touched = make(map[int64]struct{})
	q.touchedMu.Unlock()
	defer func() {
		q.touchedMu.Lock()
		q.touched = nil
		q.touchedMu.Unlock()
	}()

	active := make(map[int64]Entry)
	if err := src.ForEachActive(ctx, func(e Entry) error {
		active[e.SubjectID] = e
		return nil
	}); err != nil {
		return ReconcileStats{}, err
	}

	var stale []*qdrant.PointId
	staleSubjects := make(map[*qdrant.PointId]int64)
	current := make(map[int64]bool)
	var offset *qdrant.PointId
	for {
		limit := uint32(scrollPageSize)
		points, next, err := q.api.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayloadInclude(subjectPayloadKey, revisionPayloadKey),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return ReconcileStats{}, fmt.Errorf("qdrant scroll: %w", err)
		}
		for _, p := range points {
			id, err := pointID(p.GetId())
			if err != nil {
				return ReconcileStats{}, err
			}
			payload := p.GetPayload()
			subject := payload[subjectPayloadKey].GetIntegerValue()
			e, ok := active[subject]
			if ok && e.RecordID == id && e.Revision == payload[revisionPayloadKey].GetIntegerValue() && !current[subject] {
				current[subject] = true
				continue
			}
			stale = append(stale, p.GetId())
			staleSubjects[p.GetId()] = subject
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	q.touchedMu.Lock()
	touched := q.touched
	q.touched = nil
	q.touchedMu.Unlock()

	stats := ReconcileStats{Active: len(active)}
	var deletions []*qdrant.PointId
	for _, id := range stale {
		if _, ok := touched[staleSubjects[id]]; !ok {
			deletions = append(deletions, id)
		}
	}
	if len(deletions) > 0 {
		wait := true
		_, err := q.api.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collection,
			Wait:           &wait,
			Points:         qdrant.NewPointsSelector(deletions...),
		})
		if err != nil {
			return stats, fmt.Errorf("qdrant delete: %w", err)
		}
		stats.Deleted = len(deletions)
	}

	var missing []Entry
	for subject, e := range active {
		if _, ok := touched[subject]; ok || current[subject] {
			continue
		}
		missing = append(missing, e)
	}
	for start := 0; start < len(missing); start += scrollPageSize {
		batch := missing[start:min(start+scrollPageSize, len(missing))]
		if err := q.upsertPoints(ctx, batch); err != nil {
			return stats, err
		}
		stats.Upserted += len(batch)
	}

	if stats.Deleted > 0 || stats.Upserted > 0 {
		q.logger.Info("qdrant collection reconciled",
			zap.Int("active", stats.Active), zap.Int("upserted", stats.Upserted), zap.Int("deleted", stats.Deleted))
	}
	return stats, nil
}

// Run reconciles the collection every interval until ctx is done.
func (q *Qdrant) Run(ctx context.Context, src Source, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Reconcile(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("periodic qdrant reconcile failed", zap.Error(err))
			}
		}
	}
}

func pointID(id *qdrant.PointId) (string, error) {
	if id == nil {
		return "", fmt.Errorf("nil point id")
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num), nil
	case *qdrant.PointId_Uuid:
		return v.Uuid, nil
	default:
		return "", fmt.Errorf("unexpected point id type %T", v)
	}
}
