package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/snoutid/internal/embedding"
	"github.com/example/snoutid/internal/events"
	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/metrics"
	"github.com/example/snoutid/internal/repository"
	"github.com/example/snoutid/internal/snapshot"
	"github.com/example/snoutid/internal/tracing"
	"github.com/example/snoutid/internal/vectorindex"
)

// DefaultMinRegistrationScore is the quality a photo needs to be stored.
const DefaultMinRegistrationScore = 50

// RecordStore defines the persistence operations needed by the use case.
type RecordStore interface {
	Upsert(ctx context.Context, requestID string, in repository.UpsertInput) (*repository.BiometricRecord, bool, error)
	FindBySubject(ctx context.Context, subjectID int64) (*repository.BiometricRecord, error)
	Deactivate(ctx context.Context, requestID string, subjectID int64) (*repository.BiometricRecord, error)
	Delete(ctx context.Context, requestID string, subjectID int64) (*repository.BiometricRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// SubjectDirectory resolves animal profiles and their owners.
type SubjectDirectory interface {
	Find(ctx context.Context, subjectID int64) (*repository.SubjectProfile, error)
	FindMany(ctx context.Context, ids []int64) (map[int64]repository.SubjectProfile, error)
	OwnerOf(ctx context.Context, subjectID int64) (string, error)
}

// Recorder receives business metrics.
type Recorder interface {
	RecordRegistration(outcome string)
	RecordSearch(outcome string, d time.Duration)
	RecordCacheLookup(hit bool)
}

// BiometryUseCase encapsulates registration, identification and
// management of snout signatures.
type BiometryUseCase struct {
	records  RecordStore
	subjects SubjectDirectory
	index    vectorindex.Index
	provider embedding.Provider
	logger   *zap.Logger

	cache     Cache
	snapshots snapshot.Store
	publisher events.Publisher
	recorder  Recorder
	tracer    trace.Tracer

	minScore       int
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewBiometryUseCase constructs a new use case instance. Optional
// collaborators are attached with the With* methods.
func NewBiometryUseCase(records RecordStore, subjects SubjectDirectory, index vectorindex.Index, provider embedding.Provider, logger *zap.Logger) *BiometryUseCase {
	return &BiometryUseCase{
		records:        records,
		subjects:       subjects,
		index:          index,
		provider:       provider,
		logger:         logger.Named("biometry_usecase"),
		snapshots:      snapshot.Nop{},
		publisher:      events.Nop{},
		recorder:       nopRecorder{},
		tracer:         otel.Tracer(tracing.TracerName),
		minScore:       DefaultMinRegistrationScore,
		cacheTTL:       time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithCache enables the search result cache.
func (uc *BiometryUseCase) WithCache(cache Cache, ttl time.Duration) *BiometryUseCase {
	uc.cache = cache
	if ttl > 0 {
		uc.cacheTTL = ttl
	}
	return uc
}

// WithSnapshots stores accepted registration photos.
func (uc *BiometryUseCase) WithSnapshots(store snapshot.Store) *BiometryUseCase {
	uc.snapshots = store
	return uc
}

// WithPublisher emits lifecycle events.
func (uc *BiometryUseCase) WithPublisher(p events.Publisher) *BiometryUseCase {
	uc.publisher = p
	return uc
}

// WithRecorder reports business metrics.
func (uc *BiometryUseCase) WithRecorder(r Recorder) *BiometryUseCase {
	uc.recorder = r
	return uc
}

// WithMinScore overrides the registration quality threshold.
func (uc *BiometryUseCase) WithMinScore(score int) *BiometryUseCase {
	uc.minScore = score
	return uc
}

// Registration is the outcome of a successful Register.
type Registration struct {
	Record   *repository.BiometricRecord
	Created  bool
	Warnings []string
	Message  string
}

// Register computes the subject's signature from imageBytes and stores it,
// replacing any previous one.
func (uc *BiometryUseCase) Register(ctx context.Context, subjectID int64, ownerID string, imageBytes []byte) (*Registration, error) {
	requestID := requestIDFrom(ctx)
	ctx, span := uc.tracer.Start(ctx, "usecase.register", trace.WithAttributes(attribute.Int64("subject_id", subjectID)))
	defer span.End()
	opLogger := logging.WithSubject(logging.WithOperation(uc.logger, "usecase.register", requestID), subjectID)

	if err := uc.authorize(ctx, subjectID, ownerID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	res, err := uc.provider.Embed(ctx, imageBytes)
	var failure *embedding.Failure
	if errors.As(err, &failure) && failure.Quality != nil && failure.Quality.Score < uc.minScore {
		// A photo the gate rejects is reported as such even when the model
		// could not describe it either.
		uc.recorder.RecordRegistration(metrics.RegistrationRejected)
		opLogger.Info("registration rejected for quality", zap.Int("score", failure.Quality.Score), zap.Strings("issues", failure.Quality.Messages()))
		return nil, &QualityTooLowError{Score: failure.Quality.Score, Issues: failure.Quality.Issues}
	}
	if err != nil {
		uc.recorder.RecordRegistration(metrics.RegistrationFailed)
		tracing.RecordError(span, err)
		opLogger.Warn("embedding failed", zap.Error(err))
		return nil, classifyEmbedError(err)
	}

	warnings := res.IssueMessages()
	span.SetAttributes(attribute.Int("quality_score", res.Score))
	if res.Score < uc.minScore {
		uc.recorder.RecordRegistration(metrics.RegistrationRejected)
		opLogger.Info("registration rejected for quality", zap.Int("score", res.Score), zap.Strings("issues", warnings))
		return nil, &QualityTooLowError{Score: res.Score, Issues: res.Issues}
	}

	in := repository.UpsertInput{SubjectID: subjectID, Embedding: res.Vector, QualityScore: res.Score}
	rec, created, err := uc.records.Upsert(ctx, requestID, in)
	if errors.Is(err, repository.ErrDuplicateActiveRecord) {
		opLogger.Warn("concurrent registration detected, retrying once")
		rec, created, err = uc.records.Upsert(ctx, requestID, in)
	}
	if err != nil {
		uc.recorder.RecordRegistration(metrics.RegistrationFailed)
		tracing.RecordError(span, err)
		if errors.Is(err, repository.ErrDuplicateActiveRecord) {
			return nil, ErrDuplicateActiveRecord
		}
		opLogger.Error("failed to persist biometry", zap.Error(err))
		return nil, &StorageError{Op: "register", Err: err}
	}

	if err := uc.index.Upsert(ctx, vectorindex.Entry{RecordID: rec.ID, SubjectID: subjectID, Vector: rec.Vector(), Revision: rec.Revision}); err != nil {
		opLogger.Warn("index write-through failed, the periodic index repair will fix it", zap.Error(err))
	}
	uc.invalidateSearches(ctx, requestID)

	if _, err := uc.snapshots.Put(ctx, subjectID, imageBytes); err != nil {
		opLogger.Warn("failed to store registration snapshot", zap.Error(err))
	}

	eventType, outcome, verb := events.TypeUpdated, metrics.RegistrationUpdated, "updated"
	if created {
		eventType, outcome, verb = events.TypeRegistered, metrics.RegistrationCreated, "registered"
	}
	uc.publish(ctx, events.Event{
		Type:         eventType,
		SubjectID:    subjectID,
		RecordID:     rec.ID,
		QualityScore: rec.QualityScore,
		ActorID:      ownerID,
		RequestID:    requestID,
	})
	uc.recorder.RecordRegistration(outcome)

	message := fmt.Sprintf("Biometry %s successfully! Quality: %d/100", verb, res.Score)
	if len(warnings) > 0 {
		message += "\nWarnings: " + strings.Join(warnings, ", ")
	}
	opLogger.Info("biometry stored", zap.String("record_id", rec.ID), zap.Bool("created", created), zap.Int("score", res.Score))
	return &Registration{Record: rec, Created: created, Warnings: warnings, Message: message}, nil
}

// Get returns the subject's stored signature to its owner.
func (uc *BiometryUseCase) Get(ctx context.Context, subjectID int64, ownerID string) (*repository.BiometricRecord, error) {
	if err := uc.authorize(ctx, subjectID, ownerID); err != nil {
		return nil, err
	}
	rec, err := uc.records.FindBySubject(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBiometryNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// Deactivate hides the subject's signature from identification while
// keeping it stored.
func (uc *BiometryUseCase) Deactivate(ctx context.Context, subjectID int64, ownerID string) (*repository.BiometricRecord, error) {
	requestID := requestIDFrom(ctx)
	ctx, span := uc.tracer.Start(ctx, "usecase.deactivate", trace.WithAttributes(attribute.Int64("subject_id", subjectID)))
	defer span.End()

	if err := uc.authorize(ctx, subjectID, ownerID); err != nil {
		return nil, err
	}
	rec, err := uc.records.Deactivate(ctx, requestID, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBiometryNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, &StorageError{Op: "deactivate", Err: err}
	}

	uc.removeFromIndex(ctx, requestID, subjectID)
	uc.publish(ctx, events.Event{Type: events.TypeDeactivated, SubjectID: subjectID, RecordID: rec.ID, ActorID: ownerID, RequestID: requestID})
	return rec, nil
}

// Delete permanently removes the subject's signature and snapshot.
func (uc *BiometryUseCase) Delete(ctx context.Context, subjectID int64, ownerID string) error {
	requestID := requestIDFrom(ctx)
	ctx, span := uc.tracer.Start(ctx, "usecase.delete", trace.WithAttributes(attribute.Int64("subject_id", subjectID)))
	defer span.End()
	opLogger := logging.WithSubject(logging.WithOperation(uc.logger, "usecase.delete", requestID), subjectID)

	if err := uc.authorize(ctx, subjectID, ownerID); err != nil {
		return err
	}
	rec, err := uc.records.Delete(ctx, requestID, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrBiometryNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return &StorageError{Op: "delete", Err: err}
	}

	uc.removeFromIndex(ctx, requestID, subjectID)
	if err := uc.snapshots.Remove(ctx, subjectID); err != nil {
		opLogger.Warn("failed to remove registration snapshot", zap.Error(err))
	}
	uc.publish(ctx, events.Event{Type: events.TypeDeleted, SubjectID: subjectID, RecordID: rec.ID, ActorID: ownerID, RequestID: requestID})
	opLogger.Info("biometry deleted", zap.String("record_id", rec.ID))
	return nil
}

func (uc *BiometryUseCase) authorize(ctx context.Context, subjectID int64, ownerID string) error {
	owner, err := uc.subjects.OwnerOf(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSubjectNotFound
	}
	if err != nil {
		return &StorageError{Op: "authorize", Err: err}
	}
	if owner != ownerID {
		return ErrPermissionDenied
	}
	return nil
}

func (uc *BiometryUseCase) removeFromIndex(ctx context.Context, requestID string, subjectID int64) {
	if err := uc.index.Remove(ctx, subjectID); err != nil {
		logging.WithOperation(uc.logger, "usecase.index_remove", requestID).
			Warn("index removal failed, the periodic index repair will fix it", zap.Int64("subject_id", subjectID), zap.Error(err))
	}
	uc.invalidateSearches(ctx, requestID)
}

func (uc *BiometryUseCase) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = uc.now()
	if err := uc.publisher.Publish(ctx, e); err != nil {
		logging.WithOperation(uc.logger, "usecase.publish", e.RequestID).
			Warn("failed to publish event", zap.String("type", e.Type), zap.Error(err))
	}
}

func classifyEmbedError(err error) error {
	var failure *embedding.Failure
	if errors.As(err, &failure) {
		if failure.Kind == embedding.FailureDecode {
			return &ImageDecodeError{Issues: failure.Reasons}
		}
		return &EmbeddingGenerationError{Issues: failure.Reasons}
	}
	return &EmbeddingGenerationError{Issues: []string{"embedding service unavailable"}}
}

func requestIDFrom(ctx context.Context) string {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

type nopRecorder struct{}

func (nopRecorder) RecordRegistration(string)          {}
func (nopRecorder) RecordSearch(string, time.Duration) {}
func (nopRecorder) RecordCacheLookup(bool)             {}
