package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/vectorindex"
)

const hydrateBatchSize = 500

// BiometricRepository provides persistence APIs for snout signatures.
type BiometricRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewBiometricRepository creates a new repository instance.
func NewBiometricRepository(db *gorm.DB, logger *zap.Logger) *BiometricRepository {
	return &BiometricRepository{
		db:             db,
		logger:         logger.Named("biometric_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// UpsertInput is the signature to store for a subject.
type UpsertInput struct {
	SubjectID    int64
	Embedding    []float32
	QualityScore int
}

// Upsert atomically inserts or overwrites the subject's record. An
// existing record keeps its id and created_at; embedding, quality_score,
// is_active and updated_at are replaced and revision is incremented under
// the row lock, so revisions follow commit order. created reports whether a
// new row was inserted.
func (r *BiometricRepository) Upsert(ctx context.Context, requestID string, in UpsertInput) (rec *BiometricRecord, created bool, err error) {
	var stored BiometricRecord
	candidateID := uuid.NewString()

	err = r.executeWithRetry(ctx, "repository.upsert", requestID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := r.now()
			candidate := BiometricRecord{
				ID:           candidateID,
				SubjectID:    in.SubjectID,
				Embedding:    pgvector.NewVector(in.Embedding),
				QualityScore: in.QualityScore,
				IsActive:     true,
				Revision:     1,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "subject_id"}},
				DoUpdates: append(
					clause.AssignmentColumns([]string{"embedding", "quality_score", "is_active", "updated_at"}),
					clause.Assignment{Column: clause.Column{Name: "revision"}, Value: gorm.Expr("snout_biometries.revision + 1")},
				),
			}).Create(&candidate).Error
			if err != nil {
				return err
			}
			return tx.Where("subject_id = ?", in.SubjectID).First(&stored).Error
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, ErrDuplicateActiveRecord
		}
		return nil, false, err
	}
	return &stored, stored.ID == candidateID, nil
}

// FindBySubject returns the subject's record whether active or not.
func (r *BiometricRepository) FindBySubject(ctx context.Context, subjectID int64) (*BiometricRecord, error) {
	var rec BiometricRecord
	err := r.db.WithContext(ctx).First(&rec, "subject_id = ?", subjectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_subject", "", err)
	}
	return &rec, nil
}

// Deactivate hides the subject's record from search but keeps it.
func (r *BiometricRepository) Deactivate(ctx context.Context, requestID string, subjectID int64) (*BiometricRecord, error) {
	var rec BiometricRecord
	err := r.executeWithRetry(ctx, "repository.deactivate", requestID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&BiometricRecord{}).
				Where("subject_id = ?", subjectID).
				Updates(map[string]any{"is_active": false, "updated_at": r.now()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
			return tx.First(&rec, "subject_id = ?", subjectID).Error
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Delete removes the subject's record permanently and returns it.
func (r *BiometricRepository) Delete(ctx context.Context, requestID string, subjectID int64) (*BiometricRecord, error) {
	var rec BiometricRecord
	err := r.executeWithRetry(ctx, "repository.delete", requestID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "subject_id = ?", subjectID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			return tx.Delete(&BiometricRecord{}, "id = ?", rec.ID).Error
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ForEachActive implements vectorindex.Source.
func (r *BiometricRepository) ForEachActive(ctx context.Context, fn func(vectorindex.Entry) error) error {
	var batch []BiometricRecord
	res := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		FindInBatches(&batch, hydrateBatchSize, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				entry := vectorindex.Entry{
					RecordID:  batch[i].ID,
					SubjectID: batch[i].SubjectID,
					Vector:    batch[i].Vector(),
					Revision:  batch[i].Revision,
				}
				if err := fn(entry); err != nil {
					return err
				}
			}
			return nil
		})
	if res.Error != nil {
		return logging.NewOperationError("repository.for_each_active", "", res.Error)
	}
	return nil
}

// CountActive returns how many subjects currently have a searchable signature.
func (r *BiometricRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&BiometricRecord{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return 0, logging.NewOperationError("repository.count_active", "", err)
	}
	return count, nil
}

// AggregateMetrics summarises the store.
func (r *BiometricRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount     int64
		ActiveCount    int64
		AverageQuality *float64
	}
	err := r.db.WithContext(ctx).Model(&BiometricRecord{}).
		Select("COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0) AS active_count, " +
			"AVG(quality_score) AS average_quality").
		Scan(&row).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}

	var recent int64
	if err := r.db.WithContext(ctx).Model(&BiometricRecord{}).
		Where("updated_at >= ?", r.now().Add(-24*time.Hour)).
		Count(&recent).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}

	agg := &MetricsAggregation{TotalCount: row.TotalCount, ActiveCount: row.ActiveCount, UpdatedLast24hCount: recent}
	if row.AverageQuality != nil {
		agg.AverageQuality = *row.AverageQuality
	}
	return agg, nil
}

func (r *BiometricRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempts := max(r.retryAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
