package repository

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// BiometricRecord is the single snout signature of an animal profile.
type BiometricRecord struct {
	ID           string          `gorm:"column:id;primaryKey;size:36"`
	SubjectID    int64           `gorm:"column:subject_id;not null;uniqueIndex:ux_snout_biometries_subject_id"`
	Embedding    pgvector.Vector `gorm:"column:embedding;type:vector(768);not null"`
	QualityScore int             `gorm:"column:quality_score"`
	IsActive     bool            `gorm:"column:is_active;not null;index"`
	Revision     int64           `gorm:"column:revision;not null;default:1"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (BiometricRecord) TableName() string {
	return "snout_biometries"
}

// Vector returns the stored signature.
func (r *BiometricRecord) Vector() []float32 {
	return r.Embedding.Slice()
}

// MetricsAggregation is the store-wide summary used by the stats endpoint.
type MetricsAggregation struct {
	TotalCount          int64
	ActiveCount         int64
	AverageQuality      float64
	UpdatedLast24hCount int64
}
