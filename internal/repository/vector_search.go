package repository

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/vectorindex"
)

// PGVectorIndex searches snout_biometries through its ivfflat index. The
// table is the index, so Upsert and Remove have nothing to do.
type PGVectorIndex struct {
	db     *gorm.DB
	probes int
}

// NewPGVectorIndex builds the postgres-native index. probes is the number
// of ivfflat lists visited per query.
func NewPGVectorIndex(db *gorm.DB, probes int) *PGVectorIndex {
	if probes <= 0 {
		probes = 1
	}
	return &PGVectorIndex{db: db, probes: probes}
}

// Upsert implements vectorindex.Index.
func (p *PGVectorIndex) Upsert(context.Context, vectorindex.Entry) error { return nil }

// Remove implements vectorindex.Index.
func (p *PGVectorIndex) Remove(context.Context, int64) error { return nil }

// tieSlack is how many candidates beyond limit the nearest-neighbour scan
// returns, so that rows tied with the last kept similarity reach the
// record id tie-break. Ties wider than the slack are cut by distance
// order alone, which ivfflat does not make deterministic.
const tieSlack = 16

func candidateLimit(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit + tieSlack
}

// The inner query keeps the ORDER BY on the distance operator alone so
// the planner can walk the ivfflat index.
const nearestSQL = `
SELECT id AS record_id, subject_id, similarity FROM (
	SELECT id, subject_id, 1 - (embedding <=> ?::vector) AS similarity
	FROM snout_biometries
	WHERE is_active = true
	ORDER BY embedding <=> ?::vector
	LIMIT ?
) nn
WHERE similarity >= ?
ORDER BY similarity DESC, id ASC`

// Search implements vectorindex.Index.
func (p *PGVectorIndex) Search(ctx context.Context, query []float32, threshold float64, limit int) ([]vectorindex.Hit, error) {
	q := pgvector.NewVector(query)
	var hits []vectorindex.Hit
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", p.probes)).Error; err != nil {
			return err
		}
		return tx.Raw(nearestSQL, q, q, candidateLimit(limit), threshold).Scan(&hits).Error
	})
	if err != nil {
		return nil, logging.NewOperationError("repository.pgvector_search", "", err)
	}
	return vectorindex.Rank(hits, threshold, limit), nil
}
