// Package vectorindex holds the similarity indexes searched by the
// identification flow. Every backend scores by cosine similarity over unit
// vectors, keeps only hits at or above the threshold, and orders them by
// similarity descending with record id ascending as tie-break.
package vectorindex

import (
	"context"
	"sort"
)

// Entry is one active signature. Revision grows with every write of the
// subject's record; an index never replaces an entry with an older one.
type Entry struct {
	RecordID  string
	SubjectID int64
	Vector    []float32
	Revision  int64
}

// Hit is a candidate match.
type Hit struct {
	RecordID   string  `json:"record_id"`
	SubjectID  int64   `json:"subject_id"`
	Similarity float64 `json:"similarity"`
}

// Index answers nearest-neighbour queries over active signatures.
// Upsert and Remove are keyed by subject: a subject has one signature.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Remove(ctx context.Context, subjectID int64) error
	Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Hit, error)
}

// Source streams every active signature, used to (re)build an index.
type Source interface {
	ForEachActive(ctx context.Context, fn func(Entry) error) error
}

// Rank filters hits below threshold, orders them and truncates to limit.
// It is shared by every backend so the ordering rule lives in one place.
func Rank(hits []Hit, threshold float64, limit int) []Hit {
	kept := hits[:0]
	for _, h := range hits {
		if h.Similarity >= threshold {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		return kept[i].RecordID < kept[j].RecordID
	})
	if limit >= 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
