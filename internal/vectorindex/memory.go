package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	maxLists           = 256
	kmeansIterations   = 20
	defaultNProbe      = 8
	defaultMinTraining = 256
)

// MemoryOptions tunes the in-memory IVF index.
type MemoryOptions struct {
	Dimension int
	// NProbe is the number of lists visited per query.
	NProbe int
	// MinTrainSize is the population below which the index stays a flat
	// exact scan.
	MinTrainSize int
	Seed         int64
}

type memEntry struct {
	Entry
	list int
}

// Memory is an inverted-file index held in process memory. Vectors are
// partitioned by spherical k-means; a query scans the NProbe lists whose
// centroids are most similar to it. Writes are applied incrementally and
// the partitioning is retrained from the store by Rebuild, or inline once
// the population has doubled since the last training.
type Memory struct {
	mu           sync.RWMutex
	dim          int
	nprobe       int
	minTrainSize int
	rng          *rand.Rand
	logger       *zap.Logger

	entries   map[int64]*memEntry
	centroids [][]float32
	lists     []map[int64]struct{}
	trainedAt int

	// rebuildMu serializes Rebuild. While a rebuild scans the store,
	// pending collects the writes applied meanwhile, keyed by subject; a
	// nil value is a removal.
	rebuildMu sync.Mutex
	pending   map[int64]*Entry

	generation atomic.Uint64
}

// NewMemory creates an empty index.
func NewMemory(opts MemoryOptions, logger *zap.Logger) *Memory {
	if opts.NProbe <= 0 {
		opts.NProbe = defaultNProbe
	}
	if opts.MinTrainSize <= 0 {
		opts.MinTrainSize = defaultMinTraining
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Memory{
		dim:          opts.Dimension,
		nprobe:       opts.NProbe,
		minTrainSize: opts.MinTrainSize,
		rng:          rand.New(rand.NewSource(opts.Seed)),
		logger:       logger.Named("vectorindex.memory"),
		entries:      make(map[int64]*memEntry),
	}
}

// Len returns the number of indexed signatures.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Trained reports whether queries go through the inverted lists.
func (m *Memory) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.centroids != nil
}

// Generation increases on every change to the indexed set.
func (m *Memory) Generation() uint64 {
	return m.generation.Load()
}

// Upsert implements Index.
func (m *Memory) Upsert(_ context.Context, e Entry) error {
	if m.dim > 0 && len(e.Vector) != m.dim {
		return fmt.Errorf("vector dimension %d doesn't match index dimension %d", len(e.Vector), m.dim)
	}
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	e.Vector = vec

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[e.SubjectID]; ok && cur.Revision > e.Revision {
		return nil
	}
	if m.pending != nil {
		if p, ok := m.pending[e.SubjectID]; !ok || p == nil || p.Revision <= e.Revision {
			pe := e
			m.pending[e.SubjectID] = &pe
		}
	}

	m.detach(e.SubjectID)
	me := &memEntry{Entry: e, list: -1}
	m.entries[e.SubjectID] = me
	if m.centroids != nil {
		m.attach(me)
	}
	m.generation.Add(1)

	n := len(m.entries)
	if n >= m.minTrainSize && (m.centroids == nil || n >= 2*m.trainedAt) {
		m.train()
	}
	return nil
}

// Remove implements Index.
func (m *Memory) Remove(_ context.Context, subjectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending[subjectID] = nil
	}
	if m.detach(subjectID) {
		delete(m.entries, subjectID)
		m.generation.Add(1)
	}
	return nil
}

// Search implements Index.
func (m *Memory) Search(ctx context.Context, query []float32, threshold float64, limit int) ([]Hit, error) {
	if m.dim > 0 && len(query) != m.dim {
		return nil, fmt.Errorf("query dimension %d doesn't match index dimension %d", len(query), m.dim)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	consider := func(e *memEntry) {
		if sim := dot(query, e.Vector); sim >= threshold {
			hits = append(hits, Hit{RecordID: e.RecordID, SubjectID: e.SubjectID, Similarity: sim})
		}
	}

	if m.centroids == nil {
		for _, e := range m.entries {
			consider(e)
		}
		return Rank(hits, threshold, limit), ctx.Err()
	}

	for _, list := range m.nearestLists(query, m.nprobe) {
		for id := range m.lists[list] {
			consider(m.entries[id])
		}
	}
	return Rank(hits, threshold, limit), ctx.Err()
}

// Rebuild replaces the indexed set with the store's active signatures and
// retrains the partitioning. Upserts and removals that land while the store
// is being scanned are replayed over the scanned set, so a subject removed
// during the scan stays removed.
func (m *Memory) Rebuild(ctx context.Context, src Source) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.Lock()
	m.pending = make(map[int64]*Entry)
	m.mu.Unlock()

	fresh := make(map[int64]*memEntry)
	err := src.ForEachActive(ctx, func(e Entry) error {
		if m.dim > 0 && len(e.Vector) != m.dim {
			return fmt.Errorf("record %s has dimension %d, expected %d", e.RecordID, len(e.Vector), m.dim)
		}
		fresh[e.SubjectID] = &memEntry{Entry: e, list: -1}
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pending
	m.pending = nil
	if err != nil {
		return err
	}

	for subjectID, e := range pending {
		if e == nil {
			delete(fresh, subjectID)
			continue
		}
		if cur, ok := fresh[subjectID]; ok && cur.Revision > e.Revision {
			continue
		}
		fresh[subjectID] = &memEntry{Entry: *e, list: -1}
	}

	m.entries = fresh
	m.centroids = nil
	m.lists = nil
	m.trainedAt = 0
	if len(fresh) >= m.minTrainSize {
		m.train()
	}
	m.generation.Add(1)
	m.logger.Info("index rebuilt", zap.Int("size", len(fresh)), zap.Int("lists", len(m.centroids)))
	return nil
}

// Run rebuilds the index every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, src Source, interval time.Duration) {
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
			if err := m.Rebuild(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("periodic index rebuild failed", zap.Error(err))
			}
		}
	}
}

// train must be called with mu held.
func (m *Memory) train() {
	n := len(m.entries)
	k := int(math.Sqrt(float64(n)))
	k = max(1, min(k, maxLists))

	vectors := make([][]float32, 0, n)
	for _, e := range m.entries {
		vectors = append(vectors, e.Vector)
	}
	// Map iteration order is random; sort for reproducible training.
	sort.Slice(vectors, func(i, j int) bool { return lessVector(vectors[i], vectors[j]) })

	m.centroids = sphericalKMeans(vectors, k, kmeansIterations, m.rng)
	m.lists = make([]map[int64]struct{}, len(m.centroids))
	for i := range m.lists {
		m.lists[i] = make(map[int64]struct{})
	}
	for _, e := range m.entries {
		m.attach(e)
	}
	m.trainedAt = n
}

func (m *Memory) attach(e *memEntry) {
	e.list = m.nearestLists(e.Vector, 1)[0]
	m.lists[e.list][e.SubjectID] = struct{}{}
}

func (m *Memory) detach(subjectID int64) bool {
	e, ok := m.entries[subjectID]
	if !ok {
		return false
	}
	if e.list >= 0 && e.list < len(m.lists) {
		delete(m.lists[e.list], subjectID)
	}
	return true
}

func (m *Memory) nearestLists(v []float32, n int) []int {
	type scored struct {
		idx int
		sim float64
	}
	ranked := make([]scored, len(m.centroids))
	for i, c := range m.centroids {
		ranked[i] = scored{i, dot(v, c)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })
	n = min(n, len(ranked))
	out := make([]int, n)
	for i := range out {
		out[i] = ranked[i].idx
	}
	return out
}

// sphericalKMeans clusters unit vectors by cosine similarity. Seeds are
// chosen with k-means++ over cosine distance; centroids are renormalized
// after each update.
func sphericalKMeans(vectors [][]float32, k, iterations int, rng *rand.Rand) [][]float32 {
	dim := len(vectors[0])
	k = min(k, len(vectors))

	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(vectors[rng.Intn(len(vectors))]))
	nearest := make([]float64, len(vectors))
	for i := range nearest {
		nearest[i] = math.Inf(1)
	}
	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		var total float64
		for i, v := range vectors {
			d := 1 - dot(v, last)
			if d < 0 {
				d = 0
			}
			if d*d < nearest[i] {
				nearest[i] = d * d
			}
			total += nearest[i]
		}
		if total == 0 {
			break
		}
		r := rng.Float64() * total
		pick := len(vectors) - 1
		var acc float64
		for i, d := range nearest {
			acc += d
			if acc >= r {
				pick = i
				break
			}
		}
		centroids = append(centroids, clone(vectors[pick]))
	}

	assign := make([]int, len(vectors))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestSim := 0, math.Inf(-1)
			for c, centroid := range centroids {
				if s := dot(v, centroid); s > bestSim {
					best, bestSim = c, s
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, len(centroids))
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			s := sums[assign[i]]
			for j, x := range v {
				s[j] += float64(x)
			}
		}
		for c, s := range sums {
			var norm float64
			for _, x := range s {
				norm += x * x
			}
			if norm == 0 {
				// Empty cluster keeps its previous centroid.
				continue
			}
			norm = math.Sqrt(norm)
			for j, x := range s {
				centroids[c][j] = float32(x / norm)
			}
		}
	}
	return centroids
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func lessVector(a, b []float32) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
