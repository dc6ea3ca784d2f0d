package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/example/snoutid/internal/embedding"
	"github.com/example/snoutid/internal/events"
	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/quality"
	"github.com/example/snoutid/internal/repository"
	"github.com/example/snoutid/internal/testutil"
	"github.com/example/snoutid/internal/vectorindex"
)

type stubRecords struct {
	mu          sync.Mutex
	bySubject   map[int64]*repository.BiometricRecord
	upsertErrs  []error
	upsertCalls int
	deleteErr   error
	nextID      int
	clock       time.Time
	aggregation *repository.MetricsAggregation
}

func newStubRecords() *stubRecords {
	return &stubRecords{
		bySubject: map[int64]*repository.BiometricRecord{},
		clock:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *stubRecords) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *stubRecords) Upsert(ctx context.Context, requestID string, in repository.UpsertInput) (*repository.BiometricRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if len(s.upsertErrs) > 0 {
		err := s.upsertErrs[0]
		s.upsertErrs = s.upsertErrs[1:]
		if err != nil {
			return nil, false, err
		}
	}
	now := s.tick()
	rec, ok := s.bySubject[in.SubjectID]
	if !ok {
		s.nextID++
		rec = &repository.BiometricRecord{ID: fmt.Sprintf("rec-%03d", s.nextID), SubjectID: in.SubjectID, CreatedAt: now}
		s.bySubject[in.SubjectID] = rec
	}
	vec := make([]float32, len(in.Embedding))
	copy(vec, in.Embedding)
	rec.Embedding = pgvector.NewVector(vec)
	rec.QualityScore = in.QualityScore
	rec.IsActive = true
	rec.UpdatedAt = now
	out := *rec
	return &out, !ok, nil
}

func (s *stubRecords) FindBySubject(ctx context.Context, subjectID int64) (*repository.BiometricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySubject[subjectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *stubRecords) Deactivate(ctx context.Context, requestID string, subjectID int64) (*repository.BiometricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySubject[subjectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec.IsActive = false
	rec.UpdatedAt = s.tick()
	out := *rec
	return &out, nil
}

func (s *stubRecords) Delete(ctx context.Context, requestID string, subjectID int64) (*repository.BiometricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return nil, s.deleteErr
	}
	rec, ok := s.bySubject[subjectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.bySubject, subjectID)
	return rec, nil
}

func (s *stubRecords) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation == nil {
		return nil, errors.New("aggregation unavailable")
	}
	return s.aggregation, nil
}

func (s *stubRecords) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.bySubject {
		if rec.IsActive {
			n++
		}
	}
	return n
}

type stubSubjects struct {
	profiles map[int64]repository.SubjectProfile
	err      error
}

func newStubSubjects(profiles ...repository.SubjectProfile) *stubSubjects {
	s := &stubSubjects{profiles: map[int64]repository.SubjectProfile{}}
	for _, p := range profiles {
		s.profiles[p.SubjectID] = p
	}
	return s
}

func (s *stubSubjects) Find(ctx context.Context, subjectID int64) (*repository.SubjectProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *stubSubjects) FindMany(ctx context.Context, ids []int64) (map[int64]repository.SubjectProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := map[int64]repository.SubjectProfile{}
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *stubSubjects) OwnerOf(ctx context.Context, subjectID int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	p, ok := s.profiles[subjectID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return p.OwnerID, nil
}

type stubCache struct {
	mu      sync.Mutex
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	v, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (s *stubCache) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(s.values[key], 10, 64)
	n++
	s.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *stubPublisher) Publish(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *stubPublisher) Close() error { return nil }

func (s *stubPublisher) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type stubSnapshots struct {
	puts    map[int64]int
	removed []int64
}

func (s *stubSnapshots) Put(ctx context.Context, subjectID int64, image []byte) (string, error) {
	if s.puts == nil {
		s.puts = map[int64]int{}
	}
	s.puts[subjectID]++
	return "snouts", nil
}

func (s *stubSnapshots) Remove(ctx context.Context, subjectID int64) error {
	s.removed = append(s.removed, subjectID)
	return nil
}

// vectorProvider maps exact image payloads to fixed results.
type vectorProvider struct {
	mu      sync.Mutex
	results map[string]*embedding.Result
	err     error
	calls   int
}

func (p *vectorProvider) Embed(ctx context.Context, imageBytes []byte) (*embedding.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	res, ok := p.results[string(imageBytes)]
	if !ok {
		return nil, &embedding.Failure{Kind: embedding.FailureDecode, Reasons: []string{"unknown image"}}
	}
	return res, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

// unitAxis returns the i-th basis vector.
func unitAxis(i int) []float32 {
	v := make([]float32, embedding.Dimension)
	v[i] = 1
	return v
}

// blend returns a unit vector whose similarity to unitAxis(0) is sim.
func blend(sim float64) []float32 {
	v := make([]float32, embedding.Dimension)
	v[0] = float32(sim)
	v[1] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func newPipeline(t *testing.T) embedding.Provider {
	t.Helper()
	model, err := embedding.NewThumbnailModel(embedding.Dimension)
	if err != nil {
		t.Fatalf("failed to build thumbnail model: %v", err)
	}
	return embedding.NewPipeline(model, quality.NewGate(quality.DefaultThresholds()), embedding.Dimension, zap.NewNop())
}

func newMemoryIndex() *vectorindex.Memory {
	return vectorindex.NewMemory(vectorindex.MemoryOptions{Dimension: embedding.Dimension, Seed: 1}, zap.NewNop())
}

var rex = repository.SubjectProfile{
	SubjectID:  42,
	OwnerID:    "owner-1",
	Name:       "Rex",
	Species:    "dog",
	Breed:      "Beagle",
	OwnerName:  "Ana Souza",
	OwnerPhone: "11999998888",
}

func TestRegisterAndIdentifySubject42(t *testing.T) {
	records := newStubRecords()
	index := newMemoryIndex()
	publisher := &stubPublisher{}
	snapshots := &stubSnapshots{}
	uc := NewBiometryUseCase(records, newStubSubjects(rex), index, newPipeline(t), zap.NewNop()).
		WithPublisher(publisher).
		WithSnapshots(snapshots)
	ctx := context.Background()
	base := testutil.Textured(512, 512, 42)

	first, err := uc.Register(ctx, 42, "owner-1", testutil.PNG(base))
	if err != nil {
		t.Fatalf("expected registration to succeed, got %v", err)
	}
	if !first.Created {
		t.Fatal("expected first registration to create a record")
	}
	if first.Message != "Biometry registered successfully! Quality: 100/100" {
		t.Fatalf("unexpected message: %q", first.Message)
	}
	if n := embedding.Norm(first.Record.Vector()); math.Abs(n-1) > embedding.NormTolerance {
		t.Fatalf("stored embedding norm %f is not unit", n)
	}

	second, err := uc.Register(ctx, 42, "owner-1", testutil.PNG(testutil.Perturbed(base, 7, 0.3, 20)))
	if err != nil {
		t.Fatalf("expected re-registration to succeed, got %v", err)
	}
	if second.Created {
		t.Fatal("expected re-registration to update in place")
	}
	if second.Record.ID != first.Record.ID {
		t.Fatalf("expected record id %s to be kept, got %s", first.Record.ID, second.Record.ID)
	}
	if !second.Record.UpdatedAt.After(first.Record.UpdatedAt) {
		t.Fatal("expected updated_at to advance")
	}
	if !strings.HasPrefix(second.Message, "Biometry updated successfully!") {
		t.Fatalf("unexpected message: %q", second.Message)
	}
	if records.activeCount() != 1 || index.Len() != 1 {
		t.Fatalf("expected one active record and index entry, got %d and %d", records.activeCount(), index.Len())
	}

	result, err := uc.Search(ctx, testutil.PNG(testutil.Perturbed(base, 8, 0.3, 20)), 0.8, 5)
	if err != nil {
		t.Fatalf("expected search to succeed, got %v", err)
	}
	if !result.Found() || result.Matches[0].SubjectID != 42 {
		t.Fatalf("expected subject 42 to be identified, got %+v", result.Matches)
	}
	if result.Matches[0].Similarity < 0.8 {
		t.Fatalf("expected similarity >= 0.8, got %f", result.Matches[0].Similarity)
	}
	if result.Matches[0].OwnerPhone != "11*******88" {
		t.Fatalf("expected masked phone, got %q", result.Matches[0].OwnerPhone)
	}
	if result.Message != "Found 1 pet(s) with similarity above 80%" {
		t.Fatalf("unexpected message: %q", result.Message)
	}

	got := publisher.types()
	if len(got) != 2 || got[0] != events.TypeRegistered || got[1] != events.TypeUpdated {
		t.Fatalf("unexpected events: %v", got)
	}
	if snapshots.puts[42] != 2 {
		t.Fatalf("expected two snapshots for subject 42, got %d", snapshots.puts[42])
	}
}

func TestRegisterRejectsDarkPhotoForSubject7(t *testing.T) {
	records := newStubRecords()
	index := newMemoryIndex()
	subjects := newStubSubjects(repository.SubjectProfile{SubjectID: 7, OwnerID: "owner-7", Name: "Luna", Species: "cat"})
	uc := NewBiometryUseCase(records, subjects, index, newPipeline(t), zap.NewNop())

	_, err := uc.Register(context.Background(), 7, "owner-7", testutil.PNG(testutil.Uniform(640, 480, 10)))
	var qErr *QualityTooLowError
	if !errors.As(err, &qErr) {
		t.Fatalf("expected QualityTooLowError, got %v", err)
	}
	if qErr.Score >= DefaultMinRegistrationScore {
		t.Fatalf("expected score below %d, got %d", DefaultMinRegistrationScore, qErr.Score)
	}
	hasDark := false
	for _, issue := range qErr.Issues {
		if issue.Code == quality.TooDark {
			hasDark = true
		}
	}
	if !hasDark {
		t.Fatalf("expected TOO_DARK issue, got %+v", qErr.Issues)
	}
	if records.upsertCalls != 0 || index.Len() != 0 {
		t.Fatalf("expected nothing persisted, got %d upserts and %d indexed", records.upsertCalls, index.Len())
	}
}

func TestRegisterAuthorization(t *testing.T) {
	records := newStubRecords()
	uc := NewBiometryUseCase(records, newStubSubjects(rex), newMemoryIndex(), &vectorProvider{}, zap.NewNop())

	if _, err := uc.Register(context.Background(), 99, "owner-1", []byte("img")); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
	if _, err := uc.Register(context.Background(), 42, "intruder", []byte("img")); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if records.upsertCalls != 0 {
		t.Fatalf("expected no upsert, got %d", records.upsertCalls)
	}
}

func TestRegisterClassifiesEmbeddingFailures(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"decode", &embedding.Failure{Kind: embedding.FailureDecode, Reasons: []string{"not an image"}}, func(err error) bool {
			var target *ImageDecodeError
			return errors.As(err, &target) && target.Issues[0] == "not an image"
		}},
		{"inference", &embedding.Failure{Kind: embedding.FailureInference, Reasons: []string{"inference timed out"}}, func(err error) bool {
			var target *EmbeddingGenerationError
			return errors.As(err, &target) && target.Issues[0] == "inference timed out"
		}},
		{"other", errors.New("connection refused"), func(err error) bool {
			var target *EmbeddingGenerationError
			return errors.As(err, &target)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := newStubRecords()
			uc := NewBiometryUseCase(records, newStubSubjects(rex), newMemoryIndex(), &vectorProvider{err: tc.err}, zap.NewNop())
			_, err := uc.Register(context.Background(), 42, "owner-1", []byte("img"))
			if !tc.check(err) {
				t.Fatalf("unexpected error classification: %T %v", err, err)
			}
			if records.upsertCalls != 0 {
				t.Fatal("expected nothing persisted")
			}
		})
	}
}

func TestRegisterRetriesDuplicateOnce(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"img": {Vector: unitAxis(0), Score: 90}}}

	records := newStubRecords()
	records.upsertErrs = []error{repository.ErrDuplicateActiveRecord}
	uc := NewBiometryUseCase(records, newStubSubjects(rex), newMemoryIndex(), provider, zap.NewNop())
	if _, err := uc.Register(context.Background(), 42, "owner-1", []byte("img")); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if records.upsertCalls != 2 {
		t.Fatalf("expected 2 upsert calls, got %d", records.upsertCalls)
	}

	records = newStubRecords()
	records.upsertErrs = []error{repository.ErrDuplicateActiveRecord, repository.ErrDuplicateActiveRecord}
	uc = NewBiometryUseCase(records, newStubSubjects(rex), newMemoryIndex(), provider, zap.NewNop())
	if _, err := uc.Register(context.Background(), 42, "owner-1", []byte("img")); !errors.Is(err, ErrDuplicateActiveRecord) {
		t.Fatalf("expected ErrDuplicateActiveRecord, got %v", err)
	}
}

func TestRegisterWrapsStorageErrors(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"img": {Vector: unitAxis(0), Score: 90}}}
	records := newStubRecords()
	records.upsertErrs = []error{logging.NewOperationError("repository.upsert", "req", errors.New("db down"))}
	uc := NewBiometryUseCase(records, newStubSubjects(rex), newMemoryIndex(), provider, zap.NewNop())

	_, err := uc.Register(context.Background(), 42, "owner-1", []byte("img"))
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %T", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.upsert" {
		t.Fatalf("expected wrapped OperationError, got %v", err)
	}
}

func TestRegisterWarningsInMessage(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"img": {
		Vector: unitAxis(0),
		Score:  75,
		Issues: []quality.Issue{{Code: quality.Blurry, Message: "image out of focus (sharpness 80.0)"}},
	}}}
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(rex), newMemoryIndex(), provider, zap.NewNop())

	reg, err := uc.Register(context.Background(), 42, "owner-1", []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Biometry registered successfully! Quality: 75/100\nWarnings: image out of focus (sharpness 80.0)"
	if reg.Message != want {
		t.Fatalf("expected %q, got %q", want, reg.Message)
	}
}

func TestConcurrentRegistrationsKeepOneActiveRecord(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"img": {Vector: unitAxis(3), Score: 90}}}
	records := newStubRecords()
	index := newMemoryIndex()
	uc := NewBiometryUseCase(records, newStubSubjects(rex), index, provider, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := uc.Register(context.Background(), 42, "owner-1", []byte("img")); err != nil {
				t.Errorf("registration failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if records.activeCount() != 1 {
		t.Fatalf("expected exactly one active record, got %d", records.activeCount())
	}
	if index.Len() != 1 {
		t.Fatalf("expected one indexed signature, got %d", index.Len())
	}
}

func TestSearchReturnsEmptyResultWhenPhotoCannotBeEmbedded(t *testing.T) {
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(rex), newMemoryIndex(), newPipeline(t), zap.NewNop())

	result, err := uc.Search(context.Background(), []byte("definitely not an image"), DefaultThreshold, DefaultMaxResults)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Found() || result.Matches == nil {
		t.Fatalf("expected empty non-nil matches, got %+v", result.Matches)
	}
	if result.Message != NoMatchMessage {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestSearchValidatesParameters(t *testing.T) {
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(), newMemoryIndex(), &vectorProvider{}, zap.NewNop())

	for _, tc := range []struct {
		threshold float64
		max       int
	}{{0.49, 5}, {1.01, 5}, {0.8, 0}, {0.8, 21}} {
		if _, err := uc.Search(context.Background(), []byte("img"), tc.threshold, tc.max); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("expected ErrInvalidParameter for %+v, got %v", tc, err)
		}
	}
}

func TestSearchFiltersSortsAndDropsMissingSubjects(t *testing.T) {
	query := unitAxis(0)
	provider := &vectorProvider{results: map[string]*embedding.Result{"query": {Vector: query, Score: 30}}}
	subjects := newStubSubjects(
		repository.SubjectProfile{SubjectID: 1, OwnerID: "o", Name: "A", OwnerPhone: "123"},
		repository.SubjectProfile{SubjectID: 2, OwnerID: "o", Name: "B"},
		repository.SubjectProfile{SubjectID: 3, OwnerID: "o", Name: "C"},
	)
	index := newMemoryIndex()
	ctx := context.Background()
	for _, e := range []vectorindex.Entry{
		{RecordID: "r1", SubjectID: 1, Vector: blend(0.90)},
		{RecordID: "r2", SubjectID: 2, Vector: blend(0.97)},
		{RecordID: "r3", SubjectID: 3, Vector: blend(0.40)},
		{RecordID: "r4", SubjectID: 4, Vector: blend(0.99)},
	} {
		if err := index.Upsert(ctx, e); err != nil {
			t.Fatalf("index upsert failed: %v", err)
		}
	}
	uc := NewBiometryUseCase(newStubRecords(), subjects, index, provider, zap.NewNop())

	result, err := uc.Search(ctx, []byte("query"), 0.85, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", result.Matches)
	}
	if result.Matches[0].SubjectID != 2 || result.Matches[1].SubjectID != 1 {
		t.Fatalf("unexpected order: %+v", result.Matches)
	}
	for i, m := range result.Matches {
		if m.Similarity < 0.85 {
			t.Fatalf("match %d below threshold: %f", i, m.Similarity)
		}
		if i > 0 && m.Similarity > result.Matches[i-1].Similarity {
			t.Fatal("matches are not ordered by similarity")
		}
	}
	if result.Matches[1].OwnerPhone != "****" {
		t.Fatalf("expected short phone fully masked, got %q", result.Matches[1].OwnerPhone)
	}

	none, err := uc.Search(ctx, []byte("query"), 1.0, 5)
	if err != nil {
		t.Fatalf("expected empty result without error, got %v", err)
	}
	if none.Found() || none.Message != NoMatchMessage {
		t.Fatalf("expected no matches, got %+v", none)
	}
}

func TestSearchUsesCacheUntilNextWrite(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{
		"query": {Vector: unitAxis(0), Score: 90},
		"img":   {Vector: unitAxis(0), Score: 90},
	}}
	cache := newStubCache()
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(rex), newMemoryIndex(), provider, zap.NewNop()).
		WithCache(cache, time.Minute)
	ctx := context.Background()

	first, err := uc.Search(ctx, []byte("query"), 0.9, 5)
	if err != nil || first.Found() {
		t.Fatalf("expected empty first search, got %+v (%v)", first, err)
	}
	if _, err := uc.Search(ctx, []byte("query"), 0.9, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected cached second search, provider called %d times", provider.calls)
	}

	if _, err := uc.Register(ctx, 42, "owner-1", []byte("img")); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	third, err := uc.Search(ctx, []byte("query"), 0.9, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !third.Found() || third.Matches[0].SubjectID != 42 {
		t.Fatalf("expected fresh result after registration, got %+v", third)
	}
}

func TestSearchIgnoresCacheFailures(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"query": {Vector: unitAxis(0), Score: 90}}}
	cache := newStubCache()
	cache.getErrs = []error{errors.New("connection reset")}
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(), newMemoryIndex(), provider, zap.NewNop()).
		WithCache(cache, time.Minute)

	if _, err := uc.Search(context.Background(), []byte("query"), 0.9, 5); err != nil {
		t.Fatalf("expected cache failure to be ignored, got %v", err)
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("expected no cache write without a generation, got %v", cache.setKeys)
	}
}

func TestWithRedisRetryRetriesTransientErrors(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}}
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(), newMemoryIndex(), &vectorProvider{}, zap.NewNop()).
		WithCache(cache, time.Minute)
	uc.initialBackoff = time.Millisecond

	err := uc.withRedisRetry(context.Background(), "req", "cache.set.search", func() error {
		return cache.Set(context.Background(), "k", "v", time.Minute)
	})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %v", cache.setKeys)
	}
}

func TestWithRedisRetryReturnsOperationError(t *testing.T) {
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(), newMemoryIndex(), &vectorProvider{}, zap.NewNop())

	err := uc.withRedisRetry(context.Background(), "req", "cache.set.search", func() error {
		return errors.New("boom")
	})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.search" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestDeactivateAndDelete(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"img": {Vector: unitAxis(1), Score: 90}}}
	records := newStubRecords()
	index := newMemoryIndex()
	publisher := &stubPublisher{}
	snapshots := &stubSnapshots{}
	uc := NewBiometryUseCase(records, newStubSubjects(rex), index, provider, zap.NewNop()).
		WithPublisher(publisher).
		WithSnapshots(snapshots)
	ctx := context.Background()

	if _, err := uc.Register(ctx, 42, "owner-1", []byte("img")); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	if _, err := uc.Deactivate(ctx, 42, "intruder"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	rec, err := uc.Deactivate(ctx, 42, "owner-1")
	if err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if rec.IsActive || index.Len() != 0 {
		t.Fatalf("expected record inactive and unindexed, active=%v indexed=%d", rec.IsActive, index.Len())
	}
	stored, err := uc.Get(ctx, 42, "owner-1")
	if err != nil || stored.IsActive {
		t.Fatalf("expected inactive record to remain readable, got %+v (%v)", stored, err)
	}

	if err := uc.Delete(ctx, 42, "owner-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := uc.Get(ctx, 42, "owner-1"); !errors.Is(err, ErrBiometryNotFound) {
		t.Fatalf("expected ErrBiometryNotFound, got %v", err)
	}
	if err := uc.Delete(ctx, 42, "owner-1"); !errors.Is(err, ErrBiometryNotFound) {
		t.Fatalf("expected ErrBiometryNotFound on second delete, got %v", err)
	}
	if len(snapshots.removed) != 1 || snapshots.removed[0] != 42 {
		t.Fatalf("expected snapshot removal, got %v", snapshots.removed)
	}
	got := publisher.types()
	if len(got) != 3 || got[1] != events.TypeDeactivated || got[2] != events.TypeDeleted {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestDeleteWrapsStorageErrors(t *testing.T) {
	records := newStubRecords()
	records.deleteErr = errors.New("db down")
	uc := NewBiometryUseCase(records, newStubSubjects(rex), newMemoryIndex(), &vectorProvider{}, zap.NewNop())

	var storageErr *StorageError
	if err := uc.Delete(context.Background(), 42, "owner-1"); !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestProfiles(t *testing.T) {
	provider := &vectorProvider{results: map[string]*embedding.Result{"img": {Vector: unitAxis(2), Score: 90}}}
	publisher := &stubPublisher{}
	uc := NewBiometryUseCase(newStubRecords(), newStubSubjects(rex), newMemoryIndex(), provider, zap.NewNop()).
		WithPublisher(publisher)
	ctx := context.Background()

	public, err := uc.PublicProfile(ctx, 42)
	if err != nil {
		t.Fatalf("public profile failed: %v", err)
	}
	if public.OwnerPhone != "119******88" || public.HasBiometry {
		t.Fatalf("unexpected public profile: %+v", public)
	}

	if _, err := uc.Register(ctx, 42, "owner-1", []byte("img")); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	identified, err := uc.IdentifiedProfile(ctx, 42)
	if err != nil {
		t.Fatalf("identified profile failed: %v", err)
	}
	if identified.OwnerPhone != "11999998888" || !identified.HasBiometry {
		t.Fatalf("unexpected identified profile: %+v", identified)
	}
	got := publisher.types()
	if got[len(got)-1] != events.TypeContactDisclosed {
		t.Fatalf("expected disclosure event, got %v", got)
	}

	if _, err := uc.PublicProfile(ctx, 1000); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	records := newStubRecords()
	records.aggregation = &repository.MetricsAggregation{TotalCount: 4, ActiveCount: 3, AverageQuality: 82.5, UpdatedLast24hCount: 2}
	uc := NewBiometryUseCase(records, newStubSubjects(), newMemoryIndex(), &vectorProvider{}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.InactiveRecords != 1 || summary.ActiveRate != 0.75 || summary.AverageQualityScore != 82.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	records.aggregation = nil
	var storageErr *StorageError
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}
