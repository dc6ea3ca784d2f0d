package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/metrics"
	"github.com/example/snoutid/internal/privacy"
	"github.com/example/snoutid/internal/tracing"
)

// Search parameter bounds and defaults.
const (
	DefaultThreshold  = 0.85
	DefaultMaxResults = 5
	MinThreshold      = 0.5
	MaxThreshold      = 1.0
	MaxResultsLimit   = 20
)

// NoMatchMessage is returned when nothing reaches the threshold.
const NoMatchMessage = "No pet matched this snout. Try a sharper photo with better lighting."

const searchGenerationKey = "biometry:search:generation"

// Match is one identified animal, shaped for public display.
type Match struct {
	SubjectID  int64   `json:"pet_id"`
	Name       string  `json:"pet_name"`
	Species    string  `json:"species"`
	Breed      string  `json:"breed,omitempty"`
	PhotoURL   string  `json:"photo_url,omitempty"`
	OwnerName  string  `json:"owner_name,omitempty"`
	OwnerPhone string  `json:"owner_phone,omitempty"`
	Similarity float64 `json:"similarity"`
}

// SearchResult lists matches ordered by similarity, best first.
type SearchResult struct {
	Matches []Match `json:"results"`
	Message string  `json:"message"`
}

// Found reports whether anything matched.
func (r *SearchResult) Found() bool {
	return len(r.Matches) > 0
}

// ValidateSearchParams checks threshold and maxResults bounds.
func ValidateSearchParams(threshold float64, maxResults int) error {
	if threshold < MinThreshold || threshold > MaxThreshold {
		return fmt.Errorf("%w: threshold must be within [%.1f, %.1f], got %v", ErrInvalidParameter, MinThreshold, MaxThreshold, threshold)
	}
	if maxResults < 1 || maxResults > MaxResultsLimit {
		return fmt.Errorf("%w: max_results must be within [1, %d], got %d", ErrInvalidParameter, MaxResultsLimit, maxResults)
	}
	return nil
}

// Search identifies the animals whose stored signature resembles the
// photo. A photo that cannot be embedded yields an empty result rather
// than an error; low quality is only logged.
func (uc *BiometryUseCase) Search(ctx context.Context, imageBytes []byte, threshold float64, maxResults int) (*SearchResult, error) {
	if err := ValidateSearchParams(threshold, maxResults); err != nil {
		return nil, err
	}

	requestID := requestIDFrom(ctx)
	start := time.Now()
	ctx, span := uc.tracer.Start(ctx, "usecase.search", trace.WithAttributes(
		attribute.Float64("threshold", threshold),
		attribute.Int("max_results", maxResults),
	))
	defer span.End()
	opLogger := logging.WithOperation(uc.logger, "usecase.search", requestID)

	cacheKey := uc.searchCacheKey(ctx, requestID, imageBytes, threshold, maxResults)
	if cached, ok := uc.cachedSearch(ctx, requestID, cacheKey); ok {
		uc.recorder.RecordSearch(searchOutcome(cached), time.Since(start))
		return cached, nil
	}

	res, err := uc.provider.Embed(ctx, imageBytes)
	if err != nil {
		opLogger.Warn("query photo could not be embedded", zap.Error(err))
		uc.recorder.RecordSearch(metrics.SearchUnembedded, time.Since(start))
		return &SearchResult{Matches: []Match{}, Message: NoMatchMessage}, nil
	}
	if res.Score < uc.minScore {
		opLogger.Warn("searching with a low quality photo", zap.Int("score", res.Score), zap.Strings("issues", res.IssueMessages()))
	}

	hits, err := uc.index.Search(ctx, res.Vector, threshold, maxResults)
	if err != nil {
		tracing.RecordError(span, err)
		uc.recorder.RecordSearch(metrics.SearchFailed, time.Since(start))
		opLogger.Error("similarity search failed", zap.Error(err))
		return nil, &StorageError{Op: "search", Err: err}
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.SubjectID)
	}
	profiles, err := uc.subjects.FindMany(ctx, ids)
	if err != nil {
		tracing.RecordError(span, err)
		uc.recorder.RecordSearch(metrics.SearchFailed, time.Since(start))
		return nil, &StorageError{Op: "search", Err: err}
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		p, ok := profiles[h.SubjectID]
		if !ok {
			continue
		}
		contact := privacy.Shape(privacy.Contact{OwnerName: p.OwnerName, OwnerPhone: p.OwnerPhone}, privacy.Masked, privacy.SearchPrefix)
		matches = append(matches, Match{
			SubjectID:  h.SubjectID,
			Name:       p.Name,
			Species:    p.Species,
			Breed:      p.Breed,
			PhotoURL:   p.PhotoURL,
			OwnerName:  contact.OwnerName,
			OwnerPhone: contact.OwnerPhone,
			Similarity: h.Similarity,
		})
	}

	result := &SearchResult{Matches: matches, Message: NoMatchMessage}
	if len(matches) > 0 {
		result.Message = fmt.Sprintf("Found %d pet(s) with similarity above %.0f%%", len(matches), threshold*100)
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	uc.storeSearch(ctx, requestID, cacheKey, result)
	uc.recorder.RecordSearch(searchOutcome(result), time.Since(start))
	return result, nil
}

func searchOutcome(r *SearchResult) string {
	if r.Found() {
		return metrics.SearchMatched
	}
	return metrics.SearchNoMatch
}

// searchCacheKey returns "" when caching is unavailable. The key embeds
// the shared write generation so any registration, deactivation or
// deletion retires every cached result.
func (uc *BiometryUseCase) searchCacheKey(ctx context.Context, requestID string, imageBytes []byte, threshold float64, maxResults int) string {
	if uc.cache == nil {
		return ""
	}
	generation, err := uc.withRedisGet(ctx, requestID, "cache.get.generation", searchGenerationKey)
	if errors.Is(err, redis.Nil) {
		generation = "0"
	} else if err != nil {
		logging.WithOperation(uc.logger, "usecase.search", requestID).Warn("failed to read cache generation", zap.Error(err))
		return ""
	}
	sum := sha1.Sum(imageBytes)
	return fmt.Sprintf("biometry:search:%s:%s:%s:%d", generation, hex.EncodeToString(sum[:]), strconv.FormatFloat(threshold, 'f', -1, 64), maxResults)
}

func (uc *BiometryUseCase) cachedSearch(ctx context.Context, requestID, key string) (*SearchResult, bool) {
	if key == "" {
		return nil, false
	}
	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.search", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.search", requestID).Warn("failed to read cache", zap.Error(err))
		}
		uc.recorder.RecordCacheLookup(false)
		return nil, false
	}
	var result SearchResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		logging.WithOperation(uc.logger, "usecase.search", requestID).Warn("failed to decode cached result", zap.Error(err))
		uc.recorder.RecordCacheLookup(false)
		return nil, false
	}
	if result.Matches == nil {
		result.Matches = []Match{}
	}
	uc.recorder.RecordCacheLookup(true)
	return &result, true
}

func (uc *BiometryUseCase) storeSearch(ctx context.Context, requestID, key string, result *SearchResult) {
	if key == "" {
		return
	}
	serialized, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.search", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.search", requestID).Warn("failed to cache search result", zap.Error(err))
	}
}

func (uc *BiometryUseCase) invalidateSearches(ctx context.Context, requestID string) {
	if uc.cache == nil {
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.incr.generation", func() error {
		_, err := uc.cache.Incr(ctx, searchGenerationKey)
		return err
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.invalidate_searches", requestID).Warn("failed to bump cache generation", zap.Error(err))
	}
}

func (uc *BiometryUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	attempts := max(uc.retryAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *BiometryUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
