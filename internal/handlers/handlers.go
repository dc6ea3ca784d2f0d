package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/snoutid/internal/auth"
	"github.com/example/snoutid/internal/repository"
	"github.com/example/snoutid/internal/usecase"
)

// BiometryService is the use case surface served over HTTP.
type BiometryService interface {
	Register(ctx context.Context, subjectID int64, ownerID string, imageBytes []byte) (*usecase.Registration, error)
	Search(ctx context.Context, imageBytes []byte, threshold float64, maxResults int) (*usecase.SearchResult, error)
	Get(ctx context.Context, subjectID int64, ownerID string) (*repository.BiometricRecord, error)
	Deactivate(ctx context.Context, subjectID int64, ownerID string) (*repository.BiometricRecord, error)
	Delete(ctx context.Context, subjectID int64, ownerID string) error
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	PublicProfile(ctx context.Context, subjectID int64) (*usecase.Profile, error)
	IdentifiedProfile(ctx context.Context, subjectID int64) (*usecase.Profile, error)
}

// RecordView is the JSON shape of a stored signature. The embedding itself
// is never returned.
type RecordView struct {
	ID           string    `json:"id"`
	SubjectID    int64     `json:"pet_id"`
	QualityScore int       `json:"quality_score"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newRecordView(rec *repository.BiometricRecord) RecordView {
	return RecordView{
		ID:           rec.ID,
		SubjectID:    rec.SubjectID,
		QualityScore: rec.QualityScore,
		IsActive:     rec.IsActive,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

type handler struct {
	svc    BiometryService
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. searchLimiter
// guards the public identification endpoints and may be nil.
func RegisterRoutes(router *gin.Engine, svc BiometryService, authMiddleware, searchLimiter gin.HandlerFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger.Named("handlers")}

	router.Use(RequestID())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := []gin.HandlerFunc{}
	if searchLimiter != nil {
		public = append(public, searchLimiter)
	}

	api := router.Group("/api/v1")
	biometry := api.Group("/biometry")
	biometry.POST("/search", append(public, h.search)...)
	biometry.POST("/identify", append(public, h.search)...)

	owned := biometry.Group("", authMiddleware)
	owned.POST("/register", h.register)
	owned.GET("/stats", h.stats)
	owned.GET("/:subject_id", h.get)
	owned.DELETE("/:subject_id", h.delete)
	owned.POST("/:subject_id/deactivate", h.deactivate)

	pets := api.Group("/public/pets")
	pets.GET("/:subject_id", h.publicProfile)
	pets.GET("/:subject_id/identified", append(public, h.identifiedProfile)...)
}

func (h *handler) register(c *gin.Context) {
	ownerID, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing owner identity"})
		return
	}

	upload, ok := readUpload(c)
	if !ok {
		return
	}
	if upload.SubjectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pet_id is required"})
		return
	}

	reg, err := h.svc.Register(c.Request.Context(), upload.SubjectID, ownerID, upload.Image)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"created":  reg.Created,
		"message":  reg.Message,
		"warnings": nonNil(reg.Warnings),
		"biometry": newRecordView(reg.Record),
	})
}

func (h *handler) search(c *gin.Context) {
	upload, ok := readUpload(c)
	if !ok {
		return
	}

	threshold := usecase.DefaultThreshold
	if upload.Threshold != nil {
		threshold = *upload.Threshold
	}
	maxResults := usecase.DefaultMaxResults
	if upload.MaxResults != nil {
		maxResults = *upload.MaxResults
	}

	result, err := h.svc.Search(c.Request.Context(), upload.Image, threshold, maxResults)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"found":   result.Found(),
		"results": result.Matches,
		"message": result.Message,
	})
}

func (h *handler) get(c *gin.Context) {
	subjectID, ownerID, ok := ownedSubject(c)
	if !ok {
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), subjectID, ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordView(rec))
}

func (h *handler) delete(c *gin.Context) {
	subjectID, ownerID, ok := ownedSubject(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), subjectID, ownerID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) deactivate(c *gin.Context) {
	subjectID, ownerID, ok := ownedSubject(c)
	if !ok {
		return
	}
	rec, err := h.svc.Deactivate(c.Request.Context(), subjectID, ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordView(rec))
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) publicProfile(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}
	profile, err := h.svc.PublicProfile(c.Request.Context(), subjectID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *handler) identifiedProfile(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}
	profile, err := h.svc.IdentifiedProfile(c.Request.Context(), subjectID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func subjectParam(c *gin.Context) (int64, bool) {
	subjectID, err := strconv.ParseInt(c.Param("subject_id"), 10, 64)
	if err != nil || subjectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pet_id must be a positive integer"})
		return 0, false
	}
	return subjectID, true
}

func ownedSubject(c *gin.Context) (int64, string, bool) {
	ownerID, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing owner identity"})
		return 0, "", false
	}
	subjectID, ok := subjectParam(c)
	if !ok {
		return 0, "", false
	}
	return subjectID, ownerID, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
