package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/usecase"
)

func (h *handler) writeError(c *gin.Context, err error) {
	var (
		decodeErr  *usecase.ImageDecodeError
		qualityErr *usecase.QualityTooLowError
		embedErr   *usecase.EmbeddingGenerationError
	)

	switch {
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image", "issues": decodeErr.Issues})
	case errors.As(err, &qualityErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         "image quality too low",
			"quality_score": qualityErr.Score,
			"issues":        qualityErr.Issues,
		})
	case errors.As(err, &embedErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not generate biometric signature", "issues": embedErr.Issues})
	case errors.Is(err, usecase.ErrInvalidParameter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "pet does not belong to the authenticated owner"})
	case errors.Is(err, usecase.ErrSubjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "pet not found"})
	case errors.Is(err, usecase.ErrBiometryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "biometry not found for this pet"})
	case errors.Is(err, usecase.ErrDuplicateActiveRecord):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		requestID := logging.RequestIDFromContext(c.Request.Context())
		logging.WithOperation(h.logger, c.FullPath(), requestID).Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "request_id": requestID})
	}
}
