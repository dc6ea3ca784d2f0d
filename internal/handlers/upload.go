package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxUploadSize bounds a single image.
const MaxUploadSize = 10 << 20

// multipart framing and base64 expansion on top of the image itself
const maxBodySize = MaxUploadSize*4/3 + 1<<20

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

type jsonUpload struct {
	PetID       int64    `json:"pet_id"`
	SubjectID   int64    `json:"subject_id"`
	ImageBase64 string   `json:"image_base64"`
	Threshold   *float64 `json:"threshold"`
	MaxResults  *int     `json:"max_results"`
}

type upload struct {
	SubjectID  int64
	Image      []byte
	Threshold  *float64
	MaxResults *int
}

// readUpload accepts either a multipart form with an "image" file or a JSON
// body carrying the image in base64. It writes the error response itself
// and reports false when the request cannot be served.
func readUpload(c *gin.Context) (*upload, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)

	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		return readMultipart(c)
	case "application/json":
		return readJSON(c)
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "use multipart/form-data or application/json"})
		return nil, false
	}
}

func readMultipart(c *gin.Context) (*upload, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			tooLarge(c)
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		tooLarge(c)
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		tooLarge(c)
		return nil, false
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageType(contentType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type " + contentType})
		return nil, false
	}

	u := &upload{Image: data}
	if raw := firstNonEmpty(c.PostForm("subject_id"), c.PostForm("pet_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pet_id must be an integer"})
			return nil, false
		}
		u.SubjectID = id
	}
	if raw := c.PostForm("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a number"})
			return nil, false
		}
		u.Threshold = &v
	}
	if raw := c.PostForm("max_results"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_results must be an integer"})
			return nil, false
		}
		u.MaxResults = &v
	}
	return u, true
}

func readJSON(c *gin.Context) (*upload, bool) {
	var body jsonUpload
	if err := c.ShouldBindJSON(&body); err != nil {
		if isTooLarge(err) {
			tooLarge(c)
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return nil, false
	}
	if body.ImageBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is required"})
		return nil, false
	}

	data, err := decodeBase64Image(body.ImageBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is not valid base64"})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		tooLarge(c)
		return nil, false
	}

	subjectID := body.PetID
	if subjectID == 0 {
		subjectID = body.SubjectID
	}
	return &upload{
		SubjectID:  subjectID,
		Image:      data,
		Threshold:  body.Threshold,
		MaxResults: body.MaxResults,
	}, true
}

// decodeBase64Image strips an optional data URL prefix.
func decodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return data, nil
}

func isAllowedImageType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := allowedImageTypes[mediaType]
	return ok
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the 10 MiB limit"})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
