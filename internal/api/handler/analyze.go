package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/service"
)

const imageFormField = "image"

var errNoImage = errors.New("request carries no image: send a multipart \"image\" field or an image/* body")

// AnalyzeHandler handles photo analysis.
type AnalyzeHandler struct {
	meals          *service.MealService
	maxUploadBytes int64
}

// NewAnalyzeHandler creates a new analyze handler.
// Parameters:
//   - meals: meal journal service.
//   - maxUploadBytes: upload size limit; non-positive means 10 MiB.
//
// Returns:
//   - *AnalyzeHandler: initialized handler.
func NewAnalyzeHandler(meals *service.MealService, maxUploadBytes int64) *AnalyzeHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &AnalyzeHandler{meals: meals, maxUploadBytes: maxUploadBytes}
}

// Analyze handles POST /api/v1/analyze?save=true|false.
func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	ctx := c.Request.Context()

	save := false
	if raw := c.Query("save"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid save parameter: " + raw})
			return
		}
		save = v
	}

	image, err := h.readImage(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("Image exceeds %d bytes", h.maxUploadBytes),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}

	start := time.Now()
	result, err := h.meals.AnalyzePhoto(ctx, image, save)
	if err != nil {
		respondError(c, "Analysis failed", err)
		return
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldSize:       len(image),
	}).Info(ctx, "Photo analyzed: food=%s, calories=%d, saved=%v",
		result.Estimate.FoodName, result.Estimate.Calories, save)

	status := http.StatusOK
	if result.Record != nil {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func (h *AnalyzeHandler) readImage(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	contentType := c.ContentType()
	switch {
	case strings.HasPrefix(contentType, "multipart/"):
		header, err := c.FormFile(imageFormField)
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return nil, errNoImage
			}
			return nil, err
		}
		f, err := header.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readNonEmpty(f)
	case strings.HasPrefix(contentType, "image/"), contentType == "application/octet-stream":
		return readNonEmpty(c.Request.Body)
	default:
		return nil, errNoImage
	}
}

func readNonEmpty(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errNoImage
	}
	return data, nil
}
