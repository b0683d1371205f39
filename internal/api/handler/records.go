package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/platecal/internal/domain"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/service"
)

// RecordHandler handles food record endpoints.
type RecordHandler struct {
	meals *service.MealService
}

// NewRecordHandler creates a new record handler.
func NewRecordHandler(meals *service.MealService) *RecordHandler {
	return &RecordHandler{meals: meals}
}

// CreateManual handles POST /api/v1/records.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *RecordHandler) CreateManual(c *gin.Context) {
	var req domain.Nutrients
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	rec, err := h.meals.AddManual(c.Request.Context(), req)
	if err != nil {
		respondError(c, "Failed to add record", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// List handles GET /api/v1/records.
// With ?date= it returns that day's log, with ?from=&to= the records of
// the range, and otherwise the most recent records (?limit=).
func (h *RecordHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	if date := c.Query("date"); date != "" {
		day, err := h.meals.ParseDay(date)
		if err != nil {
			respondError(c, "Invalid date", err)
			return
		}
		log, err := h.meals.DayRecords(ctx, day)
		if err != nil {
			respondError(c, "Failed to list records", err)
			return
		}
		c.JSON(http.StatusOK, log)
		return
	}

	if c.Query("from") != "" || c.Query("to") != "" {
		from, to, err := parseRange(c, h.meals)
		if err != nil {
			respondError(c, "Invalid range", err)
			return
		}
		days, err := h.meals.History(ctx, from, to)
		if err != nil {
			respondError(c, "Failed to list records", err)
			return
		}
		records := make([]domain.FoodRecord, 0)
		for _, d := range days {
			records = append(records, d.Records...)
		}
		c.JSON(http.StatusOK, gin.H{
			"records": records,
			"total":   len(records),
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.meals.RecentRecords(ctx, limit)
	if err != nil {
		respondError(c, "Failed to list records", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
	})
}

// Get handles GET /api/v1/records/:id.
func (h *RecordHandler) Get(c *gin.Context) {
	rec, err := h.meals.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Update handles PUT /api/v1/records/:id.
func (h *RecordHandler) Update(c *gin.Context) {
	var req domain.Nutrients
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	ctx := logger.SetRecordID(c.Request.Context(), c.Param("id"))
	rec, err := h.meals.UpdateRecord(ctx, c.Param("id"), req)
	if err != nil {
		respondError(c, "Failed to update record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete handles DELETE /api/v1/records/:id.
func (h *RecordHandler) Delete(c *gin.Context) {
	if err := h.meals.DeleteRecord(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Failed to delete record", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Image handles GET /api/v1/records/:id/image.
func (h *RecordHandler) Image(c *gin.Context) {
	data, contentType, err := h.meals.RecordImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get image", err)
		return
	}
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}

// Similar handles GET /api/v1/records/:id/similar?top_k=.
func (h *RecordHandler) Similar(c *gin.Context) {
	topK := 0
	if raw := c.Query("top_k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top_k must be between 1 and 50"})
			return
		}
		topK = v
	}

	meals, err := h.meals.SimilarMeals(c.Request.Context(), c.Param("id"), topK)
	if err != nil {
		respondError(c, "Similar meal search failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": meals,
		"total":   len(meals),
	})
}
