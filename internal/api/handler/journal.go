package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/platecal/internal/service"
)

const defaultHistoryDays = 7

// JournalHandler serves per-day summaries and history.
type JournalHandler struct {
	meals *service.MealService
}

// NewJournalHandler creates a new journal handler.
func NewJournalHandler(meals *service.MealService) *JournalHandler {
	return &JournalHandler{meals: meals}
}

// Summary handles GET /api/v1/summary?date=YYYY-MM-DD (default today).
func (h *JournalHandler) Summary(c *gin.Context) {
	day := time.Now()
	if date := c.Query("date"); date != "" {
		parsed, err := h.meals.ParseDay(date)
		if err != nil {
			respondError(c, "Invalid date", err)
			return
		}
		day = parsed
	}

	summary, err := h.meals.DailySummary(c.Request.Context(), day)
	if err != nil {
		respondError(c, "Failed to get summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// History handles GET /api/v1/history?from=&to=. Without parameters it
// covers the last seven days including today.
func (h *JournalHandler) History(c *gin.Context) {
	from, to, err := parseRange(c, h.meals)
	if err != nil {
		respondError(c, "Invalid range", err)
		return
	}

	days, err := h.meals.History(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, "Failed to get history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from": from.Format(service.DateLayout),
		"to":   to.Format(service.DateLayout),
		"days": days,
	})
}

// parseRange reads ?from= and ?to=. A missing to is today, a missing from
// is six days before to.
func parseRange(c *gin.Context, meals *service.MealService) (time.Time, time.Time, error) {
	to := meals.StartOfDay(time.Now())
	if raw := c.Query("to"); raw != "" {
		parsed, err := meals.ParseDay(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}

	from := to.AddDate(0, 0, -(defaultHistoryDays - 1))
	if raw := c.Query("from"); raw != "" {
		parsed, err := meals.ParseDay(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	return from, to, nil
}
