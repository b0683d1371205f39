package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/service"
	"github.com/timmy/platecal/internal/vision"
)

// StatusFor maps a service or vision error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidImage),
		errors.Is(err, service.ErrInvalidEntry),
		errors.Is(err, service.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSimilarityDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, vision.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, vision.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, vision.ErrAuthenticationFailed),
		errors.Is(err, vision.ErrRemoteRequestFailed),
		errors.Is(err, vision.ErrDecode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": ...} with the mapped status. Vision failures
// also carry their kind.
func respondError(c *gin.Context, action string, err error) {
	status := StatusFor(err)
	body := gin.H{"error": action + ": " + err.Error()}

	var verr *vision.Error
	if errors.As(err, &verr) {
		body["kind"] = verr.Kind
	}

	ctx := c.Request.Context()
	if status >= http.StatusInternalServerError {
		logger.CtxError(ctx, "%s: status=%d, error=%v", action, status, err)
	} else {
		logger.CtxWarn(ctx, "%s: status=%d, error=%v", action, status, err)
	}
	c.JSON(status, body)
}
