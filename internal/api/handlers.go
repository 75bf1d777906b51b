package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"nexus-orchestrator/backend/internal/engine"
	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/internal/services"
)

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the unauthenticated operational endpoints.
type Handler struct {
	db      Pinger
	version string
}

// NewHandler creates a new Handler. db may be nil.
func NewHandler(db Pinger, version string) *Handler {
	return &Handler{db: db, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database,omitempty"`
}

// HandleHealth reports 200 when the service and its database are reachable.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "nexus-orchestrator",
		Version:   h.version,
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		status.Database = "ok"
		if err := h.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Database = err.Error()
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// statusFor maps registry errors onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, services.ErrInvalidParams),
		errors.Is(err, engine.ErrInvalidAction),
		errors.Is(err, engine.ErrInvalidActionType),
		errors.Is(err, engine.ErrMissingField):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as problem details.
func ErrorHandler(log Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := statusFor(err)
		detail := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		}
		if status >= http.StatusInternalServerError && log != nil {
			log.Error("request failed", "path", c.Path(), "error", err)
		}
		problem := ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(status),
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, problem)
	}
}

// Logger is the logging surface the API needs.
type Logger interface {
	Error(msg string, args ...any)
}
