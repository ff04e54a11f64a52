package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questgrid/dispatch/pkg/services"
	"github.com/questgrid/dispatch/pkg/store"
)

// Error kinds carried in the wire error payload.
const (
	kindValidation       = "VALIDATION_ERROR"
	kindNotFound         = "NOT_FOUND"
	kindConflict         = "CONFLICT"
	kindBackpressure     = "BACKPRESSURE"
	kindStoreUnavailable = "STORE_UNAVAILABLE"
	kindInternal         = "INTERNAL"
)

type errorBody struct {
	Kind    string                `json:"kind"`
	Message string                `json:"message"`
	Fields  []services.FieldError `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

// respondError maps service-layer errors to the wire error taxonomy.
func respondError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorBody{
			Kind:    kindValidation,
			Message: validErr.Error(),
			Fields:  validErr.Fields,
		}})
	case errors.Is(err, services.ErrNotFound):
		writeError(c, http.StatusNotFound, kindNotFound, "resource not found")
	case errors.Is(err, services.ErrConflict):
		writeError(c, http.StatusConflict, kindConflict, err.Error())
	case errors.Is(err, services.ErrBackpressure):
		c.Header("Retry-After", "5")
		writeError(c, http.StatusTooManyRequests, kindBackpressure, "backlog full, retry later")
	case errors.Is(err, store.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, kindStoreUnavailable, "store unavailable, retry later")
	default:
		slog.Error("Unexpected service error", "error", err)
		writeError(c, http.StatusInternalServerError, kindInternal, "internal server error")
	}
}
