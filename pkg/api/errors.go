package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/job"
	"github.com/jflournoy/beamsearch/pkg/store"
	"github.com/jflournoy/beamsearch/pkg/supervisor"
)

// mapError classifies err and renders it as (status, body) for a JSON
// error response (spec §6, §7): validation errors name the offending
// field and return 400; not-found conditions return 404; an unknown
// service, a missing start command or an invalid image filename return
// 400; a held stop lock or an occupied port returns 409; everything else
// is logged and rendered as a generic 500, never leaking
// provider-specific text.
func mapError(err error) (int, gin.H) {
	var ve *errorkind.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, gin.H{"error": err.Error(), "field": ve.Field}
	}

	switch {
	case errors.Is(err, job.ErrJobNotFound), errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, gin.H{"error": "not found"}
	case errors.Is(err, store.ErrInvalidFilename):
		return http.StatusBadRequest, gin.H{"error": "invalid filename"}
	case errors.Is(err, supervisor.ErrUnknownService), errors.Is(err, supervisor.ErrMissingCommand):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, supervisor.ErrStopLocked), errors.Is(err, supervisor.ErrPortOccupied):
		return http.StatusConflict, gin.H{"error": err.Error()}
	}

	slog.Error("unexpected API error", "error", err)
	uf := errorkind.ToUserFacing(err)
	return http.StatusInternalServerError, gin.H{"error": uf.Message, "suggestion": uf.Suggestion}
}
