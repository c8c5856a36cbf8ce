package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/job"
	"github.com/jflournoy/beamsearch/pkg/store"
	"github.com/jflournoy/beamsearch/pkg/supervisor"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectMsg  string
	}{
		{
			name:       "validation error maps to 400 with field",
			err:        errorkind.NewValidationError("n", "must be between 2 and 8"),
			expectCode: http.StatusBadRequest,
			expectMsg:  "must be between 2 and 8",
		},
		{
			name:       "job not found maps to 404",
			err:        job.ErrJobNotFound,
			expectCode: http.StatusNotFound,
		},
		{
			name:       "wrapped session not found maps to 404",
			err:        fmt.Errorf("lookup: %w", store.ErrSessionNotFound),
			expectCode: http.StatusNotFound,
		},
		{
			name:       "invalid filename maps to 400",
			err:        store.ErrInvalidFilename,
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "unknown service maps to 400",
			err:        supervisor.ErrUnknownService,
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "stop lock maps to 409",
			err:        supervisor.ErrStopLocked,
			expectCode: http.StatusConflict,
		},
		{
			name:       "port occupied maps to 409",
			err:        supervisor.ErrPortOccupied,
			expectCode: http.StatusConflict,
		},
		{
			name:       "unclassified error maps to 500",
			err:        errors.New("boom"),
			expectCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := mapError(tt.err)
			assert.Equal(t, tt.expectCode, status)
			if tt.expectMsg != "" {
				assert.Contains(t, body["error"], tt.expectMsg)
			}
		})
	}
}

func TestMapError_ValidationErrorIncludesField(t *testing.T) {
	_, body := mapError(errorkind.NewValidationError("prompt", "must not be empty"))
	assert.Equal(t, "prompt", body["field"])
}
