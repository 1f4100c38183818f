package apierror

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrBadRequest, http.StatusBadRequest},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{ErrInternalServer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewAPIError(tt.code, "boom", nil)
			assert.Equal(t, tt.want, MapErrorToHTTPStatus(err))
		})
	}
}

func TestMapErrorToHTTPStatusPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, MapErrorToHTTPStatus(errors.New("plain")))
}

func TestIsMatchesWrappedErrors(t *testing.T) {
	err := NewAPIError(ErrConflict, "already active", nil)
	wrapped := errors.Wrap(err, "starting rollout")

	assert.True(t, Is(wrapped, ErrConflict))
	assert.False(t, Is(wrapped, ErrNotFound))
	assert.False(t, Is(errors.New("plain"), ErrConflict))
}
