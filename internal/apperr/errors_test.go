package apperr

import (
	"net/http"
	"testing"

	errors "github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"
)

// TestAsErrorThroughWrap verifies typed errors survive wrapping.
func TestAsErrorThroughWrap(t *testing.T) {
	base := New(ErrCodeBlobSizeMismatch, "size mismatch").WithDetails(map[string]any{"sha256": "abc"})
	wrapped := errors.Wrap(base, "upload file")

	typed, ok := AsError(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrCodeBlobSizeMismatch, typed.Code)
	require.Equal(t, "abc", typed.Details["sha256"])
	require.True(t, IsCode(wrapped, ErrCodeBlobSizeMismatch))
	require.False(t, IsCode(wrapped, ErrCodeNotFound))
	require.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
}

// TestCodeMapping verifies every taxonomy category maps to its HTTP status.
func TestCodeMapping(t *testing.T) {
	cases := []struct {
		code     ErrorCode
		category Category
		status   int
	}{
		{ErrCodeNotFound, CategoryNotFound, http.StatusNotFound},
		{ErrCodeStateConflict, CategoryStateConflict, http.StatusConflict},
		{ErrCodeIdempotencyConflict, CategoryStateConflict, http.StatusConflict},
		{ErrCodeContentRequired, CategoryValidation, http.StatusUnprocessableEntity},
		{ErrCodeQuotaExceeded, CategoryResourceLimit, http.StatusRequestEntityTooLarge},
		{ErrCodeRateLimited, CategoryRateLimited, http.StatusTooManyRequests},
		{ErrCodeWorkerFailed, CategoryUpstreamFailure, http.StatusBadGateway},
		{ErrCodeUpstreamTimeout, CategoryUpstreamFailure, http.StatusGatewayTimeout},
		{ErrCodeUnavailable, CategoryUnavailable, http.StatusServiceUnavailable},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := New(tc.code, "x")
		require.Equal(t, tc.category, err.Category(), tc.code)
		require.Equal(t, tc.status, err.HTTPStatus(), tc.code)
	}

	require.True(t, New(ErrCodeRateLimited, "slow down").Retryable)
	require.False(t, New(ErrCodeValidation, "bad").Retryable)
}
