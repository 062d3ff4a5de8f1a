package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:            http.StatusBadRequest,
		CodeNotFound:              http.StatusNotFound,
		CodeAuthFailed:            http.StatusUnauthorized,
		CodeSessionKeyExpired:     http.StatusGone,
		CodeStaleState:            http.StatusConflict,
		CodeInsufficientLiquidity: http.StatusServiceUnavailable,
		CodeTimeout:               http.StatusGatewayTimeout,
		CodeRateLimited:           http.StatusTooManyRequests,
		Code("SOMETHING_ELSE"):    http.StatusInternalServerError,
	}
	for code, status := range cases {
		require.Equal(t, status, code.HTTPStatus(), code)
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("loading session: %w", NotFound("Session not found: %s", "abc"))

	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrStaleState))
	require.Equal(t, CodeNotFound, CodeOf(err))
}

func TestFromHidesUnclassifiedDetail(t *testing.T) {
	cause := errors.New("pq: relation \"sessions\" does not exist")
	appErr := From(cause)

	require.Equal(t, CodeInternal, appErr.Code)
	require.Equal(t, "Internal server error", appErr.Message)
	require.ErrorIs(t, appErr, cause)
	require.NotContains(t, appErr.ToBody().Error.Message, "pq")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ConnectionFailed(cause, "ClearNode unreachable")

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Contains(t, err.Error(), "dial tcp")
}
