package httpx_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/internal/platform/httpx"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("feedback: %w", httpx.ErrUnauthorized): http.StatusUnauthorized,
		fmt.Errorf("api: %w", httpx.ErrUpstream):          http.StatusBadGateway,
		fmt.Errorf("workspace missing"):                   http.StatusInternalServerError,
	}
	for err, status := range cases {
		rec := httptest.NewRecorder()
		httpx.RespondError(rec, err)
		require.Equal(t, status, rec.Code, err.Error())
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var body httpx.ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, status, body.Status)
	}
}

func TestJSONDisablesCaching(t *testing.T) {
	rec := httptest.NewRecorder()
	httpx.JSON(rec, http.StatusOK, map[string]bool{"ok": true})
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
