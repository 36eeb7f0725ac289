package httputil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostJSON_SendsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.Client(), srv.URL, map[string]string{"team_id": "t"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "t", got["team_id"])
}

func TestPostJSON_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.Client(), srv.URL, map[string]string{}, testLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFetch_ReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	body, status, err := Fetch(context.Background(), srv.Client(), srv.URL, testLogger())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<html>ok</html>", string(body))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://host/v1/scrape", JoinURL("https://host/", "/v1/scrape"))
	assert.Equal(t, "https://host/v1/scrape", JoinURL("https://host", "v1/scrape"))
}

func TestSafeStringPreview(t *testing.T) {
	assert.Equal(t, "", safeStringPreview(nil, 10))
	preview := safeStringPreview([]byte{0xff, 0xfe, 'a'}, 10)
	assert.NotEmpty(t, preview)
}
