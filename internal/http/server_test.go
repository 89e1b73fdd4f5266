package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/internal/config"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	srv := NewServer(testServerConfig(), nil, "test")

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// Give the listener a moment to come up before shutting down from
	// another goroutine.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err, "a shut-down server must return cleanly")
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerServesOpenAPIDocument(t *testing.T) {
	srv := NewServer(testServerConfig(), nil, "1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"1.2.3"`)
}
