package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/admission"
	"github.com/illmade-knight/go-quotaguard/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotaguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \":9000\"\nlog_level: warn\n"), 0o600))

	opts, err := parseFlags([]string{"-c", path, "--http-port", ":0"})
	require.NoError(t, err)
	cfg, err := loadConfig(opts)
	require.NoError(t, err)

	assert.Equal(t, ":0", cfg.HTTPPort)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig(options{})
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Presence.Backend)
	assert.Equal(t, ":8080", cfg.HTTPPort)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	var buf bytes.Buffer

	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"quotaguard"`)

	cfg.LogLevel = "loud"
	_, err = newLogger(cfg, &buf)
	assert.Error(t, err)
}

func TestBuild_MemoryBackendServesAdmission(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := config.Default()
	cfg.Admission.MaxConcurrentUsers = 1

	a, err := build(ctx, cfg, quartz.NewMock(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.close)
	handler := a.server.Router()

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Act: the first operator takes the only seat.
	rec := post("/v1/sessions", `{"identity":"op1","role":"operator"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Assert: once op1 is online a second operator is turned away.
	require.Eventually(t, func() bool {
		rec := post("/v1/admission", `{"identity":"op2","role":"operator"}`)
		var d admission.Decision
		if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
			return false
		}
		return !d.Allowed && d.CurrentCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	a.sessions.StopAll(ctx)
	rec = post("/v1/admission", `{"identity":"op2","role":"operator"}`)
	var d admission.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)

	metrics := httptest.NewRecorder()
	handler.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "go_goroutines")
}
