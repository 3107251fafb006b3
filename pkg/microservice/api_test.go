package microservice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/admission"
	"github.com/illmade-knight/go-quotaguard/pkg/breaker"
	"github.com/illmade-knight/go-quotaguard/pkg/cache"
	"github.com/illmade-knight/go-quotaguard/pkg/docstore"
	"github.com/illmade-knight/go-quotaguard/pkg/microservice"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockReader is a mock implementation of docstore.Reader.
type MockReader struct {
	ReadPageFunc func(ctx context.Context, q docstore.Query, after docstore.Cursor) (docstore.Page[map[string]any], error)
}

func (m *MockReader) ReadPage(ctx context.Context, q docstore.Query, after docstore.Cursor) (docstore.Page[map[string]any], error) {
	return m.ReadPageFunc(ctx, q, after)
}

// MockWriter is a mock implementation of docstore.Writer.
type MockWriter struct {
	WriteFunc func(ctx context.Context, collection, id string, data any) error
}

func (m *MockWriter) WriteDocument(ctx context.Context, collection, id string, data any) error {
	return m.WriteFunc(ctx, collection, id, data)
}

type testServer struct {
	srv     *httptest.Server
	hub     *presence.MemoryHub
	breaker *breaker.Breaker
	reader  *MockReader
	writes  []string
}

func newTestServer(t *testing.T, maxUsers int) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := quartz.NewMock(t)
	ts := &testServer{
		hub:     presence.NewMemoryHub(clock),
		breaker: breaker.New(breaker.Config{QuotaErrorThreshold: 1}, clock, zerolog.Nop()),
		reader: &MockReader{ReadPageFunc: func(_ context.Context, _ docstore.Query, after docstore.Cursor) (docstore.Page[map[string]any], error) {
			if after.IsZero() {
				return docstore.Page[map[string]any]{
					Items:   []docstore.Document[map[string]any]{{ID: "c1", Data: map[string]any{"title": "first"}}},
					HasMore: true,
					Next:    docstore.Cursor{Values: []any{"c1"}},
				}, nil
			}
			return docstore.Page[map[string]any]{
				Items: []docstore.Document[map[string]any]{{ID: "c2", Data: map[string]any{"title": "second"}}},
			}, nil
		}},
	}

	agg := presence.NewAggregator(ts.hub, presence.DefaultAggregatorConfig(), clock, zerolog.Nop())
	go func() { _ = agg.Run(ctx) }()

	admCfg := admission.DefaultConfig()
	admCfg.MaxConcurrentUsers = maxUsers
	admCfg.Bypass = []string{"vip"}
	gate := admission.NewGatekeeper(agg, admCfg, zerolog.Nop())

	writer := &MockWriter{WriteFunc: func(_ context.Context, collection, id string, _ any) error {
		ts.writes = append(ts.writes, collection+"/"+id)
		return nil
	}}
	pageCache := cache.NewTTLCache[any](cache.DefaultTTLCacheConfig(), clock, zerolog.Nop())
	facade := docstore.NewFacade(ts.breaker, pageCache, writer, docstore.DefaultConfig(), clock, zerolog.Nop())

	sessions := presence.NewSessions(func() (presence.Session, func()) {
		conn := ts.hub.Connect()
		return conn, func() { _ = conn.Close() }
	}, presence.DefaultTrackerConfig(), zerolog.Nop())
	t.Cleanup(func() { sessions.StopAll(context.Background()) })

	base := microservice.NewBaseServer(zerolog.Nop(), ":0", prometheus.NewRegistry())
	api := microservice.NewAPI(microservice.APIDeps{
		Admission:   gate,
		Presence:    agg,
		Breaker:     ts.breaker,
		Sessions:    sessions,
		Pages:       docstore.NewSource[map[string]any](facade, ts.reader),
		Writer:      facade,
		Collections: map[string]docstore.Query{"calls": {Collection: "calls", PageSize: 1}},
	}, zerolog.Nop())
	api.Mount(base.Router())

	ts.srv = httptest.NewServer(base.Router())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_Healthz(t *testing.T) {
	ts := newTestServer(t, 1)
	resp := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_SessionsAndAdmission(t *testing.T) {
	ts := newTestServer(t, 1)

	t.Run("invalid body", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/v1/admission", `{"identity":"a","role":"guest"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("first session is admitted and tracked", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/v1/sessions", `{"identity":"a","role":"operator","displayName":"Ada"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		d := decode[admission.Decision](t, resp)
		assert.True(t, d.Allowed)

		require.Eventually(t, func() bool {
			resp := ts.do(t, http.MethodGet, "/v1/presence", "")
			return decode[presence.Summary](t, resp).Total == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("capacity reached", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/v1/sessions", `{"identity":"b","role":"operator"}`)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		d := decode[admission.Decision](t, resp)
		assert.Equal(t, admission.Decision{Allowed: false, CurrentCount: 1, MaxCount: 1, Reason: admission.ReasonCapacityReached}, d)
	})

	t.Run("bypass ignores capacity", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/v1/admission", `{"identity":"vip","role":"admin"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, admission.ReasonBypass, decode[admission.Decision](t, resp).Reason)
	})

	t.Run("stop session", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete, "/v1/sessions/a", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		resp = ts.do(t, http.MethodDelete, "/v1/sessions/a", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

type pageBody struct {
	Items      []docstore.Document[map[string]any] `json:"items"`
	HasMore    bool                                `json:"hasMore"`
	NextCursor string                              `json:"nextCursor"`
}

func TestAPI_Collections(t *testing.T) {
	ts := newTestServer(t, 10)

	resp := ts.do(t, http.MethodGet, "/v1/collections/calls", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[pageBody](t, resp)
	require.Len(t, first.Items, 1)
	assert.Equal(t, "c1", first.Items[0].ID)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	resp = ts.do(t, http.MethodGet, "/v1/collections/calls?cursor="+first.NextCursor, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[pageBody](t, resp)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "c2", second.Items[0].ID)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	resp = ts.do(t, http.MethodGet, "/v1/collections/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/collections/calls?cursor=%21%21", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/v1/collections/calls/c3", `{"title":"third"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"calls/c3"}, ts.writes)
}

func TestAPI_BreakerOpenMapsTo503(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.breaker.RecordQuotaError()

	resp := ts.do(t, http.MethodGet, "/v1/breaker", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st struct {
		IsOpen                   bool    `json:"isOpen"`
		RemainingCooldownSeconds float64 `json:"remainingCooldownSeconds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.IsOpen)
	assert.Equal(t, 60.0, st.RemainingCooldownSeconds)

	resp = ts.do(t, http.MethodGet, "/v1/collections/calls", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}
