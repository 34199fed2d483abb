package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/dlq"
	"github.com/ocx/metering/internal/ensemble"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/killswitch"
	"github.com/ocx/metering/internal/statestore"
	"github.com/ocx/metering/internal/wal"
)

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOK(t *testing.T) {
	s := &Server{
		WALStatus: func() wal.Status { return wal.Status{HeadSeq: 12, SegmentCount: 2} },
		DLQ:       dlq.NewStore(statestore.NewMemoryStore()),
		Kill:      killswitch.New(),
	}
	rec := doRequest(t, s, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report["status"])
	assert.Equal(t, float64(12), report["wal"].(map[string]interface{})["head_seq"])
}

func TestHealthzDegradedUnderWALPressure(t *testing.T) {
	s := &Server{WALStatus: func() wal.Status { return wal.Status{Pressure: true} }}
	rec := doRequest(t, s, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

// downStore makes every DLQ health probe fail.
type downStore struct{ statestore.Store }

func (downStore) SortedSetCard(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestHealthzDegradedWhenDLQStoreDown(t *testing.T) {
	s := &Server{DLQ: dlq.NewStore(downStore{})}
	rec := doRequest(t, s, "GET", "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"depth":null`)
}

func TestKillSwitchLifecycle(t *testing.T) {
	s := &Server{Kill: killswitch.New()}

	rec := doRequest(t, s, "POST", "/admin/killswitch",
		[]byte(`{"target":"openai/gpt-x","reason":"billing anomaly","triggered_by":"ops","ttl_seconds":60}`))
	require.Equal(t, http.StatusOK, rec.Code)

	killed, reason := s.Kill.Check("openai", "gpt-x")
	assert.True(t, killed)
	assert.Equal(t, "billing anomaly", reason)

	rec = doRequest(t, s, "GET", "/admin/killswitch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "openai/gpt-x", records[0]["target"])

	rec = doRequest(t, s, "DELETE", "/admin/killswitch/openai/gpt-x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	killed, _ = s.Kill.Check("openai", "gpt-x")
	assert.False(t, killed)

	rec = doRequest(t, s, "DELETE", "/admin/killswitch/openai/gpt-x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKillActivateRejectsMissingTarget(t *testing.T) {
	s := &Server{Kill: killswitch.New()}
	rec := doRequest(t, s, "POST", "/admin/killswitch", []byte(`{"reason":"x"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLQAdminEndpoints(t *testing.T) {
	store := dlq.NewStore(statestore.NewMemoryStore())
	worker := dlq.NewWorker(store, func(context.Context, dlq.Entry) error { return nil }, dlq.WorkerConfig{})
	s := &Server{DLQ: store, DLQWorker: worker}

	require.NoError(t, store.Enqueue(context.Background(), dlq.Entry{ReservationID: "res-1", Tenant: "acme"}, 0))

	rec := doRequest(t, s, "GET", "/admin/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var h dlq.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.NotNil(t, h.Depth)
	assert.Equal(t, int64(1), *h.Depth)

	rec = doRequest(t, s, "POST", "/admin/dlq/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.NotNil(t, h.Depth)
	assert.Equal(t, int64(0), *h.Depth, "forced replay drains the queue")
}

func TestWriteErrorMapsTaxonomy(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, faults.New(faults.RateLimited, "rpm exceeded"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"rate_limited"`)

	rec = httptest.NewRecorder()
	WriteError(rec, faults.New(faults.ReplayDetected, "tx already consumed"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestWriteInsufficientCredits(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInsufficientCredits(rec, 40, 100)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body InsufficientCreditsBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(40), body.BalanceCU)
	assert.Equal(t, int64(100), body.EstimatedCostCU)
	assert.Equal(t, int64(60), body.DeficitCU)
}

type fixedStream struct{ chunks []string }

func (p fixedStream) Stream(ctx context.Context, req ensemble.CompletionRequest) (<-chan ensemble.StreamEvent, error) {
	ch := make(chan ensemble.StreamEvent, len(p.chunks))
	for _, c := range p.chunks {
		ch <- ensemble.StreamEvent{Delta: c}
	}
	close(ch)
	return ch, nil
}

func newRaceServer(t *testing.T) (*Server, *killswitch.Switch) {
	t.Helper()
	pools := ensemble.NewRegistry()
	pools.Register(ensemble.Pool{ID: "p-openai", Provider: "openai", Model: "gpt-x", Stream: fixedStream{chunks: []string{"hel", "lo"}}})
	pools.Register(ensemble.Pool{ID: "p-anthropic", Provider: "anthropic", Model: "claude-x", Stream: fixedStream{chunks: []string{"other"}}})

	kill := killswitch.New()
	o := ensemble.New(ensemble.Config{FirstChunkTimeout: time.Second})
	o.SetKillSwitch(kill)
	return &Server{Kill: kill, Ensemble: o, Pools: pools}, kill
}

func TestRaceEndpointReturnsWinnerContent(t *testing.T) {
	s, _ := newRaceServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"trace_id": "tr-1", "tenant_id": "acme", "prompt": "p",
		"pools": []string{"p-openai"},
	})
	rec := doRequest(t, s, http.MethodPost, "/v1/ensemble/race", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		Content    string `json:"content"`
		WinnerPool string `json:"winner_pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, "p-openai", res.WinnerPool)
}

func TestRaceEndpointRejectsUnknownPool(t *testing.T) {
	s, _ := newRaceServer(t)
	body, _ := json.Marshal(map[string]interface{}{"pools": []string{"nope"}})
	rec := doRequest(t, s, http.MethodPost, "/v1/ensemble/race", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// An admin kill on a provider takes it out of races served over HTTP.
func TestRaceEndpointHonorsKillSwitch(t *testing.T) {
	s, kill := newRaceServer(t)
	kill.Kill("openai", "incident", "oncall", nil)

	body, _ := json.Marshal(map[string]interface{}{
		"prompt": "p", "pools": []string{"p-openai", "p-anthropic"},
	})
	rec := doRequest(t, s, http.MethodPost, "/v1/ensemble/race", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		Content    string `json:"content"`
		WinnerPool string `json:"winner_pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "p-anthropic", res.WinnerPool)
	assert.Equal(t, "other", res.Content)
}
