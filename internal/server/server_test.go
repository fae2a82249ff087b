package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
	"github.com/smartdevs17/dao-reconciler/internal/scheduler"
	"github.com/smartdevs17/dao-reconciler/internal/storage"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

const (
	orgA  = "0x00000000000000000000000000000000000000a1"
	orgB  = "0x00000000000000000000000000000000000000a2"
	propA = "0x00000000000000000000000000000000000000b1"
)

type stubReconciler struct {
	err      error
	lastOpts reconcile.Options
	calls    int
}

func (s *stubReconciler) Organizations(ctx context.Context) ([]*models.Organization, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []*models.Organization{{Address: orgA}, {Address: orgB}}, nil
}

func (s *stubReconciler) Organization(ctx context.Context, address string, opts reconcile.Options) (*models.Organization, error) {
	s.calls++
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &models.Organization{Address: address, Metadata: &models.OrganizationMetadata{Name: "dao"}}, nil
}

func (s *stubReconciler) Proposal(ctx context.Context, address string, opts reconcile.Options) (*models.Proposal, error) {
	s.calls++
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &models.Proposal{Address: address, LogicalTime: 7}, nil
}

func (s *stubReconciler) Registry(ctx context.Context) (*models.Registry, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.Registry{Address: "0xc1", Admin: "0xf1", ID: 3, Source: models.SourceLedger}, nil
}

type stubLedger struct {
	errs map[string]error
}

func (l stubLedger) HealthCheck(ctx context.Context) map[string]error {
	return l.errs
}

type testServer struct {
	server     *HTTPServer
	reconciler *stubReconciler
	store      storage.Storage
}

func newTestServer(t *testing.T, ledger LedgerHealth) *testServer {
	t.Helper()

	store := storage.NewMemoryStorage()
	m := metrics.NewManager()
	reconciler := &stubReconciler{}
	writer := reconcile.NewService(reconcile.Dependencies{Store: store, Metrics: m}, reconcile.Config{})
	queries := scheduler.NewQueries(reconciler, scheduler.NewQueryCache(m), scheduler.StaleTimes{
		Collection:   time.Minute,
		Organization: time.Minute,
		Proposal:     time.Minute,
	})

	s, err := NewHTTPServer(&config.ServerConfig{EnableHealth: true, EnableMetrics: true}, Dependencies{
		Queries:   queries,
		Writer:    writer,
		Storage:   store,
		Ledger:    ledger,
		Scheduler: scheduler.NewScheduler(m),
		Metrics:   m,
	})
	require.NoError(t, err)

	return &testServer{server: s, reconciler: reconciler, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewHTTPServerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPServer(&config.ServerConfig{}, Dependencies{})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
}

func TestListOrganizations(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/organizations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(2), body["total"])

	ts.do(t, http.MethodGet, "/api/v1/organizations", nil)
	assert.Equal(t, 1, ts.reconciler.calls, "second request served from cache")
}

func TestGetProposalParsesOptions(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/proposals/"+propA+"?validate_logical_time=true&validate_results=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.Options{ValidateLogicalTime: true, ValidateResults: true}, ts.reconciler.lastOpts)

	var p models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, propA, p.Address)
	assert.Equal(t, models.LogicalTime(7), p.LogicalTime)

	rec = ts.do(t, http.MethodGet, "/api/v1/proposals/"+propA+"?ledger_only=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrganizationRejectsBadAddress(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/organizations/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ts.reconciler.calls)
}

func TestErrorCodesMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{utils.NewAppError(utils.ErrCodeNotWhitelisted, "blocked"), http.StatusForbidden},
		{utils.NewAppError(utils.ErrCodeValidation, "bad abi"), http.StatusBadRequest},
		{utils.NewAppError(utils.ErrCodeNotFound, "no contract"), http.StatusNotFound},
		{utils.NewAppError(utils.ErrCodeLedgerUnavailable, "node down"), http.StatusServiceUnavailable},
		{utils.NewAppError(utils.ErrCodeIndexerUnavailable, "indexer down"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.reconciler.err = tt.err

			rec := ts.do(t, http.MethodGet, "/api/v1/organizations/"+orgA, nil)
			assert.Equal(t, tt.status, rec.Code)

			body := decode(t, rec)
			assert.NotEmpty(t, body["request_id"])
			if code := utils.ErrorCode(tt.err); code != "" {
				assert.Equal(t, code, body["code"])
			}
		})
	}
}

func TestGetRegistry(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "0xf1", body["admin"])
	assert.Equal(t, float64(3), body["registryId"])

	ts.do(t, http.MethodGet, "/api/v1/registry", nil)
	assert.Equal(t, 1, ts.reconciler.calls)
}

func TestGetRegistryUnconfigured(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.reconciler.err = utils.NewAppError(utils.ErrCodeConfiguration, "Registry address is not configured")

	rec := ts.do(t, http.MethodGet, "/api/v1/registry", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPendingLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/api/v1/pending", pendingRequest{Kind: models.KindProposal, Address: propA, Parent: orgA})
	require.Equal(t, http.StatusCreated, rec.Code)

	entries, err := ts.store.ListPending(ctx, models.KindProposal, orgA)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, propA, entries[0].Address)

	rec = ts.do(t, http.MethodDelete, "/api/v1/pending/proposal/"+propA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/pending/proposal/"+propA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddPendingValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := map[string]pendingRequest{
		"bad address":     {Kind: models.KindOrganization, Address: "nope"},
		"proposal orphan": {Kind: models.KindProposal, Address: propA},
		"unknown kind":    {Kind: "vote", Address: propA},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/pending", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := ts.do(t, http.MethodDelete, "/api/v1/pending/vote/"+propA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckpointLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints", checkpointRequest{Kind: models.CheckpointLogicalTime, Address: propA, Value: 12})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/checkpoints", checkpointRequest{Kind: models.CheckpointLogicalTime, Address: propA, Value: 9})
	require.Equal(t, http.StatusOK, rec.Code)

	var cp models.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	assert.Equal(t, uint64(12), cp.Value, "checkpoints never move backwards")

	rec = ts.do(t, http.MethodPost, "/api/v1/checkpoints", checkpointRequest{Kind: models.CheckpointUpdateMillis, Address: orgA})
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := ts.store.GetCheckpoint(ctx, models.CheckpointUpdateMillis, orgA)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, time.Now().UnixMilli(), int64(stored.Value), float64(time.Minute.Milliseconds()))

	rec = ts.do(t, http.MethodDelete, "/api/v1/checkpoints/logical_time/"+propA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/checkpoints/logical_time/"+propA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/checkpoints", checkpointRequest{Kind: models.CheckpointLogicalTime, Address: propA})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/checkpoints/other/"+propA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWritesInvalidateCachedQueries(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodGet, "/api/v1/organizations", nil)
	ts.do(t, http.MethodPost, "/api/v1/pending", pendingRequest{Kind: models.KindOrganization, Address: orgB})
	ts.do(t, http.MethodGet, "/api/v1/organizations", nil)

	assert.Equal(t, 2, ts.reconciler.calls)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, stubLedger{errs: map[string]error{"general": nil}})
	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["ledger_general"])

	ts = newTestServer(t, stubLedger{errs: map[string]error{"holder": errors.New("network id mismatch")}})
	rec = ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/api/v1/organizations", nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["cached_values"])
	assert.Contains(t, body, "storage")

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dao_reconciler_http_requests_total"))
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/organizations", nil)
	generated := rec.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations", nil)
	req.Header.Set(RequestIDHeader, "0d6b1f2e-3c4a-4b5d-8e9f-a0b1c2d3e4f5")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "0d6b1f2e-3c4a-4b5d-8e9f-a0b1c2d3e4f5", rec.Header().Get(RequestIDHeader))
}
