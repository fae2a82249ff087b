package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
	"github.com/smartdevs17/dao-reconciler/internal/scheduler"
	"github.com/smartdevs17/dao-reconciler/internal/storage"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Version is reported by the health endpoint
var Version = "dev"

// Writer records local writes the indexer has not seen yet
type Writer interface {
	AddPendingOrganization(ctx context.Context, address string) error
	AddPendingProposal(ctx context.Context, organization, address string) error
	RemovePending(ctx context.Context, kind models.EntityKind, address string) (bool, error)
	MarkOrganizationUpdated(ctx context.Context, address string, at time.Time) (*models.Checkpoint, error)
	MarkProposalLogicalTime(ctx context.Context, address string, lt models.LogicalTime) (*models.Checkpoint, error)
	ClearCheckpoint(ctx context.Context, kind models.CheckpointKind, address string) (bool, error)
}

// LedgerHealth reports the health of each ledger client
type LedgerHealth interface {
	HealthCheck(ctx context.Context) map[string]error
}

// Dependencies are the components served over HTTP
type Dependencies struct {
	Queries   *scheduler.Queries
	Writer    Writer
	Storage   storage.Storage
	Ledger    LedgerHealth
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Manager
}

// HTTPServer exposes reconciliation queries and local write tracking
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	queries        *scheduler.Queries
	writer         Writer
	storage        storage.Storage
	ledger         LedgerHealth
	scheduler      *scheduler.Scheduler
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	startTime      time.Time
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, deps Dependencies) (*HTTPServer, error) {
	if deps.Queries == nil || deps.Writer == nil || deps.Storage == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "HTTP server needs queries, writer and storage")
	}

	s := &HTTPServer{
		config:         cfg,
		queries:        deps.Queries,
		writer:         deps.Writer,
		storage:        deps.Storage,
		ledger:         deps.Ledger,
		scheduler:      deps.Scheduler,
		metricsManager: deps.Metrics,
		logger:         utils.ComponentLogger("server"),
		startTime:      time.Now(),
		stopChan:       make(chan struct{}),
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
	}
	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}

	api.HandleFunc("/organizations", s.listOrganizationsHandler).Methods("GET")
	api.HandleFunc("/organizations/{address}", s.getOrganizationHandler).Methods("GET")
	api.HandleFunc("/proposals/{address}", s.getProposalHandler).Methods("GET")
	api.HandleFunc("/registry", s.getRegistryHandler).Methods("GET")

	api.HandleFunc("/pending", s.addPendingHandler).Methods("POST")
	api.HandleFunc("/pending/{kind}/{address}", s.removePendingHandler).Methods("DELETE")

	api.HandleFunc("/checkpoints", s.setCheckpointHandler).Methods("POST")
	api.HandleFunc("/checkpoints/{kind}/{address}", s.clearCheckpointHandler).Methods("DELETE")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentHealth(context.Background())
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Surface immediate binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.updateComponentHealth(ctx)
			cancel()
		}
	}
}

func (s *HTTPServer) updateComponentHealth(ctx context.Context) {
	s.metricsManager.UpdateSystemMetrics()
	prom := s.metricsManager.GetPrometheusMetrics()
	prom.UpdateApplicationUptime(s.startTime)
	prom.UpdateComponentHealth("storage", s.storage.Ping() == nil)
	if s.scheduler != nil {
		prom.UpdateComponentHealth("scheduler", s.scheduler.IsRunning())
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler reports storage and ledger client health
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{}
	healthy := true

	if err := s.storage.Ping(); err != nil {
		healthy = false
		components["storage"] = err.Error()
	} else {
		components["storage"] = "ok"
	}

	if s.ledger != nil {
		for name, err := range s.ledger.HealthCheck(r.Context()) {
			if err != nil {
				healthy = false
				components["ledger_"+name] = err.Error()
			} else {
				components["ledger_"+name] = "ok"
			}
		}
	}

	if s.scheduler != nil {
		components["scheduler_running"] = s.scheduler.IsRunning()
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"version":    Version,
		"uptime":     time.Since(s.startTime).String(),
		"components": components,
	})
}

// statsHandler returns storage, cache and scheduler statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	stats := map[string]interface{}{
		"timestamp":     time.Now(),
		"storage":       storageStats,
		"cached_values": s.queries.Cache().Len(),
	}
	if s.scheduler != nil {
		stats["scheduler"] = s.scheduler.GetStats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) listOrganizationsHandler(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.queries.Organizations(r.Context())
	if err != nil {
		s.writeAppError(w, r, "Failed to list organizations", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"organizations": orgs,
		"total":         len(orgs),
	})
}

func (s *HTTPServer) getRegistryHandler(w http.ResponseWriter, r *http.Request) {
	registry, err := s.queries.Registry(r.Context())
	if err != nil {
		s.writeAppError(w, r, "Failed to read registry", err)
		return
	}
	s.writeJSON(w, http.StatusOK, registry)
}

func (s *HTTPServer) getOrganizationHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	opts, err := parseOptions(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	org, err := s.queries.Organization(r.Context(), address, opts)
	if err != nil {
		s.writeAppError(w, r, "Failed to get organization", err)
		return
	}

	s.writeJSON(w, http.StatusOK, org)
}

func (s *HTTPServer) getProposalHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	opts, err := parseOptions(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	proposal, err := s.queries.Proposal(r.Context(), address, opts)
	if err != nil {
		s.writeAppError(w, r, "Failed to get proposal", err)
		return
	}

	s.writeJSON(w, http.StatusOK, proposal)
}

type pendingRequest struct {
	Kind    models.EntityKind `json:"kind"`
	Address string            `json:"address"`
	Parent  string            `json:"parent,omitempty"`
}

func (s *HTTPServer) addPendingHandler(w http.ResponseWriter, r *http.Request) {
	var req pendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !utils.IsValidAddress(req.Address) {
		s.writeError(w, r, http.StatusBadRequest, "Valid address is required", nil)
		return
	}

	var err error
	switch req.Kind {
	case models.KindOrganization:
		err = s.writer.AddPendingOrganization(r.Context(), req.Address)
	case models.KindProposal:
		if !utils.IsValidAddress(req.Parent) {
			s.writeError(w, r, http.StatusBadRequest, "Proposal needs its organization address as parent", nil)
			return
		}
		err = s.writer.AddPendingProposal(r.Context(), req.Parent, req.Address)
	default:
		s.writeError(w, r, http.StatusBadRequest, "Unknown pending kind", nil)
		return
	}
	if err != nil {
		s.writeAppError(w, r, "Failed to add pending entry", err)
		return
	}
	s.queries.Cache().Purge()

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Pending entry added",
		"kind":    req.Kind,
		"address": utils.NormalizeAddress(req.Address),
	})
}

func (s *HTTPServer) removePendingHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	kind := models.EntityKind(mux.Vars(r)["kind"])

	removed, err := s.writer.RemovePending(r.Context(), kind, address)
	if err != nil {
		s.writeAppError(w, r, "Failed to remove pending entry", err)
		return
	}
	if !removed {
		s.writeError(w, r, http.StatusNotFound, "Pending entry not found", nil)
		return
	}
	s.queries.Cache().Purge()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Pending entry removed",
		"kind":    kind,
		"address": utils.NormalizeAddress(address),
	})
}

type checkpointRequest struct {
	Kind    models.CheckpointKind `json:"kind"`
	Address string                `json:"address"`
	// Value is unix millis for update_millis (0 means now) and the ledger
	// logical time for logical_time.
	Value uint64 `json:"value"`
}

func (s *HTTPServer) setCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !utils.IsValidAddress(req.Address) {
		s.writeError(w, r, http.StatusBadRequest, "Valid address is required", nil)
		return
	}

	var (
		cp  *models.Checkpoint
		err error
	)
	switch req.Kind {
	case models.CheckpointUpdateMillis:
		var at time.Time
		if req.Value > 0 {
			at = time.UnixMilli(int64(req.Value))
		}
		cp, err = s.writer.MarkOrganizationUpdated(r.Context(), req.Address, at)
	case models.CheckpointLogicalTime:
		if req.Value == 0 {
			s.writeError(w, r, http.StatusBadRequest, "Logical time checkpoint needs a value", nil)
			return
		}
		cp, err = s.writer.MarkProposalLogicalTime(r.Context(), req.Address, models.LogicalTime(req.Value))
	default:
		s.writeError(w, r, http.StatusBadRequest, "Unknown checkpoint kind", nil)
		return
	}
	if err != nil {
		s.writeAppError(w, r, "Failed to set checkpoint", err)
		return
	}
	s.queries.Cache().Purge()

	s.writeJSON(w, http.StatusOK, cp)
}

func (s *HTTPServer) clearCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	kind := models.CheckpointKind(mux.Vars(r)["kind"])
	if !kind.Valid() {
		s.writeError(w, r, http.StatusBadRequest, "Unknown checkpoint kind", nil)
		return
	}

	cleared, err := s.writer.ClearCheckpoint(r.Context(), kind, address)
	if err != nil {
		s.writeAppError(w, r, "Failed to clear checkpoint", err)
		return
	}
	if !cleared {
		s.writeError(w, r, http.StatusNotFound, "Checkpoint not found", nil)
		return
	}
	s.queries.Cache().Purge()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Checkpoint cleared",
		"kind":    kind,
		"address": utils.NormalizeAddress(address),
	})
}

func (s *HTTPServer) addressVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := mux.Vars(r)["address"]
	if !utils.IsValidAddress(address) {
		s.writeError(w, r, http.StatusBadRequest, "Invalid address", nil)
		return "", false
	}
	return utils.NormalizeAddress(address), true
}

func parseOptions(r *http.Request) (reconcile.Options, error) {
	var opts reconcile.Options
	flags := map[string]*bool{
		"ledger_only":           &opts.LedgerOnly,
		"validate_logical_time": &opts.ValidateLogicalTime,
		"validate_results":      &opts.ValidateResults,
	}
	query := r.URL.Query()
	for name, target := range flags {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", name, err)
		}
		*target = value
	}
	return opts, nil
}

// statusFor maps an error code to an HTTP status
func statusFor(err error) int {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeNotWhitelisted:
		return http.StatusForbidden
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeLedgerUnavailable, utils.ErrCodeIndexerUnavailable:
		return http.StatusServiceUnavailable
	case utils.ErrCodeConfiguration:
		return http.StatusNotImplemented
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *HTTPServer) writeAppError(w http.ResponseWriter, r *http.Request, message string, err error) {
	s.writeError(w, r, statusFor(err), message, err)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":      message,
		"status":     status,
		"timestamp":  time.Now(),
		"request_id": requestID(r.Context()),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		if code := utils.ErrorCode(err); code != "" {
			errorResponse["code"] = code
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"status":     status,
			"message":    message,
			"request_id": requestID(r.Context()),
		}).Warn("HTTP error")
	}

	s.writeJSON(w, status, errorResponse)
}
