package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-changelog/pkg/auth"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/health"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/replication"
)

// adminServer is the operator HTTP API of a replication server.
type adminServer struct {
	rs      *replication.ReplicationServer
	health  *health.HealthChecker
	metrics *metrics.Registry
	logger  logging.Logger
	reload  func() replication.ConfigChangeResult
	// tokens guards every route but /metrics and /health*. Nil rejects
	// all guarded requests.
	tokens *auth.TokenManager
}

func newAdminServer(rs *replication.ReplicationServer, hc *health.HealthChecker, reg *metrics.Registry,
	logger logging.Logger, reload func() replication.ConfigChangeResult, tokens *auth.TokenManager) *adminServer {
	return &adminServer{
		rs:      rs,
		health:  hc,
		metrics: reg,
		logger:  logger.With(logging.Component("admin")),
		reload:  reload,
		tokens:  tokens,
	}
}

func (s *adminServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	r.Get("/health", s.health.Handler(health.KindHealth))
	r.Get("/health/ready", s.health.Handler(health.KindReadiness))
	r.Get("/health/live", s.health.Handler(health.KindLiveness))

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.Require(auth.ScopeRead))
		r.Get("/monitor", s.handleMonitor)
		r.Get("/domains", s.listDomains)
		r.Get("/domains/topology", s.domainTopology)
		r.Get("/ecl/cookie", s.newestCookie)
		r.Get("/ecl/cookie/validate", s.validateCookie)
		r.Get("/ecl/changenumbers", s.changeNumbers)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.Require(auth.ScopeAdmin))
		r.Post("/config/reload", s.handleReload)
		r.Post("/domains/generation", s.resetGeneration)
		r.Delete("/domains", s.removeDomain)
		r.Post("/ecl/enable", s.enableECL)
		r.Post("/ecl/disable", s.disableECL)
	})
	return r
}

func (s *adminServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Latency(time.Since(start)),
			logging.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, replication.ErrNoSuchDomain):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrNotRunning), errors.Is(err, replication.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *adminServer) handleMonitor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rs.Monitor())
}

func (s *adminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	res := s.reload()
	status := http.StatusOK
	if res.ResultCode != replication.ResultSuccess {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

type domainInfo struct {
	BaseDN       string `json:"base_dn"`
	GenerationID int64  `json:"generation_id"`
	DataServers  int    `json:"data_servers"`
	ReplServers  int    `json:"replication_servers"`
}

func (s *adminServer) listDomains(w http.ResponseWriter, r *http.Request) {
	out := []domainInfo{}
	for _, d := range s.rs.Domains() {
		out = append(out, domainInfo{
			BaseDN:       d.BaseDN(),
			GenerationID: d.GenerationID(),
			DataServers:  len(d.Handlers(replication.RoleDataServer)),
			ReplServers:  len(d.Handlers(replication.RoleReplicationServer)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// domain resolves the base_dn query parameter. Base DNs carry commas and
// equal signs, so they are not path segments.
func (s *adminServer) domain(w http.ResponseWriter, r *http.Request) (*replication.ServerDomain, bool) {
	baseDN := r.URL.Query().Get("base_dn")
	if baseDN == "" {
		writeError(w, http.StatusBadRequest, errors.New("base_dn is required"))
		return nil, false
	}
	d, err := s.rs.Domain(baseDN, false)
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return d, true
}

func (s *adminServer) domainTopology(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Topology())
}

func (s *adminServer) resetGeneration(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("generation_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("generation_id must be an integer"))
		return
	}
	if err := d.ResetGenerationID(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("generation id reset", logging.BaseDN(d.BaseDN()), logging.Int64("generation_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"base_dn": d.BaseDN(), "generation_id": id})
}

func (s *adminServer) removeDomain(w http.ResponseWriter, r *http.Request) {
	baseDN := r.URL.Query().Get("base_dn")
	if baseDN == "" {
		writeError(w, http.StatusBadRequest, errors.New("base_dn is required"))
		return
	}
	if err := s.rs.RemoveDomain(baseDN); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) newestCookie(w http.ResponseWriter, r *http.Request) {
	cookie := s.rs.NewestECLCookie(r.URL.Query()["exclude"])
	writeJSON(w, http.StatusOK, map[string]string{"cookie": cookie.String()})
}

func (s *adminServer) validateCookie(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cookie, err := csn.ParseCookie(q.Get("cookie"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.rs.ValidateCookie(cookie, q["exclude"]); err != nil {
		if errors.Is(err, replication.ErrResyncRequired) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cookie": cookie.String()})
}

func (s *adminServer) changeNumbers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"first": s.rs.OldestChangeNumber(),
		"last":  s.rs.NewestChangeNumber(),
	})
}

func (s *adminServer) enableECL(w http.ResponseWriter, r *http.Request) {
	if err := s.rs.EnableExternalChangelog(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *adminServer) disableECL(w http.ResponseWriter, r *http.Request) {
	if err := s.rs.DisableExternalChangelog(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}
