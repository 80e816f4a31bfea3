// Package api implements the admin HTTP surface: read-only JSON:API
// collections describing the running router's backends, sessions, and
// masking rules, plus a Prometheus metrics endpoint and a status
// dashboard. None of this sits on the query hot path.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/config"
	"github.com/splitrouter/splitrouter/internal/health"
	"github.com/splitrouter/splitrouter/internal/masking"
	"github.com/splitrouter/splitrouter/internal/metrics"
	"github.com/splitrouter/splitrouter/internal/router"
)

// Server is the admin REST API and metrics server. It only reads shared
// state — registry snapshots, session snapshots, the active ruleset — it
// never mutates routing decisions except through the pause/resume
// endpoints, which delegate straight to backend.Registry.SetPaused.
type Server struct {
	registry    *backend.Registry
	sessions    *router.SessionRegistry
	healthCheck *health.Checker
	masking     *masking.Loader
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig

	apiKeyHash  []byte // bcrypt hash of the configured admin api_key; nil disables auth
	backendUser string // the single account the router authenticates onto every backend with
}

// NewServer wires an admin API server against the shared collaborators a
// running router process already constructed.
func NewServer(reg *backend.Registry, sessions *router.SessionRegistry, hc *health.Checker, ml *masking.Loader, m *metrics.Collector, lc config.ListenConfig, backendUser string) (*Server, error) {
	s := &Server{
		registry:    reg,
		sessions:    sessions,
		healthCheck: hc,
		masking:     ml,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
		backendUser: backendUser,
	}
	if lc.APIKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(lc.APIKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing configured api_key: %w", err)
		}
		s.apiKeyHash = hash
	}
	return s, nil
}

// Start begins serving the admin API on lc.APIBind:lc.APIPort.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/services", s.listServices).Methods("GET")
	api.HandleFunc("/servers", s.listServers).Methods("GET")
	api.HandleFunc("/servers/{name}", s.getServer).Methods("GET")
	api.HandleFunc("/servers/{name}/pause", s.pauseServer).Methods("POST")
	api.HandleFunc("/servers/{name}/resume", s.resumeServer).Methods("POST")
	api.HandleFunc("/sessions", s.listSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSession).Methods("GET")
	api.HandleFunc("/monitors", s.listMonitors).Methods("GET")
	api.HandleFunc("/filters", s.listFilters).Methods("GET")
	api.HandleFunc("/modules", s.listModules).Methods("GET")
	api.HandleFunc("/users", s.listUsers).Methods("GET")
	api.HandleFunc("/commands", s.listCommands).Methods("GET")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin api listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin api server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware requires a Bearer token matching the configured api_key,
// compared against its bcrypt hash. Disabled (open admin surface) if no
// api_key is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == nil || r.URL.Path == "/health" || r.URL.Path == "/ready" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || subtle.ConstantTimeCompare([]byte(auth[:len(prefix)]), []byte(prefix)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(auth[len(prefix):])); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- services ---

// serviceResponse is the one "service" this router runs: the read/write
// splitting router itself, alongside the masking filter chained onto it.
type serviceResponse struct {
	Name    string   `json:"name"`
	Router  string   `json:"router"`
	Filters []string `json:"filters"`
	Servers []string `json:"servers"`
	Started string   `json:"started"`
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	cands := s.registry.Snapshot()
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.Server.Name)
	}
	filters := []string{}
	if s.masking != nil && s.masking.Current().Len() > 0 {
		filters = []string{"masking"}
	}
	writeJSON(w, http.StatusOK, []serviceResponse{{
		Name:    "router",
		Router:  "readwritesplit",
		Filters: filters,
		Servers: names,
		Started: s.startTime.UTC().Format(time.RFC3339),
	}})
}

// --- servers ---

type serverResponse struct {
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	Role           string  `json:"role"`
	Healthy        bool    `json:"healthy"`
	Paused         bool    `json:"paused"`
	ReplicationLag float64 `json:"replication_lag_seconds,omitempty"`
}

func toServerResponse(c backend.Candidate) serverResponse {
	return serverResponse{
		Name:           c.Server.Name,
		Address:        c.Server.Address,
		Role:           c.Server.Role.String(),
		Healthy:        c.Healthy,
		Paused:         c.Paused,
		ReplicationLag: c.ReplicationLag,
	}
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	cands := s.registry.Snapshot()
	out := make([]serverResponse, 0, len(cands))
	for _, c := range cands {
		out = append(out, toServerResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	c, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, toServerResponse(c))
}

func (s *Server) pauseServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.SetPaused(name, true) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	slog.Info("server paused via admin api", "server", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "server": name})
}

func (s *Server) resumeServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.SetPaused(name, false) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	slog.Info("server resumed via admin api", "server", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "server": name})
}

// --- sessions ---

type sessionResponse struct {
	ID       uint64    `json:"id"`
	Account  string    `json:"account"`
	Database string    `json:"database,omitempty"`
	OpenedAt time.Time `json:"opened_at"`
	Backends []string  `json:"backends"`
}

func toSessionResponse(info router.SessionInfo) sessionResponse {
	return sessionResponse{
		ID:       info.ID,
		Account:  info.Account.String(),
		Database: info.Database,
		OpenedAt: info.OpenedAt,
		Backends: info.Backends,
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	out := make([]sessionResponse, 0, len(snap))
	for _, info := range snap {
		out = append(out, toSessionResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	var id uint64
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	info, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(info))
}

// --- monitors ---

// monitorResponse describes the single health-check monitor this router
// runs against every backend server.
type monitorResponse struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	MonitoredServers int    `json:"monitored_servers"`
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	state := "stopped"
	if s.healthCheck != nil {
		state = "running"
	}
	writeJSON(w, http.StatusOK, []monitorResponse{{
		Name:             "backend-health-monitor",
		State:            state,
		MonitoredServers: len(s.registry.Snapshot()),
	}})
}

// --- filters ---

func (s *Server) listFilters(w http.ResponseWriter, r *http.Request) {
	if s.masking == nil {
		writeJSON(w, http.StatusOK, []masking.Summary{})
		return
	}
	writeJSON(w, http.StatusOK, s.masking.Current().Describe())
}

// --- modules ---

type moduleResponse struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []moduleResponse{
		{Name: "readwritesplit", Type: "router", Version: "1.0"},
		{Name: "masking", Type: "filter", Version: "1.0"},
		{Name: "backend-health-monitor", Type: "monitor", Version: "1.0"},
	})
}

// --- users ---

// userResponse is the backend account the router itself authenticates
// with. There is exactly one: the router does not proxy distinct client
// credentials onto distinct backend accounts.
type userResponse struct {
	Username string `json:"username"`
	Database string `json:"database,omitempty"`
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	if s.backendUser == "" {
		writeJSON(w, http.StatusOK, []userResponse{})
		return
	}
	writeJSON(w, http.StatusOK, []userResponse{{Username: s.backendUser}})
}

// --- commands ---

type commandResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []commandResponse{
		{Name: "pause", Description: "POST /v1/servers/{name}/pause — pull a server out of selection rotation"},
		{Name: "resume", Description: "POST /v1/servers/{name}/resume — return a server to selection rotation"},
	})
}

// --- health / readiness / status ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	cands := s.registry.Snapshot()
	allHealthy := true
	for _, c := range cands {
		if !c.Healthy {
			allHealthy = false
			break
		}
	}
	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"status": boolToStatus(allHealthy)})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	for _, c := range s.registry.Snapshot() {
		if backend.IsMasterLike(c.Server.Role) && c.Healthy && !c.Paused {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"sessions_open":  len(s.sessions.Snapshot()),
		"servers":        len(s.registry.Snapshot()),
		"listen": map[string]int{
			"mysql_port": s.listenCfg.MySQLPort,
			"api_port":   s.listenCfg.APIPort,
		},
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
