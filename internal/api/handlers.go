package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
	"github.com/noxterm/noxterm/internal/validate"
)

type healthResponse struct {
	Version   string    `json:"version"`
	BuildInfo string    `json:"build_info"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSecs int64    `json:"uptime_secs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Version:    version,
		BuildInfo:  "noxterm/" + version,
		Timestamp:  time.Now().UTC(),
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
	})
}

type detailedHealthResponse struct {
	RuntimeReachable bool   `json:"runtime_reachable"`
	StoreReachable   bool   `json:"store_reachable"`
	FacadeStatus     string `json:"facade_status"`
	ActiveSessions   int    `json:"active_sessions"`
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runtimeOK := s.runtime.Ping(ctx) == nil

	storeOK := true
	sessions, err := s.store.ListSessions("", "", 0)
	if err != nil {
		storeOK = false
	}

	facadeStatus := "disabled"
	if s.facade != nil {
		st, _ := s.facade.Status()
		facadeStatus = string(st)
	}

	active := 0
	for _, sess := range sessions {
		if sess.Status == store.StatusRunning || sess.Status == store.StatusCreated {
			active++
		}
	}

	writeJSON(w, http.StatusOK, detailedHealthResponse{
		RuntimeReachable: runtimeOK,
		StoreReachable:   storeOK,
		FacadeStatus:     facadeStatus,
		ActiveSessions:   active,
	})
}

// handlePrometheusMetrics renders the gauges named in spec §6.
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions("", "", 0)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var active, containers int
	var cpuSum, memSum float64
	for _, sess := range sessions {
		if sess.Status == store.StatusRunning || sess.Status == store.StatusCreated {
			active++
		}
		if sess.ContainerRef != "" {
			containers++
			if sample, ok := s.reconciler.Health(sess.ID); ok {
				cpuSum += sample.CPUFraction * 100
				memSum += float64(sample.MemoryBytes)
			}
		}
	}

	privacyEnabled := 0
	if s.facade != nil {
		if st, _ := s.facade.Status(); st == "running" {
			privacyEnabled = 1
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, "# HELP active_sessions Number of active sessions\n")
	io.WriteString(w, "# TYPE active_sessions gauge\n")
	io.WriteString(w, "active_sessions "+strconv.Itoa(active)+"\n")
	io.WriteString(w, "# TYPE containers_total gauge\n")
	io.WriteString(w, "containers_total "+strconv.Itoa(containers)+"\n")
	io.WriteString(w, "# TYPE cpu_usage_percent gauge\n")
	io.WriteString(w, "cpu_usage_percent "+strconv.FormatFloat(cpuSum, 'f', 2, 64)+"\n")
	io.WriteString(w, "# TYPE memory_usage_bytes gauge\n")
	io.WriteString(w, "memory_usage_bytes "+strconv.FormatFloat(memSum, 'f', 0, 64)+"\n")
	io.WriteString(w, "# TYPE privacy_enabled gauge\n")
	io.WriteString(w, "privacy_enabled "+strconv.Itoa(privacyEnabled)+"\n")
}

type createSessionRequest struct {
	Tenant string `json:"tenant"`
	Image  string `json:"image,omitempty"`
}

type createSessionResponse struct {
	SessionID    string `json:"session_id"`
	WebsocketURL string `json:"websocket_url"`
	Status       string `json:"status"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Tenant == "" {
		writeValidationError(w, "tenant is required")
		return
	}

	sess, err := s.manager.Create(r.Context(), session.CreateOpts{
		Tenant:   req.Tenant,
		Image:    req.Image,
		ClientIP: clientIP(r),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:    sess.ID,
		WebsocketURL: "/pty/" + sess.ID,
		Status:       string(sess.Status),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	sessions, err := s.manager.List(tenant, "", 0)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Terminate(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reattachResponse struct {
	WebsocketURL string `json:"websocket_url"`
	Status       string `json:"status"`
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Reattach(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reattachResponse{
		WebsocketURL: "/pty/" + sess.ID,
		Status:       string(sess.Status),
	})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sample, ok := s.reconciler.Health(id)
	if !ok {
		writeAPIError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleSessionMetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	history, err := s.store.MetricsHistory(r.PathValue("id"), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	events, err := s.store.ListAudit(r.PathValue("id"), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Touch(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bindContainerRequest struct {
	ContainerRef  string `json:"container_ref"`
	ContainerName string `json:"container_name"`
}

func (s *Server) handleBindContainer(w http.ResponseWriter, r *http.Request) {
	var req bindContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if err := s.store.BindContainer(r.PathValue("id"), req.ContainerRef, req.ContainerName); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearDisconnect(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeValidationError(w, "could not read request body")
		return
	}
	result := validate.Command(string(body))
	if !result.Safe {
		sessID := r.PathValue("id")
		sess, _ := s.manager.Get(sessID)
		tenant := ""
		if sess != nil {
			tenant = sess.Tenant
		}
		s.store.AppendSecurity(store.SecurityEvent{
			SessionID:    sessID,
			Tenant:       tenant,
			Kind:         "UnsafeInput",
			Severity:     result.Severity,
			Description:  result.Reason,
			BlockedInput: string(body),
			ClientAddr:   clientIP(r),
		})
		writeUnsafeInputError(w, result.Severity, result.Reason, result.BlockedPattern)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTenantAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	events, err := s.store.ListAuditByTenant(r.PathValue("tenant"), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTenantContainers(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List(r.PathValue("tenant"), "", 0)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var bound []*store.Session
	for _, sess := range sessions {
		if sess.ContainerRef != "" {
			bound = append(bound, sess)
		}
	}
	writeJSON(w, http.StatusOK, bound)
}

func (s *Server) handleTenantActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List(r.PathValue("tenant"), "", 0)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var active []*store.Session
	for _, sess := range sessions {
		if sess.Status == store.StatusRunning || sess.Status == store.StatusCreated {
			active = append(active, sess)
		}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	events, err := s.store.ListSecurityEvents(limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type rateLimitResponse struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	count, windowStart, err := s.store.RateBucketCount(r.PathValue("id"), r.PathValue("endpoint"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitResponse{Count: count, WindowStart: windowStart})
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
