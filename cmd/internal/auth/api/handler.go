package authapi

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/policy"
)

// Handler wires the session HTTP endpoints to a session.Registrar.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Registrar
	creates  *ipLimiter
}

// NewHandler constructs a session API Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Registrar) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		return nil, errors.New("authapi: nil registrar")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}

	return &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		creates:  newIPLimiter(cfg.CreatePerMinute, cfg.CreateBurst),
	}, nil
}

// Register wires session routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/sessions/create", h.handleCreate)
	mux.HandleFunc("/api/sessions/end", h.handleEnd)
	mux.HandleFunc("/api/sessions/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/api/sessions/info", h.handleInfo)
	mux.HandleFunc("/api/sessions/count", h.handleCount)
	mux.HandleFunc("/api/sessions/allowed", h.handleAllowed)
	mux.HandleFunc("/api/sessions/policy", h.handlePolicy)
	if h.cfg.AdminToken != "" {
		mux.HandleFunc("/api/admin/sessions/end", h.handleAdminEnd)
	}
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if !readRequest(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	ip := clientIP(r, h.cfg.TrustProxy)
	if ok, retryAfter := h.creates.allow(ipKey(ip), time.Now()); !ok {
		h.log.Warn("session.create.rate_limited", "ip", ipKey(ip))
		writeRateLimited(w, retryAfter)
		return
	}

	in := session.CreateInput{
		UserID:    req.UserID,
		Role:      policy.Role(req.Role),
		IPAddress: strings.TrimSpace(req.IPAddress),
		UserAgent: strings.TrimSpace(req.UserAgent),
	}
	if in.IPAddress == "" && ip != nil {
		in.IPAddress = ip.String()
	}
	if in.UserAgent == "" {
		in.UserAgent = r.UserAgent()
	}

	s, err := h.sessions.Create(r.Context(), in)
	if err != nil {
		h.writeSessionError(w, "create", err)
		return
	}

	writeJSON(w, http.StatusOK, createResponse{
		Success:   true,
		SessionID: s.ID,
		ExpiresAt: s.ExpiresAt,
	})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req userRequest
	if !readRequest(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	reason := session.TerminationReason(strings.TrimSpace(req.Reason))
	if reason == session.ReasonAdminForced {
		writeError(w, http.StatusForbidden, "operator_only", "admin_forced requires the operator endpoint")
		return
	}
	if err := h.sessions.End(r.Context(), req.UserID, reason); err != nil {
		h.writeSessionError(w, "end", err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

// handleAdminEnd force-ends a user's session as admin_forced. It is registered
// only when an operator token is configured.
func (h *Handler) handleAdminEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.operatorAuthorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="vigil-admin"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "operator token required")
		return
	}

	var req userRequest
	if !readRequest(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.Reason != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "reason is fixed to admin_forced")
		return
	}

	if err := h.sessions.End(r.Context(), req.UserID, session.ReasonAdminForced); err != nil {
		h.writeSessionError(w, "admin_end", err)
		return
	}

	h.log.Info("session.admin_end", "user_id", strings.TrimSpace(req.UserID), "ip", ipKey(clientIP(r, h.cfg.TrustProxy)))
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (h *Handler) operatorAuthorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) == 1
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req userRequest
	if !readRequest(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.Reason != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "reason is not accepted here")
		return
	}

	active, err := h.sessions.Heartbeat(r.Context(), req.UserID)
	if err != nil {
		h.writeSessionError(w, "heartbeat", err)
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{Success: true, Active: active})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s, err := h.sessions.Info(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.writeSessionError(w, "info", err)
		return
	}

	writeJSON(w, http.StatusOK, infoResponse{Success: true, SessionInfo: toSessionInfo(s)})
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	n, err := h.sessions.Count(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.writeSessionError(w, "count", err)
		return
	}

	writeJSON(w, http.StatusOK, countResponse{Success: true, Count: n})
}

func (h *Handler) handleAllowed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ok, err := h.sessions.Allowed(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.writeSessionError(w, "allowed", err)
		return
	}

	writeJSON(w, http.StatusOK, allowedResponse{Success: true, Allowed: ok})
}

func (h *Handler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	table := h.sessions.Policies()
	role := policy.NormalizeRole(r.URL.Query().Get("role"))
	if !table.Known(role) {
		role = table.Fallback()
	}
	p := table.Resolve(role)

	writeJSON(w, http.StatusOK, policyResponse{
		Role:                      string(role),
		InactivityTimeSeconds:     int64(p.InactivityTime / time.Second),
		WarningLeadSeconds:        int64(p.WarningLead / time.Second),
		MaxSessionDurationSeconds: int64(table.MaxSessionDuration() / time.Second),
		HeartbeatIntervalSeconds:  int64(h.cfg.HeartbeatInterval / time.Second),
	})
}

// writeSessionError maps registrar errors to HTTP responses.
// Not-found is a normal outcome and is never logged above debug.
func (h *Handler) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidUserID):
		writeError(w, http.StatusBadRequest, "invalid_user_id", "userId is required")
	case errors.Is(err, session.ErrInvalidReason):
		writeError(w, http.StatusBadRequest, "invalid_reason", "unknown termination reason")
	case errors.Is(err, session.ErrNotFound):
		h.log.Debug("session.api.not_found", "op", op)
		writeError(w, http.StatusNotFound, "not_found", "no active session")
	case errors.Is(err, session.ErrStoreUnavailable):
		h.log.Error("session.api.store_unavailable", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "session store unavailable, retry later")
	default:
		h.log.Error("session.api.fail", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
