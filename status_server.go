package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hako/durafmt"
)

// StatusServer is the JSON surface for operators: read-only fleet state
// plus a small JWT-authenticated admin API. It is not the end-user web
// platform; that lives elsewhere.
type StatusServer struct {
	orch      *Orchestrator
	metrics   *FleetMetrics
	jwtSecret []byte
	startedAt time.Time

	srv *http.Server
}

func NewStatusServer(bind string, orch *Orchestrator, metrics *FleetMetrics, jwtSecret string) *StatusServer {
	s := &StatusServer{
		orch:      orch,
		metrics:   metrics,
		startedAt: time.Now(),
	}
	if secret := strings.TrimSpace(jwtSecret); secret != "" {
		s.jwtSecret = []byte(secret)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/admin/mining", s.requireAdmin(s.handleAdminMining))
	mux.HandleFunc("/api/admin/pool", s.requireAdmin(s.handleAdminPool))
	mux.HandleFunc("/api/admin/device", s.requireAdmin(s.handleAdminDevice))

	s.srv = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "error", err)
		}
	}()
	logger.Info("status server listening", "addr", s.srv.Addr)
	return nil
}

func (s *StatusServer) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := fastJSONMarshal(v)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *StatusServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.orch.MiningState()
	uptime := durafmt.Parse(time.Since(s.startedAt).Round(time.Second)).LimitFirstN(2).String()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":            state.Enabled,
		"total_hash_rate":    state.TotalHashRate,
		"active_devices":     state.ActiveDevices,
		"estimated_earnings": state.EstimatedEarnings,
		"uptime":             uptime,
	})
}

func (s *StatusServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.SessionSnapshots())
}

func (s *StatusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// requireAdmin wraps a handler with HS256 bearer-token validation. With no
// secret configured the admin API is disabled outright.
func (s *StatusServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, prefix), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func readJSONBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return fastJSONUnmarshal(body, v)
}

func (s *StatusServer) handleAdminMining(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ok := s.orch.ToggleMining(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *StatusServer) handleAdminPool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PoolID string `json:"pool_id"`
	}
	if err := readJSONBody(r, &req); err != nil || req.PoolID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.orch.SwitchPool(req.PoolID) {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"ok": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *StatusServer) handleAdminDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeviceID string  `json:"device_id"`
		UserID   string  `json:"user_id"`
		Action   string  `json:"action"`
		HashRate float64 `json:"hash_rate"`
	}
	if err := readJSONBody(r, &req); err != nil || req.DeviceID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var ok bool
	switch req.Action {
	case "register":
		ok = s.orch.RegisterDevice(req.DeviceID, req.UserID)
	case "unregister":
		ok = s.orch.UnregisterDevice(req.DeviceID)
	case "activate":
		ok = s.orch.ActivateDevice(req.DeviceID)
	case "deactivate":
		ok = s.orch.DeactivateDevice(req.DeviceID)
	case "hashrate":
		ok = s.orch.SetDeviceHashRate(req.DeviceID, req.HashRate)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]any{"ok": ok})
}
