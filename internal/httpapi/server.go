// Package httpapi exposes the control surface: login, engine lifecycle,
// a manual sync trigger, and an internal message hook for testing the
// conversation path without a homeserver round trip.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/619dev/matrix-chatgpt-bot/internal/bot"
	"github.com/619dev/matrix-chatgpt-bot/internal/config"
	"github.com/619dev/matrix-chatgpt-bot/internal/engine"
	"github.com/619dev/matrix-chatgpt-bot/internal/matrix"
	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

// Server wires the control endpoints to the engine and the stores.
type Server struct {
	cfg     *config.Config
	client  *matrix.Client
	eng     *engine.Engine
	cfgs    *store.ConfigStore
	handler *bot.Handler
	http    *http.Server
}

// New builds the control server. Call Start to begin serving.
func New(cfg *config.Config, client *matrix.Client, eng *engine.Engine, cfgs *store.ConfigStore, handler *bot.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		client:  client,
		eng:     eng,
		cfgs:    cfgs,
		handler: handler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/internal/handle-message", s.handleInternalMessage)

	s.http = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("control server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":   s.cfg.Name,
		"status": "ok",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": st.Running,
	})
}

// handleLogin authenticates against the homeserver, stores the
// credential, and seeds the provider registry and access lists from the
// config file so a fresh deployment is usable immediately.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}

	// An empty or absent body falls back to the config file credential.
	var req struct {
		UserID   string `json:"userId"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.UserID == "" {
		req.UserID = s.cfg.Matrix.UserID
		req.Password = s.cfg.Matrix.Password
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId and password required"))
		return
	}

	ctx := r.Context()
	creds, err := s.client.Login(ctx, req.UserID, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := s.cfgs.SetAuthInfo(ctx, store.AuthInfo{
		AccessToken: creds.AccessToken,
		UserID:      creds.UserID,
		DeviceID:    creds.DeviceID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.seedConfig(ctx); err != nil {
		slog.Warn("failed to seed configuration", "error", err)
	}

	slog.Info("logged in", "user", creds.UserID, "device", creds.DeviceID)
	writeJSON(w, http.StatusOK, map[string]string{
		"userId":   creds.UserID,
		"deviceId": creds.DeviceID,
	})
}

// seedConfig writes the config-file defaults into the durable store on
// first login: the default provider, the admin list and the whitelist.
func (s *Server) seedConfig(ctx context.Context) error {
	existing, err := s.cfgs.Provider(ctx, "openai")
	if err != nil {
		return err
	}
	if existing == nil && s.cfg.AI.BaseURL != "" {
		err := s.cfgs.SetProvider(ctx, store.Provider{
			Name:         "openai",
			BaseURL:      s.cfg.AI.BaseURL,
			APIKey:       s.cfg.AI.APIKey,
			DefaultModel: s.cfg.AI.DefaultModel,
			API:          "openai",
		})
		if err != nil {
			return err
		}
	}

	if len(s.cfg.Matrix.AdminUsers) > 0 {
		if err := s.cfgs.SetAdmins(ctx, s.cfg.Matrix.AdminUsers); err != nil {
			return err
		}
	}
	if len(s.cfg.Matrix.AllowedUsers) > 0 {
		if err := s.cfgs.SetWhitelist(ctx, s.cfg.Matrix.AllowedUsers); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	started, err := s.eng.Start(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotAuthenticated) {
			status = http.StatusPreconditionFailed
		}
		writeError(w, status, err)
		return
	}
	result := "started"
	if !started {
		result = "already_running"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": result})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	if err := s.eng.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSync triggers one poll immediately, outside the timer cadence.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	err := s.eng.Tick(r.Context())
	switch {
	case errors.Is(err, engine.ErrTickInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "tick in progress"})
	case errors.Is(err, engine.ErrNotAuthenticated):
		writeError(w, http.StatusPreconditionFailed, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	}
}

// handleInternalMessage runs the conversation path for a synthetic
// message and posts the reply to the room. Dispatch is detached from
// the request so slow backends do not tie up the caller.
func (s *Server) handleInternalMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}

	var req struct {
		RoomID  string `json:"roomId"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RoomID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("roomId and message required"))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		reply, err := s.handler.GenerateReply(ctx, req.RoomID, req.Message)
		if err != nil {
			slog.Error("internal message failed", "room", req.RoomID, "error", err)
			return
		}
		if _, err := s.client.SendMessage(ctx, id.RoomID(req.RoomID), reply); err != nil {
			slog.Error("failed to send internal reply", "room", req.RoomID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
