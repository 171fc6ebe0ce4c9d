package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driplab/drip/internal/config"
	"github.com/driplab/drip/internal/delivery"
	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/splitter"
)

type Server struct {
	cfg         config.Config
	pipeline    *delivery.Pipeline
	registry    *delivery.Registry
	coordinator *delivery.Coordinator
	hub         *BridgeHub
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	// baseCtx outlives individual requests: deliveries started by a
	// submission must not die with the submitting request.
	baseCtx context.Context
}

func New(baseCtx context.Context, cfg config.Config, pipeline *delivery.Pipeline, registry *delivery.Registry, coordinator *delivery.Coordinator, hub *BridgeHub, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		cfg:         cfg,
		pipeline:    pipeline,
		registry:    registry,
		coordinator: coordinator,
		hub:         hub,
		metrics:     metrics,
		logger:      logger,
		baseCtx:     baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; non-browser adapters omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/responses", s.handleSubmitResponse)
	r.Get("/v1/chats/{id}/delivery", s.handleGetDelivery)
	r.Post("/v1/chats/{id}/cancel", s.handleCancelDelivery)
	r.Post("/v1/chats/{id}/interrupt", s.handleInterrupt)
	r.Get("/v1/deliveries", s.handleListDeliveries)
	r.Get("/v1/perf/pacing", s.handlePerfPacing)
	r.Get("/v1/settings", s.handleSettings)
	r.Get("/v1/bridge/ws", s.handleBridgeWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"adapter_connected": s.hub != nil && s.hub.Connected(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"adapter_connected": s.hub != nil && s.hub.Connected(),
		"active_deliveries": s.registry.ActiveCount(),
	})
}

type submitRequest struct {
	ChatID    string `json:"chat_id"`
	RequestID string `json:"request_id"`
	ReplyTo   string `json:"reply_to"`
	Text      string `json:"text"`
	Mode      string `json:"mode"`
	Policy    string `json:"policy"`
	Profile   string `json:"profile"`
}

func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "chat_id is required")
		return
	}

	var mode splitter.Mode
	if strings.TrimSpace(req.Mode) != "" {
		parsed, ok := splitter.ParseMode(req.Mode)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid_mode", "unknown split mode "+req.Mode)
			return
		}
		mode = parsed
	}
	var policy delivery.ModePolicy
	switch p := delivery.ModePolicy(strings.TrimSpace(req.Policy)); p {
	case "":
	case delivery.ModeReplySafe, delivery.ModeAnswerSafe:
		policy = p
	default:
		respondError(w, http.StatusBadRequest, "invalid_policy", "unknown policy "+req.Policy)
		return
	}

	sess, err := s.pipeline.Submit(s.baseCtx, delivery.Request{
		ChatID:    req.ChatID,
		RequestID: req.RequestID,
		ReplyTo:   req.ReplyTo,
		Text:      req.Text,
		Mode:      mode,
		Policy:    policy,
	}, req.Profile)
	if err != nil {
		var cfgErr *delivery.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
		case errors.Is(err, delivery.ErrChatBusy):
			respondError(w, http.StatusConflict, "chat_busy", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		}
		return
	}

	if s.hub != nil {
		go s.notifyWhenDone(sess)
	}
	respondJSON(w, http.StatusAccepted, sess.Snapshot())
}

// notifyWhenDone relays the terminal outcome to the adapter bridge.
func (s *Server) notifyWhenDone(sess *delivery.Session) {
	select {
	case <-sess.Done():
		s.hub.NotifyDeliveryEnd(sess.Snapshot())
	case <-s.baseCtx.Done():
	}
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	sess, ok := s.registry.Active(chatID)
	if !ok {
		respondError(w, http.StatusNotFound, "no_active_delivery", "chat has no active delivery")
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	sess, ok := s.registry.Active(chatID)
	if !ok {
		respondError(w, http.StatusNotFound, "no_active_delivery", "chat has no active delivery")
		return
	}
	first := sess.Cancel("cancelled via api")
	respondJSON(w, http.StatusAccepted, map[string]any{
		"session_id":        sess.ID,
		"cancel_requested":  true,
		"first_cancel_call": first,
	})
}

type interruptRequest struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	var req interruptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message_id is required")
		return
	}

	evt := delivery.InterruptEvent{
		ChatID:    chatID,
		MessageID: req.MessageID,
		Text:      req.Text,
	}
	// OnInterrupt only enqueues, cancels, or hands off to the per-chat
	// drain goroutine; the base context lets deferred interrupts replay
	// long after this handler returns.
	s.coordinator.OnInterrupt(s.baseCtx, evt)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"chat_id":     chatID,
		"queue_depth": s.coordinator.QueueDepth(chatID),
	})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"deliveries": s.registry.Snapshots(),
	})
}

func (s *Server) handlePerfPacing(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotPacing())
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	defaults := s.pipeline.Defaults()
	respondJSON(w, http.StatusOK, map[string]any{
		"split_mode":          string(defaults.SplitMode),
		"max_chunk_len":       defaults.SplitCfg.MaxChunkLen,
		"min_chunk_len":       defaults.SplitCfg.MinChunkLen,
		"delay_strategy":      string(defaults.Delay.Strategy),
		"delay_min_ms":        defaults.Delay.Min.Milliseconds(),
		"delay_max_ms":        defaults.Delay.Max.Milliseconds(),
		"convert_markdown":    s.cfg.ConvertMarkdown,
		"profiles":            s.pipeline.ProfileNames(),
		"first_message_delay": s.cfg.FirstMessageDelay.String(),
	})
}

func (s *Server) handleBridgeWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "bridge not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.hub.Run(r.Context(), conn)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
