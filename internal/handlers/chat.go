// Package handlers exposes the HTTP surface: the chat endpoint consumed by
// the dashboard, API integrations and the public embed widget.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/owolfdev/chatiq/internal/auth"
	"github.com/owolfdev/chatiq/internal/i18n"
	"github.com/owolfdev/chatiq/internal/middleware"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/owolfdev/chatiq/internal/pipeline"
	"github.com/owolfdev/chatiq/internal/store"
	"github.com/owolfdev/chatiq/pkg/logger"
	"github.com/sirupsen/logrus"
)

// ChatHandler serves POST /api/v1/chat.
type ChatHandler struct {
	pipeline  *pipeline.Pipeline
	store     store.Store
	limiter   middleware.RateLimiter
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	jwtSecret string
	logger    *logrus.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(
	p *pipeline.Pipeline,
	st store.Store,
	limiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	jwtSecret string,
	logger *logrus.Logger,
) *ChatHandler {
	return &ChatHandler{
		pipeline:  p,
		store:     st,
		limiter:   limiter,
		localizer: localizer,
		metrics:   metrics,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// NewRouter wires the HTTP routes.
func NewRouter(h *ChatHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/chat", h.HandleChat).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type chatRequest struct {
	Message        string                 `json:"message"`
	Bot            string                 `json:"bot"`
	ConversationID string                 `json:"conversation_id"`
	History        []models.PromptMessage `json:"history,omitempty"`
	Stream         bool                   `json:"stream"`
	PrivateMode    bool                   `json:"private_mode"`
	Lang           string                 `json:"lang"`
	Source         string                 `json:"source"`
}

type chatResponse struct {
	Response       string   `json:"response"`
	RichHTML       string   `json:"rich_html,omitempty"`
	ConversationID string   `json:"conversation_id"`
	Source         string   `json:"source"`
	QuickReplies   []string `json:"quick_replies,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleChat resolves the caller identity, applies the rate limit and runs the
// response pipeline, streaming over SSE when the client asks for it.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, models.CodeBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" || body.Bot == "" {
		h.writeError(w, http.StatusBadRequest, models.CodeBadRequest, "message and bot are required")
		return
	}

	identity, teamID, userID, apiKey, err := h.resolveIdentity(r)
	if err != nil {
		h.writeCoded(w, err)
		return
	}

	scope, key := middleware.ScopeFor(teamID, apiKey, clientIP(r))
	if !h.limiter.Allow(scope, key) {
		h.metrics.RecordRateLimitExceeded(string(scope))
		h.writeError(w, http.StatusTooManyRequests, models.CodeRateLimited,
			h.localizer.Get(body.Lang, i18n.MsgRateLimitExceeded, nil))
		return
	}

	req := &pipeline.Request{
		Message:        body.Message,
		BotRef:         body.Bot,
		ConversationID: body.ConversationID,
		History:        body.History,
		Identity:       identity,
		TeamID:         teamID,
		UserID:         userID,
		Origin:         requestOrigin(r),
		PrivateMode:    body.PrivateMode,
		Source:         body.Source,
		Lang:           body.Lang,
	}

	log := logger.WithRequest(h.logger, teamID, body.Bot, body.ConversationID)
	log.WithField("identity", identity).Debug("Handling chat request")

	if body.Stream {
		h.serveStream(w, r, req)
		return
	}

	result, err := h.pipeline.Respond(r.Context(), req, nopSink{})
	if err != nil {
		h.writeCoded(w, err)
		return
	}
	log.WithField("source", result.Source).Debug("Chat request resolved")
	h.writeJSON(w, http.StatusOK, chatResponse{
		Response:       result.Response,
		RichHTML:       result.RichHTML,
		ConversationID: result.ConversationID,
		Source:         result.Source,
		QuickReplies:   result.QuickReplies,
	})
}

// serveStream runs the pipeline with an SSE sink. Errors occurring before the
// first delta still get a proper status; errors after it are sent as a
// terminal error frame because the headers are already on the wire.
func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, req *pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, models.CodeInternal, "streaming unsupported")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	result, err := h.pipeline.Respond(r.Context(), req, sink)
	if err != nil {
		if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
			// Client went away mid-stream; nothing left to tell it.
			return
		}
		if !sink.opened {
			h.writeCoded(w, err)
			return
		}
		sink.writeEvent(errorEnvelope{Error: errorBody{Code: codeOf(err), Message: err.Error()}})
		sink.writeDone()
		return
	}

	if !sink.opened {
		sink.open()
	}
	sink.writeEvent(map[string]interface{}{
		"conversation_id": result.ConversationID,
		"source":          result.Source,
		"rich_html":       result.RichHTML,
		"quick_replies":   result.QuickReplies,
	})
	sink.writeDone()
}

// resolveIdentity picks exactly one identity per fixed precedence: session
// token, then API key, then anonymous public. A present-but-invalid credential
// is fatal, never downgraded.
func (h *ChatHandler) resolveIdentity(r *http.Request) (pipeline.Identity, string, string, string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" {
			return "", "", "", "", &models.UnauthorizedError{Reason: "malformed authorization header"}
		}
		claims, err := auth.ValidateToken(token, h.jwtSecret)
		if err != nil {
			return "", "", "", "", &models.UnauthorizedError{Reason: "invalid session token"}
		}
		return pipeline.IdentityInternal, claims.TeamID, claims.UserID, "", nil
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		team, err := h.store.GetTeamByAPIKey(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", "", "", "", &models.UnauthorizedError{Reason: "unknown API key"}
			}
			return "", "", "", "", fmt.Errorf("failed to resolve API key: %w", err)
		}
		return pipeline.IdentityAPIKey, team.ID, "", apiKey, nil
	}

	return pipeline.IdentityPublic, "", "", "", nil
}

func (h *ChatHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to write response")
	}
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeCoded maps a pipeline error onto the HTTP error envelope.
func (h *ChatHandler) writeCoded(w http.ResponseWriter, err error) {
	code := codeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		h.logger.WithError(err).Error("Unhandled pipeline error")
		h.writeError(w, http.StatusInternalServerError, models.CodeInternal, "internal error")
		return
	}
	h.writeError(w, status, code, err.Error())
}

var statusByCode = map[string]int{
	models.CodeUnauthorized:        http.StatusUnauthorized,
	models.CodeModerationFlagged:   http.StatusUnprocessableEntity,
	models.CodeQuotaExceeded:       http.StatusTooManyRequests,
	models.CodeFreeTierExpired:     http.StatusForbidden,
	models.CodeLLMDisabled:         http.StatusForbidden,
	models.CodeUpstreamUnavailable: http.StatusBadGateway,
	models.CodeRateLimited:         http.StatusTooManyRequests,
	models.CodeBadRequest:          http.StatusBadRequest,
	models.CodeNotFound:            http.StatusNotFound,
}

func codeOf(err error) string {
	var coded models.Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return models.CodeInternal
}

func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return r.Header.Get("Referer")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// nopSink discards deltas; the buffered response body carries the full text.
type nopSink struct{}

func (nopSink) Delta(string) error { return nil }

// sseSink relays pipeline deltas as server-sent events, flushing each frame.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	opened  bool
}

func (s *sseSink) open() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
}

func (s *sseSink) Delta(text string) error {
	if !s.opened {
		s.open()
	}
	return s.writeEvent(map[string]string{"delta": text})
}

func (s *sseSink) writeEvent(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) writeDone() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
