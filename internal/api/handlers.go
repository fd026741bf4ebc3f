package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ideanote/ideabot/internal/auth"
	"github.com/ideanote/ideabot/internal/core"
	"github.com/ideanote/ideabot/internal/store"
	"github.com/ideanote/ideabot/internal/telegram"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type ctxKey string

const operatorKey ctxKey = "operator"

// ReminderTicker runs one reminder pass on demand.
type ReminderTicker interface {
	Tick(ctx context.Context) (core.TickResult, error)
}

// DigestRunner runs one digest pass on demand.
type DigestRunner interface {
	RunOnce(ctx context.Context) (core.DigestResult, error)
}

// UpdateProcessor consumes webhook updates.
type UpdateProcessor interface {
	Process(ctx context.Context, u telegram.Update)
}

// Deps are the collaborators of the HTTP surface. Updates may be nil when the bot long-polls;
// the webhook route is then not mounted.
type Deps struct {
	Store         store.Store
	Reminders     ReminderTicker
	Digest        DigestRunner
	Updates       UpdateProcessor
	WebhookSecret string
	JWTSecret     string
}

type APIHandler struct {
	deps Deps
	log  zerolog.Logger
}

func NewAPIHandler(deps Deps, log zerolog.Logger) *APIHandler {
	return &APIHandler{deps: deps, log: log.With().Str("component", "api").Logger()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// JWTAuthMiddleware admits requests carrying a valid operator token.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		operator, err := auth.ValidateJWT(h.deps.JWTSecret, tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Store.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("health check: store unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebhookHandler accepts Bot API updates. Once authenticated and decoded, an update is always
// acknowledged with 200 so Telegram does not redeliver it.
func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(webhookSecretHeader)
	if h.deps.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.deps.WebhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var u telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	h.deps.Updates.Process(context.WithoutCancel(r.Context()), u)
	w.WriteHeader(http.StatusOK)
}

func chatIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	return id, err == nil
}

func (h *APIHandler) ListIdeasHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ideas, err := h.deps.Store.ListIdeas(r.Context(), chatID, limit)
	if err != nil {
		h.log.Error().Err(err).Int64("conversation_id", chatID).Msg("list ideas")
		writeError(w, http.StatusInternalServerError, "Failed to list ideas")
		return
	}
	if ideas == nil {
		ideas = []store.Idea{}
	}
	writeJSON(w, http.StatusOK, ideas)
}

func (h *APIHandler) ListRemindersHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	reminders, err := h.deps.Store.ListReminders(r.Context(), chatID)
	if err != nil {
		h.log.Error().Err(err).Int64("conversation_id", chatID).Msg("list reminders")
		writeError(w, http.StatusInternalServerError, "Failed to list reminders")
		return
	}
	if reminders == nil {
		reminders = []store.Reminder{}
	}
	writeJSON(w, http.StatusOK, reminders)
}

func (h *APIHandler) TickHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Reminders.Tick(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("manual reminder tick")
		writeError(w, http.StatusInternalServerError, "Reminder tick failed")
		return
	}
	h.log.Info().Interface("operator", r.Context().Value(operatorKey)).Interface("result", res).Msg("manual reminder tick")
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) DigestHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Digest.RunOnce(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("manual digest run")
		writeError(w, http.StatusInternalServerError, "Digest run failed")
		return
	}
	h.log.Info().Interface("operator", r.Context().Value(operatorKey)).Interface("result", res).Msg("manual digest run")
	writeJSON(w, http.StatusOK, res)
}
