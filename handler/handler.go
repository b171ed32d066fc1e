package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/scheduler"
	"assistant-memory/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// StatsReader exposes counters over the stored state. *state.Manager
// satisfies it.
type StatsReader interface {
	Stats() domain.Stats
}

type ConversationAdmin interface {
	Conversation(userID string) (*domain.ConversationContext, error)
	ResetConversation(userID string) error
}

type MaintenanceRunner interface {
	RunOnce(ctx context.Context) (scheduler.Report, error)
}

type ReminderSweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

// Handler is the admin HTTP surface: health, stats, conversation inspection
// and manual maintenance triggers.
type Handler struct {
	stats         StatsReader
	conversations ConversationAdmin
	maintenance   MaintenanceRunner
	sweeper       ReminderSweeper
	logger        *zap.Logger
	mux           *http.ServeMux
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithConversations(c ConversationAdmin) Option {
	return func(h *Handler) { h.conversations = c }
}

func WithMaintenance(m MaintenanceRunner) Option {
	return func(h *Handler) { h.maintenance = m }
}

func WithSweeper(s ReminderSweeper) Option {
	return func(h *Handler) { h.sweeper = s }
}

// NewHandler routes the admin endpoints. Routes whose dependency is not
// supplied answer 404.
func NewHandler(stats StatsReader, opts ...Option) (*Handler, error) {
	if stats == nil {
		return nil, errors.New("handler: stats reader must not be nil")
	}
	h := &Handler{stats: stats, logger: zap.NewNop(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /healthz", h.health)
	h.mux.HandleFunc("GET /stats", h.getStats)
	if h.conversations != nil {
		h.mux.HandleFunc("GET /conversations/{userID}", h.getConversation)
		h.mux.HandleFunc("DELETE /conversations/{userID}", h.resetConversation)
	}
	if h.maintenance != nil {
		h.mux.HandleFunc("POST /maintenance", h.runMaintenance)
	}
	if h.sweeper != nil {
		h.mux.HandleFunc("POST /reminders/sweep", h.sweep)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)
	h.logger.Debug("admin request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("correlation_id", correlationID),
	)
	h.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type conversationResponse struct {
	UserID               string                       `json:"user_id"`
	UserName             string                       `json:"user_name"`
	Summary              string                       `json:"summary,omitempty"`
	MessagesSinceSummary int                          `json:"messages_since_summary"`
	Messages             []domain.ConversationMessage `json:"messages"`
}

type maintenanceResponse struct {
	Conversations int `json:"conversations_removed"`
	Reminders     int `json:"reminders_removed"`
	Feedback      int `json:"feedback_removed"`
}

type sweepResponse struct {
	Delivered int `json:"delivered"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversations.Conversation(r.PathValue("userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		UserID:               conv.UserID,
		UserName:             conv.UserName,
		Summary:              conv.Summary,
		MessagesSinceSummary: conv.MessagesSinceSummary,
		Messages:             conv.Messages,
	})
}

func (h *Handler) resetConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.conversations.ResetConversation(r.PathValue("userID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) runMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.maintenance.RunOnce(r.Context())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "CONFLICT", Reason: "maintenance_running"})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maintenanceResponse{
		Conversations: report.Conversations,
		Reminders:     report.Reminders,
		Feedback:      report.Feedback,
	})
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Delivered: n})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		h.logger.Error("admin request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
		return
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", zap.String("reason", ue.Reason), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
