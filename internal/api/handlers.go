package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cabwire/cabwire/internal/agent"
	"github.com/cabwire/cabwire/internal/config"
	"github.com/cabwire/cabwire/internal/prompt"
	"github.com/cabwire/cabwire/internal/session"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/internal/ws"
	"github.com/cabwire/cabwire/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// Handler contains the HTTP handlers for the operator console and the
// telephony bridge
type Handler struct {
	registry *session.Registry
	agent    *agent.Client
	renderer *prompt.Renderer
	history  *sqlite.HistoryStorage
	reviews  *sqlite.ReviewStorage
	wsServer *ws.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	registry *session.Registry,
	agentClient *agent.Client,
	renderer *prompt.Renderer,
	history *sqlite.HistoryStorage,
	reviews *sqlite.ReviewStorage,
	wsServer *ws.Server,
	config *config.Config,
	logger *logger.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		agent:    agentClient,
		renderer: renderer,
		history:  history,
		reviews:  reviews,
		wsServer: wsServer,
		config:   config,
		logger:   logger.Named("api-handler"),
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// GetHealth returns basic service health
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": len(h.registry.ActiveSessions()),
		"ws_clients":   h.wsServer.ClientCount(),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

// startCallRequest is the payload the telephony bridge posts when a call
// arrives on the line
type startCallRequest struct {
	CallID      string `json:"call_id"`
	CallerPhone string `json:"caller_phone"`
}

// StartCall answers an incoming call: it creates the session, renders the
// caller-specific system prompt, opens the realtime AI connection and
// binds it to the session.
func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallID == "" || req.CallerPhone == "" {
		h.respondError(w, http.StatusBadRequest, "call_id and caller_phone are required")
		return
	}

	sess, profile, err := h.registry.Create(r.Context(), req.CallID, req.CallerPhone)
	if err != nil {
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}

	systemPrompt, err := h.renderer.Render(req.CallerPhone, profile, time.Now())
	if err != nil {
		h.logger.Error("Failed to render system prompt", logger.Error(err))
		h.registry.End(req.CallID, "setup_failed")
		h.respondError(w, http.StatusInternalServerError, "failed to prepare call")
		return
	}

	agentSession, err := h.agent.CreateSession(r.Context(), systemPrompt, session.ToolDefinitions())
	if err != nil {
		h.logger.Error("Failed to create agent session", logger.Error(err))
		h.registry.End(req.CallID, "setup_failed")
		h.respondError(w, http.StatusBadGateway, "failed to create agent session")
		return
	}

	conn, err := h.agent.Connect(r.Context(), agentSession, sess)
	if err != nil {
		h.logger.Error("Failed to connect agent session", logger.Error(err))
		h.registry.End(req.CallID, "setup_failed")
		h.respondError(w, http.StatusBadGateway, "failed to connect agent session")
		return
	}
	sess.Bind(conn)

	h.logger.Info("Call answered",
		logger.String("call_id", req.CallID),
		logger.String("caller_phone", req.CallerPhone),
		logger.String("agent_session", agentSession.OpenAISessionID))

	h.respondJSON(w, http.StatusCreated, map[string]any{
		"call":          sess.Info(),
		"agent_session": agentSession.OpenAISessionID,
	})
}

// GetActiveCalls returns all calls currently in progress
func (h *Handler) GetActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := h.registry.ActiveSessions()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

// GetCallByID returns one in-progress call
func (h *Handler) GetCallByID(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")

	sess, ok := h.registry.Get(callID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "call not found")
		return
	}

	h.respondJSON(w, http.StatusOK, sess.Info())
}

// EndCall force-ends an in-progress call from the operator console
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")

	if _, ok := h.registry.Get(callID); !ok {
		h.respondError(w, http.StatusNotFound, "call not found")
		return
	}

	h.registry.End(callID, "operator")
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// GetRecentBookings returns the most recent dispatched bookings
func (h *Handler) GetRecentBookings(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)

	bookings, err := h.history.GetRecentBookings(limit)
	if err != nil {
		h.logger.Error("Failed to get recent bookings", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to get bookings")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(bookings),
		"bookings": bookings,
	})
}

// GetBookingsByPhone returns a caller's booking history
func (h *Handler) GetBookingsByPhone(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	limit := queryLimit(r, 20)

	bookings, err := h.history.GetBookingsByPhone(phone, limit)
	if err != nil {
		h.logger.Error("Failed to get bookings by phone",
			logger.String("phone", phone),
			logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to get bookings")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(bookings),
		"bookings": bookings,
	})
}

// GetCallerProfile returns the aggregated profile for a phone number
func (h *Handler) GetCallerProfile(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")

	profile, err := h.history.GetCallerProfile(phone)
	if err != nil {
		h.logger.Error("Failed to get caller profile",
			logger.String("phone", phone),
			logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to get caller profile")
		return
	}
	if profile.BookingCount == 0 {
		h.respondError(w, http.StatusNotFound, "unknown caller")
		return
	}

	h.respondJSON(w, http.StatusOK, profile)
}

// reviewedCall pairs a finished call with its review annotation, if any
type reviewedCall struct {
	Call       *sqlite.CallRecord       `json:"call"`
	Annotation *sqlite.ReviewAnnotation `json:"annotation,omitempty"`
}

// GetRecentCallRecords returns finished calls with their review
// annotations, newest first
func (h *Handler) GetRecentCallRecords(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)

	records, err := h.reviews.GetRecentCallRecords(limit)
	if err != nil {
		h.logger.Error("Failed to get call records", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to get call records")
		return
	}

	reviewed := make([]reviewedCall, 0, len(records))
	for _, record := range records {
		annotation, err := h.reviews.GetAnnotationForCall(record.ID)
		if err != nil {
			h.logger.Error("Failed to get review annotation",
				logger.Int64("call_record_id", record.ID),
				logger.Error(err))
		}
		reviewed = append(reviewed, reviewedCall{Call: record, Annotation: annotation})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"count": len(reviewed),
		"calls": reviewed,
	})
}

// GetConfig returns the non-secret parts of the configuration
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"company_name":        h.config.Telephony.CompanyName,
		"line_name":           h.config.Telephony.LineName,
		"agent_model":         h.config.Agent.Model,
		"agent_voice":         h.config.Agent.Voice,
		"fare_sanity_ceiling": h.config.Fares.SanityCeiling,
		"review_enabled":      h.config.Review.Enabled,
	})
}

// HandleWebSocket upgrades the connection to the operator event feed
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleWebSocket(w, r)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}
