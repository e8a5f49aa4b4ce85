package api

import (
	"net/http"

	"github.com/cabwire/cabwire/internal/agent"
	"github.com/cabwire/cabwire/internal/config"
	"github.com/cabwire/cabwire/internal/prompt"
	"github.com/cabwire/cabwire/internal/session"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/internal/ws"
	"github.com/cabwire/cabwire/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(
	registry *session.Registry,
	agentClient *agent.Client,
	renderer *prompt.Renderer,
	history *sqlite.HistoryStorage,
	reviews *sqlite.ReviewStorage,
	wsServer *ws.Server,
	config *config.Config,
	logger *logger.Logger,
) *Router {
	return &Router{
		handler:    NewHandler(registry, agentClient, renderer, history, reviews, wsServer, config, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	// API routes
	router.Route("/api/v1", func(router chi.Router) {
		// Call routes: intake from the telephony bridge plus the
		// operator's view of calls in progress
		router.Post("/calls", r.handler.StartCall)
		router.Get("/calls", r.handler.GetActiveCalls)
		router.Get("/calls/{id}", r.handler.GetCallByID)
		router.Delete("/calls/{id}", r.handler.EndCall)

		// Booking history routes
		router.Get("/bookings/recent", r.handler.GetRecentBookings)
		router.Get("/bookings/phone/{phone}", r.handler.GetBookingsByPhone)

		// Caller profile route
		router.Get("/callers/{phone}", r.handler.GetCallerProfile)

		// Finished calls with review annotations
		router.Get("/reviews/recent", r.handler.GetRecentCallRecords)

		// Operator event feed
		router.Get("/ws", r.handler.HandleWebSocket)

		// Health check
		router.Get("/health", r.handler.GetHealth)

		// Configuration
		router.Get("/config", r.handler.GetConfig)
	})

	return router
}
