package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jinjjij/Capstone-Qbank/internal/config"
	"github.com/jinjjij/Capstone-Qbank/internal/generate"
	"github.com/jinjjij/Capstone-Qbank/internal/metrics"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

// Pinger checks that the language model endpoint answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	gen      *generate.Pipeline
	ai       Pinger
	cfg      config.Config
	metrics  *metrics.Metrics
	limiter  *limiter
	validate *validator.Validate
}

// New creates a new Handler. gen and ai are nil when no model is
// configured; the AI endpoints then answer AI_UNAVAILABLE.
func New(s *store.Store, gen *generate.Pipeline, ai Pinger, cfg config.Config, m *metrics.Metrics) *Handler {
	return &Handler{
		store:    s,
		gen:      gen,
		ai:       ai,
		cfg:      cfg,
		metrics:  m,
		limiter:  newLimiter(cfg.AIRate, cfg.AIBurst, 10*time.Minute),
		validate: newValidator(),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.loadUser)

		r.Get("/health", h.handleHealth)
		r.Get("/ai/health", h.handleAIHealth)
		r.With(h.requireUser, h.rateLimitAI).Post("/ai/query", h.handleAIQuery)

		r.Post("/session", h.handleLogin)
		r.Delete("/session", h.handleLogout)
		r.With(h.requireUser).Delete("/session/all", h.handleLogoutAll)

		r.Post("/users", h.handleSignup)
		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)
			r.Get("/users/me", h.handleMe)
			r.Delete("/users/me", h.handleDeleteMe)
			r.Patch("/users/me/password", h.handleChangePassword)

			r.Get("/user/me/library", h.handleLibrary)
			r.Post("/user/me/library/{bookID}", h.handleAddToLibrary)
			r.Delete("/user/me/library/{bookID}", h.handleRemoveFromLibrary)
			r.Post("/user/me/activity/{bookID}", h.handleTouchBook)
			r.Get("/user/me/recent-books", h.handleRecentBooks)
		})

		r.Get("/books", h.handleSearchBooks)
		r.With(h.requireUser).Post("/books", h.handleCreateBook)
		r.With(h.requireUser, h.rateLimitAI).Post("/books/ai", h.handleCreateBookAI)
		r.Get("/books/{bookID}", h.handleGetBook)
		r.With(h.requireUser).Patch("/books/{bookID}", h.handleUpdateBook)
		r.With(h.requireUser).Delete("/books/{bookID}", h.handleDeleteBook)
		r.Get("/books/{bookID}/questions", h.handleListQuestions)
		r.With(h.requireUser).Post("/books/{bookID}/questions", h.handleInsertQuestions)
		r.Get("/books/{bookID}/reviews", h.handleListReviews)
		r.With(h.requireUser).Put("/books/{bookID}/review", h.handleUpsertReview)
		r.Post("/books/{bookID}/attempts", h.handleAttempt)
		r.With(h.requireUser, h.rateLimitAI).Post("/books/{bookID}/wrong-note", h.handleWrongNote)

		r.Get("/questions/{questionID}", h.handleGetQuestion)
		r.With(h.requireUser).Patch("/questions/{questionID}", h.handleUpdateQuestion)
		r.With(h.requireUser).Delete("/questions/{questionID}", h.handleDeleteQuestion)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireUser, requireAdmin)
			r.Get("/users", h.handleAdminUsers)
			r.Patch("/users/{userID}", h.handleAdminSetAdmin)
			r.Post("/sessions/cleanup", h.handleAdminCleanupSessions)
			r.Get("/books/{bookID}/export", h.handleExportBook)
			r.Post("/books/import", h.handleImportBook)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	version, err := h.store.SchemaVersion(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"schemaVersion": version})
}
