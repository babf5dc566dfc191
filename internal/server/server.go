package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sqlbot/internal/auth"
	"github.com/wolfeidau/sqlbot/internal/logger"
	"github.com/wolfeidau/sqlbot/internal/query"
	"github.com/wolfeidau/sqlbot/internal/session"
)

// SchemaRetriever returns schema descriptions relevant to a question.
type SchemaRetriever interface {
	TopMatches(ctx context.Context, question string) (string, error)
}

// SQLGenerator turns a question plus schema text into free text expected to
// contain one fenced SQL block.
type SQLGenerator interface {
	Generate(ctx context.Context, question, schemaInfo string) (string, error)
}

// QueryRunner executes SQL and returns a tabular result.
type QueryRunner interface {
	Run(ctx context.Context, sqlText string) (*query.Table, error)
}

// Server wires the session manager and the chat pipeline behind the REST
// surface. All collaborators are injected; the server owns none of them.
type Server struct {
	sessions  *session.Manager
	retriever SchemaRetriever
	generator SQLGenerator
	runner    QueryRunner

	authMiddleware func(http.Handler) http.Handler
	corsOrigins    []string
}

// New creates a server.
func New(
	sessions *session.Manager,
	retriever SchemaRetriever,
	generator SQLGenerator,
	runner QueryRunner,
	authMiddleware func(http.Handler) http.Handler,
	corsOrigins []string,
) *Server {
	return &Server{
		sessions:       sessions,
		retriever:      retriever,
		generator:      generator,
		runner:         runner,
		authMiddleware: authMiddleware,
		corsOrigins:    corsOrigins,
	}
}

// Routes builds the router. Health and the root banner are public;
// everything under /api besides health requires a validated bearer token
// and runs behind the session-establishment middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(logger.RequestID())
	r.Use(logger.AccessLog())

	r.Get("/", s.handleRoot)
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.establishSession)

		r.Get("/api/user", s.handleUser)
		r.Get("/api/session", s.handleSession)
		r.Delete("/api/session", s.handleSessionDelete)
		r.Post("/api/chat", s.handleChat)
	})

	return r
}

// establishSession makes sure an authenticated caller has a live cached
// session before the handler runs: none exists ⇒ create one from the token
// claims; one exists with its access token at or near expiry ⇒ refresh the
// cached token in place. Session storage failures degrade to serving the
// request without a cache entry rather than rejecting it.
func (s *Server) establishSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.IdentityFromContext(r.Context())
		if identity == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		sess, err := s.sessions.GetSession(ctx, identity.Subject)
		switch {
		case err != nil:
			if _, err := s.sessions.CreateSession(ctx, identity.Subject, identity.Profile, identity.AccessToken, identity.ExpiresAt); err != nil {
				log.Warn().Err(err).Str("user_id", identity.Subject).Msg("Failed to establish session")
			}
		case s.sessions.IsTokenExpired(sess):
			token := identity.AccessToken
			expiresAt := identity.ExpiresAt
			if !s.sessions.UpdateSession(ctx, identity.Subject, session.Update{
				AccessToken: &token,
				ExpiresAt:   &expiresAt,
			}) {
				log.Warn().Str("user_id", identity.Subject).Msg("Failed to refresh cached access token")
			}
		}

		next.ServeHTTP(w, r)
	})
}
