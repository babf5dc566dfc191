package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/sqlbot/internal/auth"
	"github.com/wolfeidau/sqlbot/internal/logger"
	"github.com/wolfeidau/sqlbot/internal/models"
	"github.com/wolfeidau/sqlbot/internal/query"
	"github.com/wolfeidau/sqlbot/internal/schema"
	"github.com/wolfeidau/sqlbot/internal/server"
	"github.com/wolfeidau/sqlbot/internal/session"
	"github.com/wolfeidau/sqlbot/internal/sqlgen"
	"github.com/wolfeidau/sqlbot/internal/store"
	memorystore "github.com/wolfeidau/sqlbot/internal/store/memory"
	redisstore "github.com/wolfeidau/sqlbot/internal/store/redis"
)

type ServeCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8000" env:"SQLBOT_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"SQLBOT_CORS_ORIGINS"`

	// Session configuration
	RedisAddr      string        `help:"redis address for the session cache" default:"localhost:6379" env:"SQLBOT_REDIS_ADDR"`
	SessionSecret  string        `help:"secret key for HMAC signing of session identifiers" env:"SQLBOT_SESSION_SECRET"`
	SessionTimeout time.Duration `help:"sliding session expiry" default:"8h" env:"SQLBOT_SESSION_TIMEOUT"`

	// Identity provider configuration
	IDPIssuer   string `help:"expected token issuer" env:"SQLBOT_IDP_ISSUER"`
	IDPAudience string `help:"expected token audience" env:"SQLBOT_IDP_AUDIENCE"`
	JWKSURL     string `help:"identity provider JWKS endpoint" env:"SQLBOT_JWKS_URL"`

	// SQL generation configuration
	GenerationEndpoint string `help:"chat-completions endpoint for SQL generation" env:"SQLBOT_GENERATION_ENDPOINT"`
	GenerationAPIKey   string `help:"API key for the generation endpoint" env:"SQLBOT_GENERATION_API_KEY"`
	GenerationModel    string `help:"model name for SQL generation" default:"gpt-4o-mini" env:"SQLBOT_GENERATION_MODEL"`

	// Schema retrieval configuration
	RetrievalEndpoint string `help:"vector index endpoint for schema retrieval" env:"SQLBOT_RETRIEVAL_ENDPOINT"`

	// Database configuration
	DatabaseDSN string `help:"connection string for the query database" env:"SQLBOT_DATABASE_DSN"`

	// Development and operational modes
	NoAuth bool `help:"disable authentication for API endpoints (development only)" default:"false" env:"SQLBOT_NO_AUTH"`
}

func (c *ServeCmd) Validate() error {
	if len(c.SessionSecret) < 32 {
		return errors.New("session secret must be at least 32 bytes (256 bits) for HMAC-SHA256")
	}
	if !c.NoAuth && (c.IDPIssuer == "" || c.IDPAudience == "" || c.JWKSURL == "") {
		return errors.New("identity provider issuer, audience and JWKS URL are required unless --no-auth is set")
	}
	return nil
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	st := c.selectStore(ctx, log)
	defer st.Close()

	issuer, err := session.NewIssuer([]byte(c.SessionSecret), c.SessionTimeout)
	if err != nil {
		return fmt.Errorf("failed to create session issuer: %w", err)
	}

	sessions := session.NewManager(st, issuer, c.SessionTimeout)

	// The memory backend never expires entries on its own, so reclaim them
	// periodically. Redis handles TTLs natively.
	if st.Name() == "memory" {
		go runCleanup(ctx, sessions)
	}

	authMiddleware := c.authMiddleware(log)

	runner, err := query.Open(c.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open query database: %w", err)
	}
	defer runner.Close()

	srv := server.New(
		sessions,
		schema.NewRetriever(c.RetrievalEndpoint, nil),
		sqlgen.NewGenerator(c.GenerationEndpoint, c.GenerationAPIKey, c.GenerationModel, nil),
		runner,
		authMiddleware,
		c.CORSOrigins,
	)

	httpServer := configureHTTPServer(c.Listen, srv.Routes())

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("auth", !c.NoAuth).Str("backend", st.Name()).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// selectStore probes redis once at startup and commits to it for the life of
// the process, falling back to the in-memory store when the probe fails.
func (c *ServeCmd) selectStore(ctx context.Context, log zerolog.Logger) store.SessionStore {
	client := goredis.NewClient(&goredis.Options{
		Addr:         c.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", c.RedisAddr).Msg("Redis unavailable, using in-memory session store")
		_ = client.Close()
		return memorystore.New()
	}

	return redisstore.New(client)
}

func (c *ServeCmd) authMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	if c.NoAuth {
		log.Warn().Msg("Authentication is disabled (--no-auth). This should only be used in development!")
		return auth.StaticIdentityMiddleware(&auth.Identity{
			Subject: "dev-user",
			Profile: models.UserData{Name: "Dev User", Email: "dev@localhost", Role: "Admin"},
		})
	}
	return auth.NewVerifier(c.IDPIssuer, c.IDPAudience, c.JWKSURL, nil).Middleware()
}

func runCleanup(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.CleanupExpired(ctx)
		}
	}
}
