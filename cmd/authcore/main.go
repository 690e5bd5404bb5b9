package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore/authcore/internal/app"
	"github.com/authcore/authcore/internal/auth"
	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/observability"
	"github.com/authcore/authcore/internal/platform/cache"
	"github.com/authcore/authcore/internal/platform/db"
	"github.com/authcore/authcore/internal/rbac"
	"github.com/authcore/authcore/internal/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := db.Bootstrap(ctx, dbpool); err != nil {
		logger.Error("bootstrap schema", slog.Any("error", err))
		os.Exit(1)
	}
	if err := db.Seed(ctx, dbpool); err != nil {
		logger.Error("seed data", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The limiter fails open without redis; everything else works.
		logger.Warn("redis unavailable, login limiter disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	rbacRepo := rbac.NewRepository(dbpool)
	rbacService := rbac.NewService(rbacRepo, logger)
	rbacHandler := rbac.NewHandler(logger, rbacService)
	rbacMiddleware := rbac.Middleware{Logger: logger}

	identityRepo := identity.NewRepository(dbpool)
	identityService := identity.NewService(identityRepo, rbacService, cfg.ResetTokenTTL, cfg.BcryptCost, logger)
	identityHandler := identity.NewHandler(logger, identityService)

	accessTokens := token.NewAccessTokens(cfg.AccessTokenSecret, "authcore", cfg.AccessTokenTTL)
	tokenRepo := token.NewRepository(dbpool)
	tokenManager := token.NewManager(tokenRepo, accessTokens, cfg.RefreshTokenTTL, logger)

	limiter := auth.NewLoginLimiter(redisClient, cfg.LoginMaxAttempts, cfg.LoginWindow, logger)
	authService := auth.NewService(identityService, rbacService, tokenManager, limiter, logger)
	authHandler := auth.NewHandler(logger, authService, cfg.RefreshCookieName, cfg.IsProduction())
	authenticator := auth.NewAuthenticator(identityService, rbacService, tokenManager, cfg.RefreshCookieName, logger)

	if cfg.BootstrapAdminEmail != "" {
		if err := bootstrapAdmin(ctx, logger, dbpool, identityService, cfg.BootstrapAdminEmail); err != nil {
			logger.Error("bootstrap admin", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            dbpool,
		AuthHandler:     authHandler,
		IdentityHandler: identityHandler,
		RBACHandler:     rbacHandler,
		Authenticator:   authenticator,
		RBACMiddleware:  rbacMiddleware,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// bootstrapAdmin provisions the first administrator and logs a one-time
// password-set token so the deployment can be claimed.
func bootstrapAdmin(ctx context.Context, logger *slog.Logger, pool *pgxpool.Pool, identities *identity.Service, email string) error {
	if err := db.SeedAdmin(ctx, pool, email); err != nil {
		return err
	}
	admin, err := identities.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if admin.HasPassword() {
		return nil
	}
	setToken, err := identities.ResendPasswordSetToken(ctx, admin.ID)
	if err != nil {
		return err
	}
	logger.Info("bootstrap administrator provisioned, set the password with this one-time token",
		slog.String("email", admin.Email),
		slog.String("password_set_token", setToken))
	return nil
}
