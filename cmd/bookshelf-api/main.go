package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/config"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/database"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/logging"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/server"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/session"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/users"
	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 10 * time.Minute
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookshelf-api",
		Short: "Bookshelf catalog and account service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPromoteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("session-store", defaults.GetString("session.store"), "Session store (database, redis, memory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "session.store", "session-store")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application holds the components shared by the server and the admin commands.
type application struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	users  *users.Service
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	hasher, err := auth.NewPasswordHasher(auth.PasswordHasherConfig{
		Cost:    appConfig.PasswordCost,
		Workers: appConfig.PasswordWorkers,
	})
	if err != nil {
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:            db,
		Hasher:              hasher,
		IDProvider:          ids.NewUUIDProvider(),
		Clock:               time.Now,
		Logger:              logger,
		DisableEmailLinking: !appConfig.OAuthLinkByEmail,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config: appConfig,
		logger: logger,
		db:     db,
		users:  userService,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()
	appConfig := app.config
	logger := app.logger

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:   app.db,
		IDProvider: ids.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := openSessionStore(signalCtx, app)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := session.NewManager(session.Config{
		CookieName:   appConfig.SessionCookieName,
		Lifetime:     appConfig.SessionLifetime,
		SecureCookie: appConfig.SessionSecureCookie,
		Store:        store,
	})
	if err != nil {
		return err
	}

	var providers []server.OAuthProvider
	if appConfig.GitHubEnabled() {
		github, err := auth.NewGitHubProvider(auth.GitHubProviderConfig{
			ClientID:     appConfig.GitHubClientID,
			ClientSecret: appConfig.GitHubClientSecret,
			CallbackURL:  appConfig.GitHubCallbackURL,
			HTTPClient:   &http.Client{Timeout: 15 * time.Second},
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		providers = append(providers, github)
	} else {
		logger.Info("github oauth disabled")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:           app.users,
		Catalog:         catalogService,
		TokenManager:    tokenManager,
		Sessions:        sessions,
		OAuthProviders:  providers,
		OAuthSuccessURL: appConfig.OAuthSuccessURL,
		RateLimit: server.RateLimitConfig{
			Requests: appConfig.RateLimitRequests,
			Window:   appConfig.RateLimitWindow,
		},
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Heartbeat:      time.Duration(appConfig.EventsHeartbeatSecs) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("session_store", appConfig.SessionStore),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openSessionStore builds the configured session backend and returns a release function.
func openSessionStore(ctx context.Context, app *application) (scs.Store, func(), error) {
	switch app.config.SessionStore {
	case config.SessionStoreRedis:
		client, err := session.DialRedis(ctx, app.config.RedisAddress, app.config.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return session.NewRedisStore(client), func() { _ = client.Close() }, nil
	case config.SessionStoreMemory:
		store := memstore.New()
		return store, store.StopCleanup, nil
	case config.SessionStoreDatabase:
		store := session.NewGormStore(app.db, time.Now, app.logger)
		go store.RunCleanup(ctx, sessionCleanupInterval)
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store %q", app.config.SessionStore)
	}
}
