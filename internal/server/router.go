package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/session"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingUserService    = errors.New("user service dependency required")
	errMissingCatalogService = errors.New("catalog service dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingSessions       = errors.New("session manager dependency required")
)

// TokenManager issues and verifies bearer tokens.
type TokenManager interface {
	Issue(subjectID string, role auth.Role) (auth.IssuedToken, error)
	Verify(token string) (auth.Claims, error)
}

// OAuthProvider drives a third-party authorization code flow.
type OAuthProvider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (auth.OAuthProfile, error)
}

// RateLimitConfig bounds requests per client address. Requests <= 0 disables limiting.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type Dependencies struct {
	Users           *users.Service
	Catalog         *catalog.Service
	TokenManager    TokenManager
	Sessions        *session.Manager
	OAuthProviders  []OAuthProvider
	OAuthSuccessURL string
	Realtime        *RealtimeDispatcher
	RateLimit       RateLimitConfig
	AllowedOrigins  []string
	Heartbeat       time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalogService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	providers := make(map[string]OAuthProvider, len(deps.OAuthProviders))
	for _, provider := range deps.OAuthProviders {
		if provider != nil {
			providers[provider.Name()] = provider
		}
	}

	handler := &httpHandler{
		users:      deps.Users,
		catalog:    deps.Catalog,
		tokens:     deps.TokenManager,
		sessions:   deps.Sessions,
		providers:  providers,
		successURL: deps.OAuthSuccessURL,
		realtime:   realtime,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(securityHeaders())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	if limiter := newClientRateLimiter(deps.RateLimit.Requests, deps.RateLimit.Window); limiter != nil {
		router.Use(limiter.middleware())
	}
	router.Use(handler.loadSession)

	router.GET("/healthz", handler.handleHealth)

	router.POST("/users/register", handler.handleRegister)
	router.POST("/register", handler.handleRegister)
	router.POST("/users/login", handler.handleLogin)
	router.POST("/login", handler.handleLogin)
	router.POST("/logout", handler.handleLogout)
	router.GET("/auth/:provider", handler.handleOAuthStart)
	router.GET("/auth/:provider/callback", handler.handleOAuthCallback)

	router.GET("/books", handler.handleListBooks)
	router.GET("/books/:id", handler.handleGetBook)
	router.GET("/authors", handler.handleListAuthors)
	router.GET("/authors/:id", handler.handleGetAuthor)
	router.GET("/reviews", handler.handleListReviews)
	router.GET("/reviews/:id", handler.handleGetReview)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users", handler.handleListUsers)
	protected.GET("/users/me", handler.handleCurrentUser)
	protected.GET("/users/:id", handler.handleGetUser)
	protected.PUT("/users/:id", handler.handleUpdateUser)
	protected.DELETE("/users/:id", handler.handleDeleteUser)

	protected.POST("/books", handler.handleCreateBook)
	protected.PUT("/books/:id", handler.handleUpdateBook)
	protected.DELETE("/books/:id", handler.handleDeleteBook)
	protected.POST("/authors", handler.handleCreateAuthor)
	protected.PUT("/authors/:id", handler.handleUpdateAuthor)
	protected.DELETE("/authors/:id", handler.handleDeleteAuthor)
	protected.POST("/reviews", handler.handleCreateReview)
	protected.PUT("/reviews/:id", handler.handleUpdateReview)
	protected.DELETE("/reviews/:id", handler.handleDeleteReview)

	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	users      *users.Service
	catalog    *catalog.Service
	tokens     TokenManager
	sessions   *session.Manager
	providers  map[string]OAuthProvider
	successURL string
	realtime   *RealtimeDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
