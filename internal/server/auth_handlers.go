package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/session"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	tokenTypeBearer = "Bearer"
	oauthStateBytes = 32

	errorCodeOAuthUnknownProvider = "oauth.unknown_provider"
	errorCodeOAuthInvalidState    = "oauth.invalid_state"
	errorCodeOAuthDenied          = "oauth.access_denied"
	errorCodeOAuthExchangeFailed  = "oauth.exchange_failed"
)

type registerPayload struct {
	Username string `json:"username" binding:"required,min=3,max=190"`
	Email    string `json:"email" binding:"required,email,max=320"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

type loginPayload struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponsePayload struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	user, err := h.users.Register(c.Request.Context(), users.RegisterRequest{
		Username: request.Username,
		Email:    request.Email,
		Password: request.Password,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	response, ok := h.establishPrincipal(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuthentication {
			h.logger.Info("login rejected", zap.String("client_ip", c.ClientIP()))
		}
		h.respondError(c, err)
		return
	}

	response, ok := h.establishPrincipal(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if err := h.sessions.Destroy(c.Request.Context()); err != nil {
		h.respondError(c, apperrors.New(apperrors.KindInternal, "session.logout", "destroy_failed", err))
		return
	}
	if !h.saveSession(c) {
		return
	}
	c.Status(http.StatusNoContent)
}

// establishPrincipal issues a bearer token and binds the account to the session.
func (h *httpHandler) establishPrincipal(c *gin.Context, user users.User) (tokenResponsePayload, bool) {
	issued, err := h.tokens.Issue(user.ID, user.RoleClaim())
	if err != nil {
		h.respondError(c, apperrors.New(apperrors.KindInternal, "auth.issue_token", "sign_failed", err))
		return tokenResponsePayload{}, false
	}
	ctx := c.Request.Context()
	if err := h.sessions.Establish(ctx, session.Principal{ID: user.ID, Role: string(user.RoleClaim())}); err != nil {
		h.respondError(c, apperrors.New(apperrors.KindInternal, "session.establish", "renew_failed", err))
		return tokenResponsePayload{}, false
	}
	if !h.saveSession(c) {
		return tokenResponsePayload{}, false
	}
	return tokenResponsePayload{
		Token:     issued.Value,
		TokenType: tokenTypeBearer,
		ExpiresIn: issued.ExpiresIn,
	}, true
}

func (h *httpHandler) handleOAuthStart(c *gin.Context) {
	provider, ok := h.providers[c.Param("provider")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorCodeOAuthUnknownProvider})
		return
	}
	state, err := newOAuthState()
	if err != nil {
		h.respondError(c, apperrors.New(apperrors.KindInternal, "oauth.start", "state_failed", err))
		return
	}
	h.sessions.PutOAuthState(c.Request.Context(), state)
	if !h.saveSession(c) {
		return
	}
	c.Redirect(http.StatusFound, provider.AuthCodeURL(state))
}

// handleOAuthCallback completes the handshake. Every failure yields 401 and leaves no principal behind.
func (h *httpHandler) handleOAuthCallback(c *gin.Context) {
	provider, ok := h.providers[c.Param("provider")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorCodeOAuthUnknownProvider})
		return
	}
	ctx := c.Request.Context()

	expected := h.sessions.TakeOAuthState(ctx)
	received := c.Query("state")
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
		h.logger.Warn("oauth state mismatch", zap.String("provider", provider.Name()))
		h.rejectOAuth(c, errorCodeOAuthInvalidState)
		return
	}
	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("oauth authorization denied", zap.String("provider", provider.Name()), zap.String("reason", providerError))
		h.rejectOAuth(c, errorCodeOAuthDenied)
		return
	}

	profile, err := provider.Exchange(ctx, c.Query("code"))
	if err != nil {
		h.logger.Warn("oauth exchange failed", zap.String("provider", provider.Name()), zap.Error(err))
		h.rejectOAuth(c, errorCodeOAuthExchangeFailed)
		return
	}

	resolution, err := h.users.ResolveOAuthIdentity(ctx, provider.Name(), profile)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInternal {
			h.respondError(c, err)
			return
		}
		h.logger.Warn("oauth identity rejected", zap.String("provider", provider.Name()), zap.String("code", apperrors.CodeOf(err)))
		h.rejectOAuth(c, apperrors.CodeOf(err))
		return
	}
	if resolution.Outcome == users.ResolutionLinked {
		h.realtime.Publish(RealtimeMessage{
			UserID:    resolution.User.ID,
			EventType: RealtimeEventAccountLinked,
			Payload:   map[string]any{"provider": provider.Name()},
		})
	}

	response, ok := h.establishPrincipal(c, resolution.User)
	if !ok {
		return
	}
	if h.successURL == "" {
		c.JSON(http.StatusOK, response)
		return
	}
	c.Redirect(http.StatusFound, successRedirect(h.successURL, response))
}

// rejectOAuth persists the consumed state and aborts with 401.
func (h *httpHandler) rejectOAuth(c *gin.Context, code string) {
	if !h.saveSession(c) {
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
}

// successRedirect appends the token fields to base as a URL fragment.
func successRedirect(base string, response tokenResponsePayload) string {
	fragment := url.Values{}
	fragment.Set("access_token", response.Token)
	fragment.Set("token_type", response.TokenType)
	fragment.Set("expires_in", strconv.FormatInt(response.ExpiresIn, 10))
	if index := strings.IndexByte(base, '#'); index >= 0 {
		base = base[:index]
	}
	return base + "#" + fragment.Encode()
}

func newOAuthState() (string, error) {
	buffer := make([]byte, oauthStateBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
