package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalIDContextKey   = "bookshelf_principal_id"
	principalRoleContextKey = "bookshelf_principal_role"
	bearerPrefix            = "Bearer "
)

var errInvalidAuthorization = errors.New("authorization header missing or invalid")

// authorizeRequest accepts a session principal first, then a bearer token. Anything else aborts with 401.
// Credentials of deleted accounts are rejected, and their session is destroyed.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.sessions != nil {
		if principal, ok := h.sessions.Principal(c.Request.Context()); ok {
			exists, handled := h.accountExists(c, principal.ID)
			if !handled {
				return
			}
			if !exists {
				if err := h.sessions.Destroy(c.Request.Context()); err != nil {
					h.logger.Warn("stale session destroy failed", zap.Error(err))
				} else if !h.saveSession(c) {
					return
				}
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
				return
			}
			role, err := auth.ParseRole(principal.Role)
			if err != nil {
				role = auth.RoleUser
			}
			setPrincipal(c, principal.ID, role)
			c.Next()
			return
		}
	}

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		h.logger.Debug("token validation failed", zap.Error(errInvalidAuthorization))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	exists, handled := h.accountExists(c, claims.SubjectID)
	if !handled {
		return
	}
	if !exists {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	setPrincipal(c, claims.SubjectID, claims.Role)
	c.Next()
}

// accountExists reports whether subjectID still names an account. handled is false when a
// lookup failure has already been written to the response.
func (h *httpHandler) accountExists(c *gin.Context, subjectID string) (exists bool, handled bool) {
	if h.users == nil {
		return true, true
	}
	_, err := h.users.Get(c.Request.Context(), subjectID)
	switch {
	case err == nil:
		return true, true
	case apperrors.KindOf(err) == apperrors.KindNotFound:
		h.logger.Info("credential for deleted account rejected", zap.String("subject_id", subjectID))
		return false, true
	default:
		h.respondError(c, err)
		return false, false
	}
}

func setPrincipal(c *gin.Context, subjectID string, role auth.Role) {
	c.Set(principalIDContextKey, subjectID)
	c.Set(principalRoleContextKey, string(role))
}

func principalID(c *gin.Context) string {
	return c.GetString(principalIDContextKey)
}

func principalIsAdmin(c *gin.Context) bool {
	return c.GetString(principalRoleContextKey) == string(auth.RoleAdmin)
}

// requireSelfOrAdmin aborts with 403 unless the principal owns targetID or is an admin.
func requireSelfOrAdmin(c *gin.Context, targetID string) bool {
	if principalID(c) == targetID || principalIsAdmin(c) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
	return false
}
