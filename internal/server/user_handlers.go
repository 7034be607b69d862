package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type userResponsePayload struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	Role        string    `json:"role"`
	OAuthLinked bool      `json:"oauthLinked"`
	HasPassword bool      `json:"hasPassword"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type updateUserPayload struct {
	Username *string `json:"username" binding:"omitempty,min=3,max=190"`
	Email    *string `json:"email" binding:"omitempty,email,max=320"`
}

func newUserResponse(user users.User) userResponsePayload {
	return userResponsePayload{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.EmailAddress(),
		Role:        string(user.RoleClaim()),
		OAuthLinked: user.OAuthLinked(),
		HasPassword: user.HasPassword(),
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	records, err := h.users.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]userResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, newUserResponse(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), principalID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserResponse(user))
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserResponse(user))
}

func (h *httpHandler) handleUpdateUser(c *gin.Context) {
	targetID := c.Param("id")
	if !requireSelfOrAdmin(c, targetID) {
		return
	}
	var request updateUserPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	user, err := h.users.Update(c.Request.Context(), targetID, users.UpdateRequest{
		Username: request.Username,
		Email:    request.Email,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    user.ID,
		EventType: RealtimeEventAccountUpdated,
		Payload:   map[string]any{"updatedBy": principalID(c)},
	})
	c.JSON(http.StatusOK, newUserResponse(user))
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	targetID := c.Param("id")
	if !requireSelfOrAdmin(c, targetID) {
		return
	}
	if err := h.users.Delete(c.Request.Context(), targetID); err != nil {
		h.respondError(c, err)
		return
	}
	if targetID == principalID(c) {
		if err := h.sessions.Destroy(c.Request.Context()); err != nil {
			h.logger.Warn("session destroy after account deletion failed", zap.Error(err))
		} else if !h.saveSession(c) {
			return
		}
	}
	c.Status(http.StatusNoContent)
}
