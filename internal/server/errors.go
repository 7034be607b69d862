package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	errorCodeInternal       = "internal_error"
	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeForbidden      = "forbidden"
	errorCodeRateLimited    = "rate_limited"
)

type fieldViolation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// respondError writes the classified error. Internal causes are logged and never serialized.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)
	if kind == apperrors.KindInternal {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", apperrors.CodeOf(err)),
			zap.Error(err),
		)
		c.AbortWithStatusJSON(status, gin.H{"error": errorCodeInternal})
		return
	}
	body := gin.H{"error": apperrors.CodeOf(err)}
	if violations := describeViolations(err); len(violations) > 0 {
		body["details"] = violations
	}
	c.AbortWithStatusJSON(status, body)
}

// respondBindingError reports a request body that failed to decode or validate.
func respondBindingError(c *gin.Context, err error) {
	body := gin.H{"error": errorCodeInvalidRequest}
	if violations := describeViolations(err); len(violations) > 0 {
		body["details"] = violations
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}

func describeViolations(err error) []fieldViolation {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	violations := make([]fieldViolation, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		violations = append(violations, fieldViolation{
			Field: lowerFirst(fieldError.Field()),
			Rule:  fieldError.Tag(),
		})
	}
	return violations
}

func lowerFirst(value string) string {
	if value == "" {
		return value
	}
	return strings.ToLower(value[:1]) + value[1:]
}
