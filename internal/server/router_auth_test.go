package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/users/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{
			verifyErr: fmt.Errorf("%w: %w", auth.ErrInvalidToken, auth.ErrTokenExpired),
		},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if !ctx.IsAborted() {
		t.Fatalf("expected request to be aborted")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/users/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{
			verifyErr: fmt.Errorf("%w: %w", auth.ErrInvalidToken, auth.ErrTokenSignature),
		},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
}

func TestAuthorizeRequestPopulatesPrincipalFromToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/users/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer good-token")
	ctx.Request = request

	handler := &httpHandler{
		tokens: stubTokenManager{claims: auth.Claims{SubjectID: "user-7", Role: auth.RoleAdmin}},
		logger: zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("valid token must not abort")
	}
	if principalID(ctx) != "user-7" || !principalIsAdmin(ctx) {
		t.Fatalf("expected admin principal user-7, got %q", principalID(ctx))
	}
}

func TestProtectedRoutesRejectMissingCredentials(t *testing.T) {
	env := newTestEnvironment(t)

	testCases := []struct {
		name    string
		options []requestOption
	}{
		{name: "no header"},
		{name: "wrong scheme", options: []requestOption{func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }}},
		{name: "empty bearer", options: []requestOption{func(r *http.Request) { r.Header.Set("Authorization", "Bearer  ") }}},
		{name: "garbage token", options: []requestOption{withBearer("not-a-jwt")}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := env.do(t, http.MethodGet, "/users", nil, testCase.options...)
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
			if decodeError(t, recorder) != errorCodeUnauthorized {
				t.Fatalf("unexpected error body %s", recorder.Body.String())
			}
		})
	}
}

func TestSessionPrincipalTakesPrecedenceOverBearer(t *testing.T) {
	env := newTestEnvironment(t)
	_, cookies := env.register(t, "reader", "reader@example.com")

	recorder := env.do(t, http.MethodGet, "/users/me", nil, withCookies(cookies), withBearer("not-a-jwt"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected session to authenticate, got %d %s", recorder.Code, recorder.Body.String())
	}
}

type stubTokenManager struct {
	claims    auth.Claims
	verifyErr error
}

func (s stubTokenManager) Issue(string, auth.Role) (auth.IssuedToken, error) {
	return auth.IssuedToken{}, errors.New("not implemented")
}

func (s stubTokenManager) Verify(string) (auth.Claims, error) {
	if s.verifyErr != nil {
		return auth.Claims{}, s.verifyErr
	}
	return s.claims, nil
}
