package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/session"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/users"
	"github.com/alexedwards/scs/v2/memstore"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "server-test-signing-secret-0123456789"

type testEnvironment struct {
	handler  http.Handler
	db       *gorm.DB
	users    *users.Service
	catalog  *catalog.Service
	tokens   *auth.TokenIssuer
	realtime *RealtimeDispatcher
}

func newTestEnvironment(t *testing.T, configure ...func(*Dependencies)) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append([]any{&users.User{}}, catalog.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	hasher, err := auth.NewPasswordHasher(auth.PasswordHasherConfig{Cost: 4})
	if err != nil {
		t.Fatalf("failed to build hasher: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Hasher:     hasher,
		IDProvider: ids.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build catalog service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "bookshelf-test",
		Audience:      "bookshelf-clients",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	sessions, err := session.NewManager(session.Config{CookieName: "test_session", Store: memstore.New()})
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	deps := Dependencies{
		Users:        userService,
		Catalog:      catalogService,
		TokenManager: tokens,
		Sessions:     sessions,
		Realtime:     realtime,
		Heartbeat:    time.Hour,
		Logger:       zap.NewNop(),
	}
	for _, apply := range configure {
		apply(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testEnvironment{
		handler:  handler,
		db:       db,
		users:    userService,
		catalog:  catalogService,
		tokens:   tokens,
		realtime: realtime,
	}
}

type requestOption func(*http.Request)

func withBearer(token string) requestOption {
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func withCookies(cookies []*http.Cookie) requestOption {
	return func(request *http.Request) {
		for _, cookie := range cookies {
			request.AddCookie(cookie)
		}
	}
}

func (env *testEnvironment) do(t *testing.T, method, path string, body any, options ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, option := range options {
		option(request)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

// register creates an account over HTTP and returns the token payload and session cookies.
func (env *testEnvironment) register(t *testing.T, username, email string) (tokenResponsePayload, []*http.Cookie) {
	t.Helper()
	recorder := env.do(t, http.MethodPost, "/users/register", map[string]string{
		"username": username,
		"email":    email,
		"password": "secret123",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register %s failed: %d %s", username, recorder.Code, recorder.Body.String())
	}
	return decodeToken(t, recorder), recorder.Result().Cookies()
}

func (env *testEnvironment) userCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := env.db.Model(&users.User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func decodeToken(t *testing.T, recorder *httptest.ResponseRecorder) tokenResponsePayload {
	t.Helper()
	var payload tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode token response %q: %v", recorder.Body.String(), err)
	}
	if payload.Token == "" || payload.TokenType != tokenTypeBearer || payload.ExpiresIn <= 0 {
		t.Fatalf("unexpected token payload %+v", payload)
	}
	return payload
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error response %q: %v", recorder.Body.String(), err)
	}
	return payload.Error
}

type fakeOAuthProvider struct {
	profile auth.OAuthProfile
	err     error
}

func (fakeOAuthProvider) Name() string {
	return auth.ProviderGitHub
}

func (fakeOAuthProvider) AuthCodeURL(state string) string {
	return "https://github.test/login/oauth/authorize?state=" + state
}

func (p fakeOAuthProvider) Exchange(_ context.Context, code string) (auth.OAuthProfile, error) {
	if p.err != nil {
		return auth.OAuthProfile{}, p.err
	}
	if code != "good-code" {
		return auth.OAuthProfile{}, fmt.Errorf("bad code %q", code)
	}
	return p.profile, nil
}
