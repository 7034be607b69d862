package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
)

func TestRegisterIssuesTokenForNewAccount(t *testing.T) {
	env := newTestEnvironment(t)

	token, cookies := env.register(t, "reader", "Reader@Example.com")

	claims, err := env.tokens.Verify(token.Token)
	if err != nil {
		t.Fatalf("issued token must verify: %v", err)
	}
	if claims.Role != auth.RoleUser {
		t.Fatalf("expected user role, got %q", claims.Role)
	}
	stored, err := env.users.Get(context.Background(), claims.SubjectID)
	if err != nil {
		t.Fatalf("token subject must name the new account: %v", err)
	}
	if stored.Username != "reader" || stored.EmailAddress() != "reader@example.com" {
		t.Fatalf("unexpected stored account %+v", stored)
	}
	if len(cookies) == 0 || cookies[0].Name != "test_session" {
		t.Fatalf("expected session cookie, got %+v", cookies)
	}

	aliased := env.do(t, http.MethodPost, "/register", map[string]string{
		"username": "writer",
		"email":    "writer@example.com",
		"password": "secret123",
	})
	if aliased.Code != http.StatusCreated {
		t.Fatalf("expected alias route to register, got %d", aliased.Code)
	}
}

func TestRegisterRejectsDuplicatesWithoutNewRecords(t *testing.T) {
	env := newTestEnvironment(t)
	env.register(t, "reader", "reader@example.com")

	for _, body := range []map[string]string{
		{"username": "reader", "email": "other@example.com", "password": "secret123"},
		{"username": "other", "email": "READER@example.com", "password": "secret123"},
	} {
		recorder := env.do(t, http.MethodPost, "/users/register", body)
		if recorder.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d %s", recorder.Code, recorder.Body.String())
		}
		if decodeError(t, recorder) != "users.register.duplicate_identity" {
			t.Fatalf("unexpected error body %s", recorder.Body.String())
		}
	}
	if env.userCount(t) != 1 {
		t.Fatalf("duplicates must not create records")
	}
}

func TestRegisterValidatesPayload(t *testing.T) {
	env := newTestEnvironment(t)

	recorder := env.do(t, http.MethodPost, "/users/register", map[string]string{
		"username": "ab",
		"email":    "not-an-email",
		"password": "123",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var payload struct {
		Error   string           `json:"error"`
		Details []fieldViolation `json:"details"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Error != errorCodeInvalidRequest {
		t.Fatalf("unexpected error code %q", payload.Error)
	}
	fields := map[string]bool{}
	for _, violation := range payload.Details {
		fields[violation.Field] = true
	}
	for _, field := range []string{"username", "email", "password"} {
		if !fields[field] {
			t.Fatalf("expected violation for %s, got %+v", field, payload.Details)
		}
	}

	malformed := env.do(t, http.MethodPost, "/users/register", "not-an-object")
	if malformed.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", malformed.Code)
	}
	if env.userCount(t) != 0 {
		t.Fatalf("invalid payloads must not create records")
	}
}

func TestLoginSucceedsAndFailsUniformly(t *testing.T) {
	env := newTestEnvironment(t)
	env.register(t, "reader", "reader@example.com")

	recorder := env.do(t, http.MethodPost, "/users/login", map[string]string{"username": "reader", "password": "secret123"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	decodeToken(t, recorder)

	wrongPassword := env.do(t, http.MethodPost, "/login", map[string]string{"username": "reader", "password": "wrong-password"})
	unknownUser := env.do(t, http.MethodPost, "/login", map[string]string{"username": "nobody", "password": "secret123"})
	for _, failed := range []int{wrongPassword.Code, unknownUser.Code} {
		if failed != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", failed)
		}
	}
	if wrongPassword.Body.String() != unknownUser.Body.String() {
		t.Fatalf("login failures must be indistinguishable: %s vs %s", wrongPassword.Body.String(), unknownUser.Body.String())
	}
	if len(wrongPassword.Result().Cookies()) != 0 {
		t.Fatalf("failed login must not establish a session")
	}
	if env.userCount(t) != 1 {
		t.Fatalf("login must not create records")
	}
}

func TestCurrentUserOverBearerAndSession(t *testing.T) {
	env := newTestEnvironment(t)
	token, cookies := env.register(t, "reader", "reader@example.com")

	for name, option := range map[string]requestOption{
		"bearer":  withBearer(token.Token),
		"session": withCookies(cookies),
	} {
		recorder := env.do(t, http.MethodGet, "/users/me", nil, option)
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, recorder.Code)
		}
		var payload userResponsePayload
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s: failed to decode user: %v", name, err)
		}
		if payload.Username != "reader" || !payload.HasPassword || payload.OAuthLinked {
			t.Fatalf("%s: unexpected user payload %+v", name, payload)
		}
		if strings.Contains(recorder.Body.String(), "$2a$") || strings.Contains(recorder.Body.String(), "password_digest") {
			t.Fatalf("%s: digest must never be serialized", name)
		}
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	env := newTestEnvironment(t)
	_, cookies := env.register(t, "reader", "reader@example.com")

	logout := env.do(t, http.MethodPost, "/logout", nil, withCookies(cookies))
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", logout.Code)
	}
	after := env.do(t, http.MethodGet, "/users/me", nil, withCookies(cookies))
	if after.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", after.Code)
	}
}

func TestUserMutationsRequireSelfOrAdmin(t *testing.T) {
	env := newTestEnvironment(t)
	readerToken, _ := env.register(t, "reader", "reader@example.com")
	writerToken, _ := env.register(t, "writer", "writer@example.com")
	readerClaims, err := env.tokens.Verify(readerToken.Token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	readerPath := "/users/" + readerClaims.SubjectID

	forbidden := env.do(t, http.MethodPut, readerPath, map[string]string{"username": "hijacked"}, withBearer(writerToken.Token))
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", forbidden.Code)
	}
	if deleted := env.do(t, http.MethodDelete, readerPath, nil, withBearer(writerToken.Token)); deleted.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on foreign delete, got %d", deleted.Code)
	}

	conflict := env.do(t, http.MethodPut, readerPath, map[string]string{"username": "writer"}, withBearer(readerToken.Token))
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 on username collision, got %d", conflict.Code)
	}
	renamed := env.do(t, http.MethodPut, readerPath, map[string]string{"username": "reader2"}, withBearer(readerToken.Token))
	if renamed.Code != http.StatusOK {
		t.Fatalf("expected self update to succeed, got %d %s", renamed.Code, renamed.Body.String())
	}

	if _, err := env.users.SetRole(context.Background(), "writer", auth.RoleAdmin); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	adminLogin := env.do(t, http.MethodPost, "/users/login", map[string]string{"username": "writer", "password": "secret123"})
	adminToken := decodeToken(t, adminLogin)
	adminUpdate := env.do(t, http.MethodPut, readerPath, map[string]string{"email": "moderated@example.com"}, withBearer(adminToken.Token))
	if adminUpdate.Code != http.StatusOK {
		t.Fatalf("expected admin update to succeed, got %d", adminUpdate.Code)
	}
	adminDelete := env.do(t, http.MethodDelete, readerPath, nil, withBearer(adminToken.Token))
	if adminDelete.Code != http.StatusNoContent {
		t.Fatalf("expected admin delete to succeed, got %d", adminDelete.Code)
	}
	missing := env.do(t, http.MethodGet, readerPath, nil, withBearer(adminToken.Token))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestListUsersRequiresAuthentication(t *testing.T) {
	env := newTestEnvironment(t)
	token, _ := env.register(t, "reader", "reader@example.com")

	recorder := env.do(t, http.MethodGet, "/users", nil, withBearer(token.Token))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload []userResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode users: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("expected one user, got %d", len(payload))
	}
}

func TestRegisterRejectsMultibytePasswordBeyondByteLimit(t *testing.T) {
	env := newTestEnvironment(t)

	recorder := env.do(t, http.MethodPost, "/users/register", map[string]string{
		"username": "reader",
		"email":    "reader@example.com",
		"password": strings.Repeat("é", 40),
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Error   string           `json:"error"`
		Details []fieldViolation `json:"details"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Error != "users.register.invalid_input" {
		t.Fatalf("unexpected error code %q", payload.Error)
	}
	if len(payload.Details) != 1 || payload.Details[0].Field != "password" || payload.Details[0].Rule != "maxbytes" {
		t.Fatalf("expected password maxbytes violation, got %+v", payload.Details)
	}
	if env.userCount(t) != 0 {
		t.Fatalf("rejected registration must not create records")
	}
}

func TestDeletedAccountCredentialsAreRejected(t *testing.T) {
	env := newTestEnvironment(t)
	readerToken, readerCookies := env.register(t, "reader", "reader@example.com")
	env.register(t, "moderator", "moderator@example.com")
	readerClaims, err := env.tokens.Verify(readerToken.Token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if _, err := env.users.SetRole(context.Background(), "moderator", auth.RoleAdmin); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	adminToken := decodeToken(t, env.do(t, http.MethodPost, "/users/login", map[string]string{"username": "moderator", "password": "secret123"}))
	book, err := env.catalog.CreateBook(context.Background(), catalog.BookInput{Title: "Dune", Author: "Frank Herbert"})
	if err != nil {
		t.Fatalf("create book failed: %v", err)
	}

	if deleted := env.do(t, http.MethodDelete, "/users/"+readerClaims.SubjectID, nil, withBearer(adminToken.Token)); deleted.Code != http.StatusNoContent {
		t.Fatalf("expected admin delete to succeed, got %d", deleted.Code)
	}

	review := map[string]any{"bookId": book.ID, "rating": 5}
	viaSession := env.do(t, http.MethodPost, "/reviews", review, withCookies(readerCookies))
	if viaSession.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for deleted account session, got %d %s", viaSession.Code, viaSession.Body.String())
	}
	expired := false
	for _, cookie := range viaSession.Result().Cookies() {
		if cookie.MaxAge < 0 {
			expired = true
		}
	}
	if !expired {
		t.Fatalf("expected stale session cookie to be expired")
	}
	if viaBearer := env.do(t, http.MethodPost, "/reviews", review, withBearer(readerToken.Token)); viaBearer.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for deleted account token, got %d", viaBearer.Code)
	}

	var reviews int64
	if err := env.db.Model(&catalog.Review{}).Count(&reviews).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if reviews != 0 {
		t.Fatalf("deleted account must not write reviews, got %d", reviews)
	}
}
