package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
)

func decodeJSON[T any](t *testing.T, body []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(body, &value); err != nil {
		t.Fatalf("failed to decode %q: %v", string(body), err)
	}
	return value
}

func TestCatalogReadsArePublicAndWritesRequireAuthentication(t *testing.T) {
	env := newTestEnvironment(t)
	book := map[string]string{"title": "Dune", "author": "Frank Herbert", "genre": "Science Fiction"}

	anonymous := env.do(t, http.MethodPost, "/books", book)
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous create, got %d", anonymous.Code)
	}

	token, _ := env.register(t, "reader", "reader@example.com")
	created := env.do(t, http.MethodPost, "/books", book, withBearer(token.Token))
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", created.Code, created.Body.String())
	}
	createdBook := decodeJSON[catalog.Book](t, created.Body.Bytes())
	if createdBook.ID == "" || createdBook.AverageRating != 0 {
		t.Fatalf("unexpected created book %+v", createdBook)
	}

	list := env.do(t, http.MethodGet, "/books?genre=Science+Fiction", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected public list, got %d", list.Code)
	}
	if books := decodeJSON[[]catalog.Book](t, list.Body.Bytes()); len(books) != 1 {
		t.Fatalf("expected one book, got %d", len(books))
	}
	if empty := decodeJSON[[]catalog.Book](t, env.do(t, http.MethodGet, "/books?genre=Poetry", nil).Body.Bytes()); len(empty) != 0 {
		t.Fatalf("expected genre filter to exclude the book")
	}

	updated := env.do(t, http.MethodPut, "/books/"+createdBook.ID, map[string]string{"title": "Dune Messiah", "author": "Frank Herbert"}, withBearer(token.Token))
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", updated.Code, updated.Body.String())
	}
	if decodeJSON[catalog.Book](t, updated.Body.Bytes()).Title != "Dune Messiah" {
		t.Fatalf("expected title to change")
	}

	if deleted := env.do(t, http.MethodDelete, "/books/"+createdBook.ID, nil, withBearer(token.Token)); deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}
	if missing := env.do(t, http.MethodGet, "/books/"+createdBook.ID, nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestCatalogValidationFailuresReportFields(t *testing.T) {
	env := newTestEnvironment(t)
	token, _ := env.register(t, "reader", "reader@example.com")

	recorder := env.do(t, http.MethodPost, "/authors", map[string]any{
		"firstName":   "Ursula",
		"lastName":    "Le Guin",
		"birthDate":   "21/10/1929",
		"nationality": "American",
		"biography":   "Novelist.",
		"website":     "not a url",
	}, withBearer(token.Token))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeJSON[struct {
		Error   string           `json:"error"`
		Details []fieldViolation `json:"details"`
	}](t, recorder.Body.Bytes())
	if payload.Error != "catalog.create_author.invalid_input" {
		t.Fatalf("unexpected error code %q", payload.Error)
	}
	fields := map[string]string{}
	for _, violation := range payload.Details {
		fields[violation.Field] = violation.Rule
	}
	if fields["birthDate"] != "datetime" || fields["website"] != "url" {
		t.Fatalf("unexpected violations %+v", payload.Details)
	}
}

func TestReviewsMaintainAverageAndOwnership(t *testing.T) {
	env := newTestEnvironment(t)
	ownerToken, _ := env.register(t, "owner", "owner@example.com")
	otherToken, _ := env.register(t, "other", "other@example.com")

	book, err := env.catalog.CreateBook(context.Background(), catalog.BookInput{Title: "Dune", Author: "Frank Herbert"})
	if err != nil {
		t.Fatalf("create book failed: %v", err)
	}

	first := env.do(t, http.MethodPost, "/reviews", map[string]any{"bookId": book.ID, "rating": 4, "comment": "great"}, withBearer(ownerToken.Token))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", first.Code, first.Body.String())
	}
	review := decodeJSON[catalog.Review](t, first.Body.Bytes())
	if second := env.do(t, http.MethodPost, "/reviews", map[string]any{"bookId": book.ID, "rating": 1}, withBearer(otherToken.Token)); second.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", second.Code)
	}
	assertAverage(t, env, book.ID, 2.5)

	outOfRange := env.do(t, http.MethodPost, "/reviews", map[string]any{"bookId": book.ID, "rating": 6}, withBearer(ownerToken.Token))
	if outOfRange.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for rating 6, got %d", outOfRange.Code)
	}
	unknownBook := env.do(t, http.MethodPost, "/reviews", map[string]any{"bookId": "missing", "rating": 3}, withBearer(ownerToken.Token))
	if unknownBook.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown book, got %d", unknownBook.Code)
	}

	foreign := env.do(t, http.MethodPut, "/reviews/"+review.ID, map[string]any{"rating": 1}, withBearer(otherToken.Token))
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign update, got %d", foreign.Code)
	}
	if foreignDelete := env.do(t, http.MethodDelete, "/reviews/"+review.ID, nil, withBearer(otherToken.Token)); foreignDelete.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign delete, got %d", foreignDelete.Code)
	}

	owned := env.do(t, http.MethodPut, "/reviews/"+review.ID, map[string]any{"rating": 2, "comment": "meh"}, withBearer(ownerToken.Token))
	if owned.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", owned.Code, owned.Body.String())
	}
	assertAverage(t, env, book.ID, 1.5)

	if deleted := env.do(t, http.MethodDelete, "/reviews/"+review.ID, nil, withBearer(ownerToken.Token)); deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}
	assertAverage(t, env, book.ID, 1)

	listed := decodeJSON[[]catalog.Review](t, env.do(t, http.MethodGet, "/reviews?bookId="+book.ID, nil).Body.Bytes())
	if len(listed) != 1 {
		t.Fatalf("expected one remaining review, got %d", len(listed))
	}
}

func TestReviewChangesArePublishedToOwner(t *testing.T) {
	env := newTestEnvironment(t)
	token, _ := env.register(t, "owner", "owner@example.com")
	claims, err := env.tokens.Verify(token.Token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	book, err := env.catalog.CreateBook(context.Background(), catalog.BookInput{Title: "Emma", Author: "Jane Austen"})
	if err != nil {
		t.Fatalf("create book failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup := env.realtime.Subscribe(ctx, claims.SubjectID)
	defer cleanup()

	if created := env.do(t, http.MethodPost, "/reviews", map[string]any{"bookId": book.ID, "rating": 5}, withBearer(token.Token)); created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.Code)
	}
	select {
	case message := <-events:
		if message.EventType != RealtimeEventReviewChanged || message.Payload["action"] != "created" || message.Payload["bookId"] != book.ID {
			t.Fatalf("unexpected event %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("expected review-changed event")
	}
}

func TestPartialUpdatesKeepAbsentFields(t *testing.T) {
	env := newTestEnvironment(t)
	token, _ := env.register(t, "reader", "reader@example.com")

	created := env.do(t, http.MethodPost, "/authors", map[string]any{
		"firstName":   "Jorge Luis",
		"lastName":    "Borges",
		"birthDate":   "1899-08-24",
		"nationality": "Argentine",
		"biography":   "Writer",
		"awards":      []string{"Prix Formentor"},
	}, withBearer(token.Token))
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", created.Code, created.Body.String())
	}
	author := decodeJSON[catalog.Author](t, created.Body.Bytes())

	patched := env.do(t, http.MethodPut, "/authors/"+author.ID, map[string]any{"nationality": "AR"}, withBearer(token.Token))
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", patched.Code, patched.Body.String())
	}
	updated := decodeJSON[catalog.Author](t, patched.Body.Bytes())
	if updated.Nationality != "AR" || updated.LastName != "Borges" || updated.BirthDate != "1899-08-24" || len(updated.Awards) != 1 {
		t.Fatalf("absent fields must be kept, got %+v", updated)
	}
	if blank := env.do(t, http.MethodPut, "/authors/"+author.ID, map[string]any{"lastName": ""}, withBearer(token.Token)); blank.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank last name, got %d", blank.Code)
	}

	book, err := env.catalog.CreateBook(context.Background(), catalog.BookInput{Title: "Ficciones", Author: "Jorge Luis Borges"})
	if err != nil {
		t.Fatalf("create book failed: %v", err)
	}
	posted := env.do(t, http.MethodPost, "/reviews", map[string]any{"bookId": book.ID, "rating": 5, "comment": "dense"}, withBearer(token.Token))
	if posted.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", posted.Code, posted.Body.String())
	}
	review := decodeJSON[catalog.Review](t, posted.Body.Bytes())

	commented := env.do(t, http.MethodPut, "/reviews/"+review.ID, map[string]any{"comment": "labyrinthine"}, withBearer(token.Token))
	if commented.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", commented.Code, commented.Body.String())
	}
	if changed := decodeJSON[catalog.Review](t, commented.Body.Bytes()); changed.Rating != 5 || changed.Comment != "labyrinthine" {
		t.Fatalf("comment-only update must keep rating, got %+v", changed)
	}
	assertAverage(t, env, book.ID, 5)

	if rated := env.do(t, http.MethodPut, "/reviews/"+review.ID, map[string]any{"rating": 3}, withBearer(token.Token)); rated.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rated.Code, rated.Body.String())
	}
	assertAverage(t, env, book.ID, 3)
}

func assertAverage(t *testing.T, env *testEnvironment, bookID string, expected float64) {
	t.Helper()
	recorder := env.do(t, http.MethodGet, "/books/"+bookID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if book := decodeJSON[catalog.Book](t, recorder.Body.Bytes()); book.AverageRating != expected {
		t.Fatalf("expected average %v, got %v", expected, book.AverageRating)
	}
}
