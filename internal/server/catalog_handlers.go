package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListBooks(c *gin.Context) {
	books, err := h.catalog.ListBooks(c.Request.Context(), catalog.BookFilter{Genre: c.Query("genre")})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *httpHandler) handleGetBook(c *gin.Context) {
	book, err := h.catalog.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *httpHandler) handleCreateBook(c *gin.Context) {
	var request catalog.BookInput
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := h.catalog.CreateBook(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (h *httpHandler) handleUpdateBook(c *gin.Context) {
	var request catalog.BookInput
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := h.catalog.UpdateBook(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *httpHandler) handleDeleteBook(c *gin.Context) {
	if err := h.catalog.DeleteBook(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListAuthors(c *gin.Context) {
	authors, err := h.catalog.ListAuthors(c.Request.Context(), catalog.AuthorFilter{Nationality: c.Query("nationality")})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, authors)
}

func (h *httpHandler) handleGetAuthor(c *gin.Context) {
	author, err := h.catalog.GetAuthor(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, author)
}

func (h *httpHandler) handleCreateAuthor(c *gin.Context) {
	var request catalog.AuthorInput
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	author, err := h.catalog.CreateAuthor(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, author)
}

func (h *httpHandler) handleUpdateAuthor(c *gin.Context) {
	var request catalog.AuthorUpdate
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	author, err := h.catalog.UpdateAuthor(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, author)
}

func (h *httpHandler) handleDeleteAuthor(c *gin.Context) {
	if err := h.catalog.DeleteAuthor(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	reviews, err := h.catalog.ListReviews(c.Request.Context(), catalog.ReviewFilter{BookID: c.Query("bookId")})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reviews)
}

func (h *httpHandler) handleGetReview(c *gin.Context) {
	review, err := h.catalog.GetReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func (h *httpHandler) handleCreateReview(c *gin.Context) {
	var request catalog.ReviewInput
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	review, err := h.catalog.CreateReview(c.Request.Context(), principalID(c), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishReviewChange(review, "created")
	c.JSON(http.StatusCreated, review)
}

func (h *httpHandler) handleUpdateReview(c *gin.Context) {
	var request catalog.ReviewUpdate
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	review, err := h.catalog.UpdateReview(c.Request.Context(), principalID(c), c.Param("id"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishReviewChange(review, "updated")
	c.JSON(http.StatusOK, review)
}

func (h *httpHandler) handleDeleteReview(c *gin.Context) {
	review, err := h.catalog.DeleteReview(c.Request.Context(), principalID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishReviewChange(review, "deleted")
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) publishReviewChange(review catalog.Review, action string) {
	h.realtime.Publish(RealtimeMessage{
		UserID:    review.UserID,
		EventType: RealtimeEventReviewChanged,
		Payload: map[string]any{
			"reviewId": review.ID,
			"bookId":   review.BookID,
			"action":   action,
		},
	})
}
