package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/ids"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListBooks     = "catalog.list_books"
	opGetBook       = "catalog.get_book"
	opCreateBook    = "catalog.create_book"
	opUpdateBook    = "catalog.update_book"
	opDeleteBook    = "catalog.delete_book"
	opListAuthors   = "catalog.list_authors"
	opGetAuthor     = "catalog.get_author"
	opCreateAuthor  = "catalog.create_author"
	opUpdateAuthor  = "catalog.update_author"
	opDeleteAuthor  = "catalog.delete_author"
	opListReviews   = "catalog.list_reviews"
	opGetReview     = "catalog.get_review"
	opCreateReview  = "catalog.create_review"
	opUpdateReview  = "catalog.update_review"
	opDeleteReview  = "catalog.delete_review"
	reasonInvalid   = "invalid_input"
	reasonNotFound  = "not_found"
	reasonBookGone  = "book_not_found"
	reasonStore     = "store_failed"
	reasonIDFailure = "id_failed"
	queryByID       = "id = ?"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errNotOwned          = errors.New("review not found or not owned by user")
)

// ServiceConfig describes the catalog dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages books, authors and reviews.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	clock      func() time.Time
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("catalog: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}, nil
}

// BookInput carries writable book fields.
type BookInput struct {
	Title  string `json:"title" validate:"required,max=300"`
	Author string `json:"author" validate:"required,max=300"`
	Genre  string `json:"genre" validate:"max=120"`
}

func (in *BookInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.Genre = strings.TrimSpace(in.Genre)
}

// BookFilter narrows ListBooks.
type BookFilter struct {
	Genre string
}

// ListBooks returns books ordered by title.
func (s *Service) ListBooks(ctx context.Context, filter BookFilter) ([]Book, error) {
	query := s.db.WithContext(ctx).Order("title ASC, id ASC")
	if genre := strings.TrimSpace(filter.Genre); genre != "" {
		query = query.Where("genre = ?", genre)
	}
	var books []Book
	if err := query.Find(&books).Error; err != nil {
		return nil, apperrors.New(apperrors.KindInternal, opListBooks, reasonStore, err)
	}
	return books, nil
}

// GetBook loads one book.
func (s *Service) GetBook(ctx context.Context, id string) (Book, error) {
	var book Book
	if err := s.take(ctx, s.db, opGetBook, id, &book); err != nil {
		return Book{}, err
	}
	return book, nil
}

// CreateBook stores a new book with a zero average rating.
func (s *Service) CreateBook(ctx context.Context, input BookInput) (Book, error) {
	input.normalize()
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return Book{}, apperrors.New(apperrors.KindValidation, opCreateBook, reasonInvalid, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Book{}, apperrors.New(apperrors.KindInternal, opCreateBook, reasonIDFailure, err)
	}
	now := s.clock().UTC()
	book := Book{ID: id, Title: input.Title, Author: input.Author, Genre: input.Genre, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&book).Error; err != nil {
		return Book{}, apperrors.New(apperrors.KindInternal, opCreateBook, reasonStore, err)
	}
	return book, nil
}

// UpdateBook replaces the writable fields of a book.
func (s *Service) UpdateBook(ctx context.Context, id string, input BookInput) (Book, error) {
	input.normalize()
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return Book{}, apperrors.New(apperrors.KindValidation, opUpdateBook, reasonInvalid, err)
	}
	var book Book
	if err := s.take(ctx, s.db, opUpdateBook, id, &book); err != nil {
		return Book{}, err
	}
	book.Title = input.Title
	book.Author = input.Author
	book.Genre = input.Genre
	book.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&book).Error; err != nil {
		return Book{}, apperrors.New(apperrors.KindInternal, opUpdateBook, reasonStore, err)
	}
	return book, nil
}

// DeleteBook removes a book together with its reviews.
func (s *Service) DeleteBook(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	var removedReviews int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where(queryByID, id).Delete(&Book{})
		if result.Error != nil {
			return apperrors.New(apperrors.KindInternal, opDeleteBook, reasonStore, result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.New(apperrors.KindNotFound, opDeleteBook, reasonNotFound, nil)
		}
		reviews := tx.Where("book_id = ?", id).Delete(&Review{})
		if reviews.Error != nil {
			return apperrors.New(apperrors.KindInternal, opDeleteBook, reasonStore, reviews.Error)
		}
		removedReviews = reviews.RowsAffected
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("book deleted", zap.String("book_id", id), zap.Int64("reviews_removed", removedReviews))
	return nil
}

// AuthorInput carries writable author fields.
type AuthorInput struct {
	FirstName   string   `json:"firstName" validate:"required,max=190"`
	LastName    string   `json:"lastName" validate:"required,max=190"`
	BirthDate   string   `json:"birthDate" validate:"required,datetime=2006-01-02"`
	Nationality string   `json:"nationality" validate:"required,max=120"`
	Biography   string   `json:"biography" validate:"required"`
	Website     string   `json:"website" validate:"omitempty,url,max=500"`
	Awards      []string `json:"awards" validate:"omitempty,dive,required,max=300"`
}

func (in *AuthorInput) normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.BirthDate = strings.TrimSpace(in.BirthDate)
	in.Nationality = strings.TrimSpace(in.Nationality)
	in.Biography = strings.TrimSpace(in.Biography)
	in.Website = strings.TrimSpace(in.Website)
	if in.Awards == nil {
		in.Awards = []string{}
	}
}

// AuthorFilter narrows ListAuthors.
type AuthorFilter struct {
	Nationality string
}

// ListAuthors returns authors ordered by last name.
func (s *Service) ListAuthors(ctx context.Context, filter AuthorFilter) ([]Author, error) {
	query := s.db.WithContext(ctx).Order("last_name ASC, first_name ASC, id ASC")
	if nationality := strings.TrimSpace(filter.Nationality); nationality != "" {
		query = query.Where("nationality = ?", nationality)
	}
	var authors []Author
	if err := query.Find(&authors).Error; err != nil {
		return nil, apperrors.New(apperrors.KindInternal, opListAuthors, reasonStore, err)
	}
	return authors, nil
}

// GetAuthor loads one author.
func (s *Service) GetAuthor(ctx context.Context, id string) (Author, error) {
	var author Author
	if err := s.take(ctx, s.db, opGetAuthor, id, &author); err != nil {
		return Author{}, err
	}
	return author, nil
}

// CreateAuthor stores a new author.
func (s *Service) CreateAuthor(ctx context.Context, input AuthorInput) (Author, error) {
	input.normalize()
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return Author{}, apperrors.New(apperrors.KindValidation, opCreateAuthor, reasonInvalid, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Author{}, apperrors.New(apperrors.KindInternal, opCreateAuthor, reasonIDFailure, err)
	}
	now := s.clock().UTC()
	author := Author{ID: id, CreatedAt: now, UpdatedAt: now}
	input.applyTo(&author)
	if err := s.db.WithContext(ctx).Create(&author).Error; err != nil {
		return Author{}, apperrors.New(apperrors.KindInternal, opCreateAuthor, reasonStore, err)
	}
	return author, nil
}

// AuthorUpdate carries the author fields to change; nil fields keep their stored value.
type AuthorUpdate struct {
	FirstName   *string  `json:"firstName" validate:"omitnil,min=1,max=190"`
	LastName    *string  `json:"lastName" validate:"omitnil,min=1,max=190"`
	BirthDate   *string  `json:"birthDate" validate:"omitnil,datetime=2006-01-02"`
	Nationality *string  `json:"nationality" validate:"omitnil,min=1,max=120"`
	Biography   *string  `json:"biography" validate:"omitnil,min=1"`
	Website     *string  `json:"website" validate:"omitnil,url,max=500"`
	Awards      []string `json:"awards" validate:"omitempty,dive,required,max=300"`
}

func (in *AuthorUpdate) normalize() {
	for _, field := range []*string{in.FirstName, in.LastName, in.BirthDate, in.Nationality, in.Biography, in.Website} {
		if field != nil {
			*field = strings.TrimSpace(*field)
		}
	}
}

func (in AuthorUpdate) applyTo(author *Author) {
	assign(&author.FirstName, in.FirstName)
	assign(&author.LastName, in.LastName)
	assign(&author.BirthDate, in.BirthDate)
	assign(&author.Nationality, in.Nationality)
	assign(&author.Biography, in.Biography)
	assign(&author.Website, in.Website)
	if in.Awards != nil {
		author.Awards = in.Awards
	}
}

func assign[T any](target *T, value *T) {
	if value != nil {
		*target = *value
	}
}

// UpdateAuthor changes the fields present in input.
func (s *Service) UpdateAuthor(ctx context.Context, id string, input AuthorUpdate) (Author, error) {
	input.normalize()
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return Author{}, apperrors.New(apperrors.KindValidation, opUpdateAuthor, reasonInvalid, err)
	}
	var author Author
	if err := s.take(ctx, s.db, opUpdateAuthor, id, &author); err != nil {
		return Author{}, err
	}
	input.applyTo(&author)
	author.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&author).Error; err != nil {
		return Author{}, apperrors.New(apperrors.KindInternal, opUpdateAuthor, reasonStore, err)
	}
	return author, nil
}

func (in AuthorInput) applyTo(author *Author) {
	author.FirstName = in.FirstName
	author.LastName = in.LastName
	author.BirthDate = in.BirthDate
	author.Nationality = in.Nationality
	author.Biography = in.Biography
	author.Website = in.Website
	author.Awards = in.Awards
}

// DeleteAuthor removes an author.
func (s *Service) DeleteAuthor(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where(queryByID, strings.TrimSpace(id)).Delete(&Author{})
	if result.Error != nil {
		return apperrors.New(apperrors.KindInternal, opDeleteAuthor, reasonStore, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.KindNotFound, opDeleteAuthor, reasonNotFound, nil)
	}
	return nil
}

// ReviewInput carries a new review.
type ReviewInput struct {
	BookID  string `json:"bookId" validate:"required,max=64"`
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=5000"`
}

// ReviewUpdate carries the owner-editable review fields; nil fields keep their stored value.
type ReviewUpdate struct {
	Rating  *int    `json:"rating" validate:"omitnil,min=1,max=5"`
	Comment *string `json:"comment" validate:"omitnil,max=5000"`
}

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	BookID string
}

// ListReviews returns reviews ordered by creation.
func (s *Service) ListReviews(ctx context.Context, filter ReviewFilter) ([]Review, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if bookID := strings.TrimSpace(filter.BookID); bookID != "" {
		query = query.Where("book_id = ?", bookID)
	}
	var reviews []Review
	if err := query.Find(&reviews).Error; err != nil {
		return nil, apperrors.New(apperrors.KindInternal, opListReviews, reasonStore, err)
	}
	return reviews, nil
}

// GetReview loads one review.
func (s *Service) GetReview(ctx context.Context, id string) (Review, error) {
	var review Review
	if err := s.take(ctx, s.db, opGetReview, id, &review); err != nil {
		return Review{}, err
	}
	return review, nil
}

// CreateReview stores a review owned by userID and refreshes the book's average rating.
func (s *Service) CreateReview(ctx context.Context, userID string, input ReviewInput) (Review, error) {
	input.BookID = strings.TrimSpace(input.BookID)
	input.Comment = strings.TrimSpace(input.Comment)
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return Review{}, apperrors.New(apperrors.KindValidation, opCreateReview, reasonInvalid, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Review{}, apperrors.New(apperrors.KindInternal, opCreateReview, reasonIDFailure, err)
	}
	now := s.clock().UTC()
	review := Review{
		ID:        id,
		BookID:    input.BookID,
		UserID:    userID,
		Rating:    input.Rating,
		Comment:   input.Comment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var book Book
		if err := tx.Where(queryByID, input.BookID).Take(&book).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.New(apperrors.KindNotFound, opCreateReview, reasonBookGone, err)
			}
			return apperrors.New(apperrors.KindInternal, opCreateReview, reasonStore, err)
		}
		if err := tx.Create(&review).Error; err != nil {
			return apperrors.New(apperrors.KindInternal, opCreateReview, reasonStore, err)
		}
		return s.refreshAverage(tx, opCreateReview, review.BookID)
	})
	if err != nil {
		return Review{}, err
	}
	return review, nil
}

// UpdateReview changes a review owned by userID. Reviews owned by others are reported as not found.
func (s *Service) UpdateReview(ctx context.Context, userID, id string, input ReviewUpdate) (Review, error) {
	if input.Comment != nil {
		trimmed := strings.TrimSpace(*input.Comment)
		input.Comment = &trimmed
	}
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return Review{}, apperrors.New(apperrors.KindValidation, opUpdateReview, reasonInvalid, err)
	}
	var review Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.takeOwned(tx, opUpdateReview, userID, id, &review); err != nil {
			return err
		}
		assign(&review.Rating, input.Rating)
		assign(&review.Comment, input.Comment)
		review.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&review).Error; err != nil {
			return apperrors.New(apperrors.KindInternal, opUpdateReview, reasonStore, err)
		}
		return s.refreshAverage(tx, opUpdateReview, review.BookID)
	})
	if err != nil {
		return Review{}, err
	}
	return review, nil
}

// DeleteReview removes a review owned by userID and returns it.
func (s *Service) DeleteReview(ctx context.Context, userID, id string) (Review, error) {
	var review Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.takeOwned(tx, opDeleteReview, userID, id, &review); err != nil {
			return err
		}
		if err := tx.Where(queryByID, review.ID).Delete(&Review{}).Error; err != nil {
			return apperrors.New(apperrors.KindInternal, opDeleteReview, reasonStore, err)
		}
		return s.refreshAverage(tx, opDeleteReview, review.BookID)
	})
	if err != nil {
		return Review{}, err
	}
	return review, nil
}

func (s *Service) takeOwned(tx *gorm.DB, operation, userID, id string, review *Review) error {
	err := tx.Where("id = ? AND user_id = ?", strings.TrimSpace(id), userID).Take(review).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.New(apperrors.KindNotFound, operation, reasonNotFound, errNotOwned)
	}
	if err != nil {
		return apperrors.New(apperrors.KindInternal, operation, reasonStore, err)
	}
	return nil
}

// refreshAverage recomputes a book's average rating rounded to two decimals.
func (s *Service) refreshAverage(tx *gorm.DB, operation, bookID string) error {
	var average float64
	if err := tx.Model(&Review{}).
		Select("COALESCE(AVG(rating), 0)").
		Where("book_id = ?", bookID).
		Scan(&average).Error; err != nil {
		return apperrors.New(apperrors.KindInternal, operation, reasonStore, err)
	}
	average = math.Round(average*100) / 100
	if err := tx.Model(&Book{}).Where(queryByID, bookID).Updates(map[string]any{
		"average_rating": average,
		"updated_at":     s.clock().UTC(),
	}).Error; err != nil {
		return apperrors.New(apperrors.KindInternal, operation, reasonStore, err)
	}
	return nil
}

func (s *Service) take(ctx context.Context, db *gorm.DB, operation, id string, target any) error {
	err := db.WithContext(ctx).Where(queryByID, strings.TrimSpace(id)).Take(target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.New(apperrors.KindNotFound, operation, reasonNotFound, err)
	}
	if err != nil {
		return apperrors.New(apperrors.KindInternal, operation, reasonStore, err)
	}
	return nil
}
