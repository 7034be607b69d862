package users

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrUserNotFound indicates that no record matched the lookup key.
var ErrUserNotFound = errors.New("users: user not found")

const (
	queryByID           = "id = ?"
	queryByUsername     = "username = ?"
	queryByEmail        = "email = ?"
	queryByOAuthSubject = "oauth_subject_id = ?"
	queryUnlinkedByID   = "id = ? AND oauth_subject_id IS NULL"
)

// Store is the credential store: find, insert, update and delete identity records by key.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, now: clock}
}

func (s *Store) findOne(ctx context.Context, query string, value any) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where(query, value).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindByID loads a record by its identifier.
func (s *Store) FindByID(ctx context.Context, id string) (User, error) {
	return s.findOne(ctx, queryByID, id)
}

// FindByUsername loads a record by username.
func (s *Store) FindByUsername(ctx context.Context, username string) (User, error) {
	return s.findOne(ctx, queryByUsername, username)
}

// FindByEmail loads a record by normalized email.
func (s *Store) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, queryByEmail, normalizeEmail(email))
}

// FindByOAuthSubject loads a record by third-party subject identifier.
func (s *Store) FindByOAuthSubject(ctx context.Context, subjectID string) (User, error) {
	return s.findOne(ctx, queryByOAuthSubject, subjectID)
}

// Create inserts a new record. Unique index violations are returned unchanged for the caller to classify.
func (s *Store) Create(ctx context.Context, user *User) error {
	now := s.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	return s.db.WithContext(ctx).Create(user).Error
}

// LinkOAuthSubject attaches subjectID to the record only while it has no subject.
// It reports whether this call performed the link.
func (s *Store) LinkOAuthSubject(ctx context.Context, id, subjectID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where(queryUnlinkedByID, id).
		Updates(map[string]any{
			"oauth_subject_id": subjectID,
			"updated_at":       s.now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Update applies column updates to the record and reports whether it existed.
func (s *Store) Update(ctx context.Context, id string, updates map[string]any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	updates["updated_at"] = s.now().UTC()
	result := s.db.WithContext(ctx).Model(&User{}).Where(queryByID, id).Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete removes the record and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where(queryByID, id).Delete(&User{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// List returns all records ordered by creation.
func (s *Store) List(ctx context.Context) ([]User, error) {
	var records []User
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).Count(&count).Error
	return count, err
}
