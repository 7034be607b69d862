package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
)

// User is the persisted identity record. An account carries a password digest, an OAuth subject, or both once linked.
type User struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null"`
	Username       string    `gorm:"column:username;size:190;not null;uniqueIndex:idx_users_username"`
	Email          *string   `gorm:"column:email;size:320;uniqueIndex:idx_users_email"`
	PasswordDigest *string   `gorm:"column:password_digest;size:128"`
	OAuthSubjectID *string   `gorm:"column:oauth_subject_id;size:190;uniqueIndex:idx_users_oauth_subject"`
	Role           string    `gorm:"column:role;size:16;not null;default:user"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user records.
func (User) TableName() string {
	return "users"
}

// EmailAddress returns the email or an empty string.
func (u User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// HasPassword reports whether the account supports local login.
func (u User) HasPassword() bool {
	return u.PasswordDigest != nil && *u.PasswordDigest != ""
}

// OAuthLinked reports whether a third-party identity is attached.
func (u User) OAuthLinked() bool {
	return u.OAuthSubjectID != nil && *u.OAuthSubjectID != ""
}

// RoleClaim returns the parsed role, falling back to auth.RoleUser for unknown stored values.
func (u User) RoleClaim() auth.Role {
	role, err := auth.ParseRole(u.Role)
	if err != nil {
		return auth.RoleUser
	}
	return role
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func stringPointer(value string) *string {
	return &value
}
