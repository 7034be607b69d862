package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseUserEmails  = "2026-09-14_lowercase_user_emails"
	migrationRecomputeBookRatings = "2026-10-02_recompute_book_ratings"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationLowercaseUserEmails, apply: lowercaseUserEmails},
		{name: migrationRecomputeBookRatings, apply: recomputeBookRatings},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// lowercaseUserEmails normalizes emails stored before lookups became case-insensitive.
func lowercaseUserEmails(db *gorm.DB) error {
	return db.Exec("UPDATE users SET email = LOWER(TRIM(email)) WHERE email IS NOT NULL AND email <> LOWER(TRIM(email))").Error
}

// recomputeBookRatings rebuilds every average rating from the stored reviews.
func recomputeBookRatings(db *gorm.DB) error {
	return db.Model(&catalog.Book{}).
		Where("1 = 1").
		Update("average_rating", gorm.Expr(
			"COALESCE((SELECT ROUND(AVG(reviews.rating), 2) FROM reviews WHERE reviews.book_id = books.id), 0)",
		)).Error
}
