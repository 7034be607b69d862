package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is a persisted session.
type Record struct {
	Token  string    `gorm:"column:token;primaryKey;size:64;not null"`
	Data   []byte    `gorm:"column:data;not null"`
	Expiry time.Time `gorm:"column:expiry;not null;index:idx_http_sessions_expiry"`
}

func (Record) TableName() string {
	return "http_sessions"
}

// GormStore keeps sessions in the application database.
type GormStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGormStore wraps a gorm handle. The http_sessions table must already be migrated.
func NewGormStore(db *gorm.DB, clock func() time.Time, logger *zap.Logger) *GormStore {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, now: clock, logger: logger}
}

func (s *GormStore) Find(token string) ([]byte, bool, error) {
	return s.FindCtx(context.Background(), token)
}

func (s *GormStore) Commit(token string, data []byte, expiry time.Time) error {
	return s.CommitCtx(context.Background(), token, data, expiry)
}

func (s *GormStore) Delete(token string) error {
	return s.DeleteCtx(context.Background(), token)
}

// FindCtx returns the session data for an unexpired token.
func (s *GormStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("token = ? AND expiry > ?", token, s.now().UTC()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.Data, true, nil
}

// CommitCtx inserts or replaces the session data.
func (s *GormStore) CommitCtx(ctx context.Context, token string, data []byte, expiry time.Time) error {
	record := Record{Token: token, Data: data, Expiry: expiry.UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "expiry"}),
		}).
		Create(&record).Error
}

// DeleteCtx removes the session.
func (s *GormStore) DeleteCtx(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&Record{}).Error
}

// DeleteExpired removes expired sessions and reports how many were removed.
func (s *GormStore) DeleteExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expiry <= ?", s.now().UTC()).Delete(&Record{})
	return result.RowsAffected, result.Error
}

// RunCleanup deletes expired sessions every interval until ctx is done.
func (s *GormStore) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.DeleteExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("session cleanup failed", zap.Error(err))
				}
				continue
			}
			if removed > 0 {
				s.logger.Debug("expired sessions removed", zap.Int64("count", removed))
			}
		}
	}
}
