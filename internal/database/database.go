// Package database persists connections and mirrors. Cross-request coordination
// relies on the unique indexes declared on the models rather than in-process locks.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/lildude/pawmirror/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrAthleteConnected is returned when an athlete is already linked to the
// user under the other role.
var ErrAthleteConnected = errors.New("athlete is already connected under another role")

// Open connects to Postgres at dsn. Handles passed to NewStore must translate
// driver errors so unique violations surface as gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema, including the unique indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Connection{}, &model.Mirror{}); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Store wraps a gorm handle with the queries the service needs.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetConnection returns the user's connection for role, or nil if there is none.
func (s *Store) GetConnection(ctx context.Context, userID string, role model.Role) (*model.Connection, error) {
	var c model.Connection
	err := s.db.WithContext(ctx).Where("user_id = ? AND role = ?", userID, role).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s connection: %w", role, err)
	}
	return &c, nil
}

// GetConnectionByAthlete returns the user's connection to athleteID in any role, or nil.
func (s *Store) GetConnectionByAthlete(ctx context.Context, userID string, athleteID int64) (*model.Connection, error) {
	var c model.Connection
	err := s.db.WithContext(ctx).Where("user_id = ? AND athlete_id = ?", userID, athleteID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection for athlete %d: %w", athleteID, err)
	}
	return &c, nil
}

// ListConnections returns every connection the user has.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]model.Connection, error) {
	var cs []model.Connection
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("role").Find(&cs).Error; err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return cs, nil
}

// UpsertConnection inserts c or overwrites the existing row for (user, role).
// It returns ErrAthleteConnected when c's athlete holds the user's other role.
func (s *Store) UpsertConnection(ctx context.Context, c *model.Connection) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "role"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"athlete_id", "username", "display_name", "avatar_url",
			"access_token", "refresh_token", "expires_at", "updated_at",
		}),
	}).Create(c).Error
	// (user, role) conflicts are absorbed by the upsert, so a remaining unique
	// violation can only come from the (user, athlete) index.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("upserting %s connection for athlete %d: %w", c.Role, c.AthleteID, ErrAthleteConnected)
	}
	if err != nil {
		return fmt.Errorf("upserting %s connection: %w", c.Role, err)
	}
	return nil
}

// UpdateConnectionTokens replaces the credentials of connection id.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt int64) error {
	res := s.db.WithContext(ctx).Model(&model.Connection{}).Where("id = ?", id).Updates(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_at":    expiresAt,
	})
	if res.Error != nil {
		return fmt.Errorf("updating tokens for connection %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating tokens for connection %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteConnection removes the user's connection for role and reports whether one existed.
func (s *Store) DeleteConnection(ctx context.Context, userID string, role model.Role) (bool, error) {
	res := s.db.WithContext(ctx).Where("user_id = ? AND role = ?", userID, role).Delete(&model.Connection{})
	if res.Error != nil {
		return false, fmt.Errorf("deleting %s connection: %w", role, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetMirror returns the user's mirror of sourceID, or nil.
func (s *Store) GetMirror(ctx context.Context, userID string, sourceID int64) (*model.Mirror, error) {
	var m model.Mirror
	err := s.db.WithContext(ctx).Where("user_id = ? AND source_activity_id = ?", userID, sourceID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting mirror of %d: %w", sourceID, err)
	}
	return &m, nil
}

// ClaimMirror atomically takes ownership of mirroring sourceID for the user.
// It inserts a PENDING record, or moves an ERROR record back to PENDING. When
// another attempt holds a PENDING or DONE record, that record is returned with
// claimed set to false.
func (s *Store) ClaimMirror(ctx context.Context, userID string, sourceID int64) (m *model.Mirror, claimed bool, err error) {
	m = &model.Mirror{UserID: userID, SourceActivityID: sourceID, Status: model.MirrorPending}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, false, fmt.Errorf("claiming mirror of %d: %w", sourceID, res.Error)
	}
	if res.RowsAffected == 1 {
		return m, true, nil
	}

	existing, err := s.GetMirror(ctx, userID, sourceID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("claiming mirror of %d: conflicting record vanished", sourceID)
	}
	if existing.Status != model.MirrorError {
		return existing, false, nil
	}

	res = s.db.WithContext(ctx).Model(&model.Mirror{}).
		Where("id = ? AND status = ?", existing.ID, model.MirrorError).
		Updates(map[string]any{"status": model.MirrorPending, "error_detail": nil})
	if res.Error != nil {
		return nil, false, fmt.Errorf("reclaiming mirror of %d: %w", sourceID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Someone else re-claimed it first.
		current, err := s.GetMirror(ctx, userID, sourceID)
		return current, false, err
	}
	existing.Status = model.MirrorPending
	existing.ErrorDetail = nil
	return existing, true, nil
}

// CompleteMirror marks m DONE with the upload's identifiers and updates m in place.
func (s *Store) CompleteMirror(ctx context.Context, m *model.Mirror, uploadID int64, destinationID *int64) error {
	err := s.db.WithContext(ctx).Model(m).Updates(map[string]any{
		"status":                  model.MirrorDone,
		"upload_id":               uploadID,
		"destination_activity_id": destinationID,
		"error_detail":            nil,
	}).Error
	if err != nil {
		return fmt.Errorf("completing mirror %d: %w", m.ID, err)
	}
	m.Status = model.MirrorDone
	m.UploadID = &uploadID
	m.DestinationActivityID = destinationID
	m.ErrorDetail = nil
	return nil
}

// FailMirror marks m ERROR with detail and updates m in place.
func (s *Store) FailMirror(ctx context.Context, m *model.Mirror, detail string) error {
	err := s.db.WithContext(ctx).Model(m).Updates(map[string]any{
		"status":       model.MirrorError,
		"error_detail": detail,
	}).Error
	if err != nil {
		return fmt.Errorf("failing mirror %d: %w", m.ID, err)
	}
	m.Status = model.MirrorError
	m.ErrorDetail = &detail
	return nil
}
