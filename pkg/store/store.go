// Package store persists account profiles, parsed user records, and a
// terminal-job audit trail in SQLite via GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/maxbigdig/bigdig/pkg/core"
	"github.com/maxbigdig/bigdig/pkg/security"
)

// ErrProfileNotFound is returned when a named profile does not exist.
var ErrProfileNotFound = errors.New("store: profile not found")

// Profile is a saved account configuration.
type Profile struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:64"`
	Phone     string `gorm:"index;size:32"`
	APIID     int
	APIHash   string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParsedUser is one user harvested from a chat's participant list.
type ParsedUser struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    int64  `gorm:"index"`
	Username  string `gorm:"index;size:64"`
	FirstName string `gorm:"size:128"`
	LastName  string `gorm:"size:128"`
	Phone     string `gorm:"index;size:32"`
	Source    string `gorm:"size:128"`
	CreatedAt time.Time
}

// JobRecord is the audit row written when a job reaches a terminal state.
type JobRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Kind      string `gorm:"index;size:32"`
	Session   string `gorm:"index;size:64"`
	State     string `gorm:"size:16"`
	Progress  int
	Total     int
	LastError string `gorm:"size:2048"`
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an existing GORM handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the necessary tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Profile{}, &ParsedUser{}, &JobRecord{})
}

// SaveProfile inserts or updates a profile by name.
func (s *Store) SaveProfile(ctx context.Context, p *Profile) error {
	var existing Profile
	err := s.db.WithContext(ctx).Where("name = ?", p.Name).First(&existing).Error
	switch {
	case err == nil:
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		return s.db.WithContext(ctx).Save(p).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(p).Error
	default:
		return err
	}
}

// GetProfile returns the named profile.
func (s *Store) GetProfile(ctx context.Context, name string) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns all profiles ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	err := s.db.WithContext(ctx).Order("name ASC").Find(&profiles).Error
	return profiles, err
}

// DeleteProfile removes the named profile.
func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	result := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Profile{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SaveParsedUsers stores a harvested batch. Rows already present for the
// same user id and source are skipped.
func (s *Store) SaveParsedUsers(ctx context.Context, users []ParsedUser) (int, error) {
	saved := 0
	for i := range users {
		u := users[i]
		var count int64
		err := s.db.WithContext(ctx).
			Model(&ParsedUser{}).
			Where("user_id = ? AND source = ?", u.UserID, u.Source).
			Count(&count).Error
		if err != nil {
			return saved, err
		}
		if count > 0 {
			continue
		}
		if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// SearchByPhone returns parsed users whose phone contains the fragment.
func (s *Store) SearchByPhone(ctx context.Context, phone string) ([]ParsedUser, error) {
	var users []ParsedUser
	err := s.db.WithContext(ctx).
		Where("phone LIKE ?", "%"+phone+"%").
		Order("created_at DESC").
		Find(&users).Error
	return users, err
}

// SearchByName returns parsed users whose username, first, or last name
// contains the fragment, case-insensitively.
func (s *Store) SearchByName(ctx context.Context, name string) ([]ParsedUser, error) {
	var users []ParsedUser
	pattern := "%" + name + "%"
	err := s.db.WithContext(ctx).
		Where("username LIKE ? OR first_name LIKE ? OR last_name LIKE ?", pattern, pattern, pattern).
		Order("created_at DESC").
		Find(&users).Error
	return users, err
}

// RecordJob writes the audit row for a terminal job snapshot. Non-terminal
// snapshots are refused. Error text is sanitized before storage.
func (s *Store) RecordJob(ctx context.Context, snap core.Snapshot) error {
	if !snap.Terminal() {
		return core.Invariant("audit record for non-terminal job %s", snap.ID)
	}
	errMsg := ""
	if snap.Err != nil {
		errMsg = security.SanitizeErrorMessage(snap.Err.Error())
	}
	rec := JobRecord{
		ID:        snap.ID,
		Kind:      string(snap.Kind),
		Session:   snap.Session,
		State:     string(snap.State),
		Progress:  snap.Progress,
		Total:     snap.Total,
		LastError: errMsg,
		CreatedAt: snap.CreatedAt,
		StartedAt: snap.StartedAt,
		EndedAt:   snap.EndedAt,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// RecentJobs returns the most recently ended job records, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	var records []JobRecord
	err := s.db.WithContext(ctx).
		Order("ended_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
