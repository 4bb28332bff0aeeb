// Package store persists users, scheduled meetings and uploaded overlays.
// Profile fields are encrypted at the field level before they reach the
// database; see crypto.go.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicateEmail maps the unique-index violation on email_hash.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrNotFound wraps gorm's record-not-found for callers outside the package.
var ErrNotFound = errors.New("record not found")

// Store wraps the database handle and the field cipher.
type Store struct {
	db     *gorm.DB
	cipher *FieldCipher
}

// Open connects to postgres when the DSN looks like one, otherwise treats
// the DSN as a sqlite path (used by tests and local runs).
func Open(dsn, profileSecret string) (*Store, error) {
	cipher, err := NewFieldCipher(profileSecret)
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Meeting{}, &Overlay{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

/* ---------------------------------- Users ----------------------------------- */

// UserProfile is the decrypted view of a user row.
type UserProfile struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

func (s *Store) CreateUser(id, fullName, email string) error {
	nameEnc, err := s.cipher.Encrypt(fullName)
	if err != nil {
		return err
	}
	emailEnc, err := s.cipher.Encrypt(email)
	if err != nil {
		return err
	}
	u := User{
		ID:          id,
		FullNameEnc: nameEnc,
		EmailEnc:    emailEnc,
		EmailHash:   EmailHash(email),
	}
	if err := s.db.Create(&u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(id string) (UserProfile, error) {
	var u User
	if err := s.db.First(&u, "id = ?", id).Error; err != nil {
		return UserProfile{}, mapNotFound(err)
	}
	name, err := s.cipher.Decrypt(u.FullNameEnc)
	if err != nil {
		return UserProfile{}, fmt.Errorf("decrypt full name: %w", err)
	}
	email, err := s.cipher.Decrypt(u.EmailEnc)
	if err != nil {
		return UserProfile{}, fmt.Errorf("decrypt email: %w", err)
	}
	return UserProfile{ID: u.ID, FullName: name, Email: email}, nil
}

func (s *Store) UpdateUserName(id, fullName string) error {
	nameEnc, err := s.cipher.Encrypt(fullName)
	if err != nil {
		return err
	}
	res := s.db.Model(&User{}).Where("id = ?", id).Update("full_name_enc", nameEnc)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&Meeting{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&Overlay{}).Error; err != nil {
			return err
		}
		return tx.Delete(&User{}, "id = ?", id).Error
	})
}

/* --------------------------------- Meetings ---------------------------------- */

func (s *Store) CreateMeeting(m *Meeting) error {
	return s.db.Create(m).Error
}

func (s *Store) ListMeetings(userID string) ([]Meeting, error) {
	var out []Meeting
	err := s.db.Where("user_id = ?", userID).Order("starts_at").Find(&out).Error
	return out, err
}

func (s *Store) UpdateMeeting(userID string, id int64, title string, startsAt time.Time) error {
	res := s.db.Model(&Meeting{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"title": title, "starts_at": startsAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMeeting(userID string, id int64) error {
	res := s.db.Where("user_id = ?", userID).Delete(&Meeting{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

/* --------------------------------- Overlays ---------------------------------- */

func (s *Store) CreateOverlay(o *Overlay) error {
	return s.db.Create(o).Error
}

func (s *Store) ListOverlays(userID string) ([]Overlay, error) {
	var out []Overlay
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

func (s *Store) DeleteOverlay(userID string, id int64) error {
	res := s.db.Where("user_id = ?", userID).Delete(&Overlay{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

/* --------------------------------- Helpers ----------------------------------- */

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
