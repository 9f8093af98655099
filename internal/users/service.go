package users

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/auth"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the login did not contain a usable address.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrBadCredentials indicates the password did not match the stored hash.
	ErrBadCredentials = errors.New("users: bad credentials")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages facility logins. Authentication is demo-grade: the first
// sign-in with a canonical address registers it, later sign-ins must present
// the same password.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Authenticate resolves the canonical address to an identity, registering it
// on first contact.
func (s *Service) Authenticate(email, password string) (Identity, error) {
	email = strings.ToLower(normalize(email))
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, ErrInvalidIdentity
	}
	facility := auth.FacilityFromEmail(email)
	if facility == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var identity Identity
	err := s.db.Where("email = ?", email).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Email:        email,
			UserID:       newUserID(),
			DisplayName:  displayNameFromEmail(email),
			Facility:     facility,
			Role:         string(roleForEmail(email)),
			PasswordHash: hashPassword(password),
			LastSeenAt:   s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
		return identity, nil
	}
	if err != nil {
		return Identity{}, err
	}

	if subtle.ConstantTimeCompare([]byte(identity.PasswordHash), []byte(hashPassword(password))) != 1 {
		return Identity{}, ErrBadCredentials
	}

	_ = s.db.Model(&Identity{}).
		Where("email = ?", email).
		Update("last_seen_at", s.now()).
		Error
	return identity, nil
}

// roleForEmail grants admin to the reserved admin login of a facility.
func roleForEmail(email string) auth.Role {
	local := email
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	if local == "admin" {
		return auth.RoleAdmin
	}
	return auth.RoleNurse
}

func displayNameFromEmail(email string) string {
	local := email
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	if local == "" {
		return ""
	}
	return strings.ToUpper(local[:1]) + local[1:]
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte("minimar:" + password))
	return hex.EncodeToString(sum[:])
}

func newUserID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
