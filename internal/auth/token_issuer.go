package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 8 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// Role classifies what a signed-in identity may do. Only admin and nurse may
// drive the scan and recording flows.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleNurse  Role = "nurse"
	RoleViewer Role = "viewer"
)

// Principal is the validated identity attached to every authorized request.
type Principal struct {
	UserID   string
	Email    string
	Facility string
	Role     Role
	Initials string
}

// CanRecord reports whether the principal may scan and record doses.
func (p Principal) CanRecord() bool {
	return p.Role == RoleAdmin || p.Role == RoleNurse
}

type sessionClaims struct {
	Email    string `json:"email,omitempty"`
	Facility string `json:"facility,omitempty"`
	Role     string `json:"role,omitempty"`
	Initials string `json:"initials,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates backend JWTs carrying the facility scope
// and role of the signed-in principal.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueToken produces a signed JWT and its expiry (seconds) for the principal.
func (i *TokenIssuer) IssueToken(_ context.Context, principal Principal) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if principal.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := sessionClaims{
		Email:    principal.Email,
		Facility: principal.Facility,
		Role:     string(principal.Role),
		Initials: principal.Initials,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UserID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the backend JWT is well formed and returns the
// embedded principal.
func (i *TokenIssuer) ValidateToken(tokenString string) (Principal, error) {
	if len(i.config.SigningSecret) == 0 {
		return Principal{}, errMissingSigningSecret
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errMissingSubjectClaim
	}
	return Principal{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Facility: claims.Facility,
		Role:     Role(claims.Role),
		Initials: claims.Initials,
	}, nil
}
