// Package session issues and verifies the bearer tokens used by the HTTP API.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/blake2b"

	"shelfledger/internal/apperr"
)

// Role names stored with a credential.
const (
	RoleAdmin  = "admin"
	RoleCommon = "common"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Role   string    `json:"role"`
}

// IsAdmin reports whether the caller may perform write operations.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Authority issues, verifies and revokes tokens.
type Authority interface {
	Issue(ctx context.Context, p Principal) (string, error)
	Verify(ctx context.Context, token string) (*Principal, error)
	Revoke(ctx context.Context, token string) error
}

// Denylist records revoked tokens by digest.
type Denylist interface {
	Add(ctx context.Context, digest string) error
	Contains(ctx context.Context, digest string) (bool, error)
}

type claims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthority signs HS256 tokens. Tokens carry no expiry; logout is the
// only way to invalidate one.
type JWTAuthority struct {
	secret   []byte
	denylist Denylist
}

// NewJWTAuthority creates an authority signing with secret.
func NewJWTAuthority(secret string, denylist Denylist) (*JWTAuthority, error) {
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	return &JWTAuthority{secret: []byte(secret), denylist: denylist}, nil
}

// Issue signs a token for p.
func (a *JWTAuthority) Issue(ctx context.Context, p Principal) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:  p.Name,
		Email: p.Email,
		Role:  p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.UserID.String(),
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(jwt.TimeFunc()),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and the denylist and returns the caller.
func (a *JWTAuthority) Verify(ctx context.Context, token string) (*Principal, error) {
	p, err := a.parse(token)
	if err != nil {
		return nil, err
	}

	revoked, err := a.denylist.Contains(ctx, Digest(token))
	if err != nil {
		return nil, apperr.FromDB(err, "failed to check token")
	}
	if revoked {
		return nil, apperr.New(apperr.KindUnauthorized, "session has ended")
	}
	return p, nil
}

// Revoke ends the session carried by token.
func (a *JWTAuthority) Revoke(ctx context.Context, token string) error {
	if _, err := a.parse(token); err != nil {
		return err
	}
	if err := a.denylist.Add(ctx, Digest(token)); err != nil {
		return apperr.FromDB(err, "failed to revoke token")
	}
	return nil
}

func (a *JWTAuthority) parse(token string) (*Principal, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing token")
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "invalid token")
	}

	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "invalid token subject")
	}
	return &Principal{UserID: id, Name: c.Name, Email: c.Email, Role: c.Role}, nil
}

// Digest is the key a token is denylisted under. Raw tokens are never stored.
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store keeps the denylist in the revoked_tokens table.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a denylist on db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Add(ctx context.Context, digest string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (token_digest)
		VALUES ($1)
		ON CONFLICT (token_digest) DO NOTHING
	`, digest)
	if err != nil {
		return fmt.Errorf("failed to insert revoked token: %w", err)
	}
	return nil
}

func (s *Store) Contains(ctx context.Context, digest string) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_digest = $1)`, digest)
	if err != nil {
		return false, fmt.Errorf("failed to query revoked tokens: %w", err)
	}
	return found, nil
}
