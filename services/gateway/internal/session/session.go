package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "repochat-gateway"
	defaultAudience = "repochat-web"
	defaultTTL      = 7 * 24 * time.Hour
	minSecretLen    = 32
)

var (
	ErrInvalid = errors.New("invalid session")
	ErrRevoked = errors.New("session revoked")
)

// Revoker tracks revoked session ids until they expire.
type Revoker interface {
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// Claims is what a verified session carries.
type Claims struct {
	UserID    string
	ID        string
	ExpiresAt time.Time
}

// Manager issues and verifies HS256 session tokens.
type Manager struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
	revoker  Revoker
}

func NewManager(secret string, ttl time.Duration, revoker Revoker) (*Manager, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		secret:   []byte(secret),
		ttl:      ttl,
		issuer:   defaultIssuer,
		audience: defaultAudience,
		leeway:   30 * time.Second,
		revoker:  revoker,
	}, nil
}

// TTL is the lifetime of issued sessions.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a session for userID.
func (m *Manager) Issue(userID string) (string, Claims, error) {
	if strings.TrimSpace(userID) == "" {
		return "", Claims{}, errors.New("user id required")
	}
	now := time.Now().UTC()
	id, err := randomID()
	if err != nil {
		return "", Claims{}, err
	}
	expires := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{m.audience},
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        id,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, Claims{UserID: userID, ID: id, ExpiresAt: expires}, nil
}

// Verify validates token and checks revocation.
func (m *Manager) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := m.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, err
		}
		if revoked {
			return Claims{}, ErrRevoked
		}
	}
	return claims, nil
}

// Revoke invalidates token until it would have expired. Invalid tokens are ignored.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if m.revoker == nil {
		return nil
	}
	claims, err := m.parse(token)
	if err != nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return m.revoker.Revoke(ctx, claims.ID, ttl)
}

func (m *Manager) parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalid
	}
	registered := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &registered, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalid
	}
	if strings.TrimSpace(registered.Subject) == "" || strings.TrimSpace(registered.ID) == "" {
		return Claims{}, ErrInvalid
	}
	return Claims{UserID: registered.Subject, ID: registered.ID, ExpiresAt: registered.ExpiresAt.Time}, nil
}

func randomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
