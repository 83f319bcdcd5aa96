// Package servicetoken issues and checks the short-lived tokens the gateway
// presents to the ingest service.
package servicetoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTTL    = time.Minute
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "internal-active"
)

var errUnauthorized = errors.New("service token rejected")

// Signer issues EdDSA tokens for one calling service.
type Signer struct {
	issuer string
	keyID  string
	key    ed25519.PrivateKey
	ttl    time.Duration
}

func NewSigner(issuer, keyID string, key ed25519.PrivateKey, ttl time.Duration) (*Signer, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("service token signing key is required")
	}
	if keyID = strings.TrimSpace(keyID); keyID == "" {
		keyID = DefaultKeyID
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{issuer: issuer, keyID: keyID, key: key, ttl: ttl}, nil
}

// LoadSigner reads a PKCS#8 Ed25519 private key from a PEM file.
func LoadSigner(issuer, keyID, path string, ttl time.Duration) (*Signer, error) {
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service signing key: %w", err)
	}
	return NewSigner(issuer, keyID, key, ttl)
}

// Sign issues a token for audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	var jti [12]byte
	if _, err := rand.Read(jti[:]); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        hex.EncodeToString(jti[:]),
	})
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}

// Verifier accepts tokens for one audience from a fixed set of issuers.
// Keys are selected by the kid header, so several may be active during rotation.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	keys     map[string]ed25519.PublicKey
	leeway   time.Duration
}

func NewVerifier(audience string, issuers []string, keys map[string]ed25519.PublicKey) (*Verifier, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	v := &Verifier{
		audience: audience,
		issuers:  make(map[string]struct{}, len(issuers)),
		keys:     make(map[string]ed25519.PublicKey, len(keys)),
		leeway:   DefaultLeeway,
	}
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers[issuer] = struct{}{}
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	for kid, key := range keys {
		if len(key) == ed25519.PublicKeySize {
			v.keys[kid] = key
		}
	}
	if len(v.keys) == 0 {
		return nil, errors.New("at least one verification key is required")
	}
	return v, nil
}

// LoadVerifier reads PKIX Ed25519 public keys from PEM files keyed by kid.
func LoadVerifier(audience string, issuers []string, keyPaths map[string]string) (*Verifier, error) {
	keys := make(map[string]ed25519.PublicKey, len(keyPaths))
	for kid, path := range keyPaths {
		key, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load service verify key %q: %w", kid, err)
		}
		keys[kid] = key
	}
	return NewVerifier(audience, issuers, keys)
}

// Verify checks signature, lifetime, audience and issuer.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		return claims, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, fmt.Errorf("%w: issuer %q not allowed", errUnauthorized, claims.Issuer)
	}
	if claims.ID == "" {
		return claims, fmt.Errorf("%w: jti required", errUnauthorized)
	}
	return claims, nil
}

// Require rejects requests without a valid bearer token.
func (v *Verifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if ok {
			if _, err := v.Verify(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// ParseKeyPaths parses "kid=path,kid2=path2".
func ParseKeyPaths(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid verify key entry %q", pair)
		}
		out[kid] = path
	}
	return out, nil
}

func readPEM(path string) ([]byte, error) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	return block.Bytes, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	der, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	return priv, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	der, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ed25519")
	}
	return pub, nil
}
