// Package auth supplies bearer tokens for channel connections.
//
// A token can come from a fixed string, an environment variable, a file, or
// be minted locally as an RS256 JWT from a PEM private key. Chain tries
// several sources in order.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned by Chain when no source produced a token.
var ErrNoToken = errors.New("no token available")

// Static is a fixed bearer token. The empty string means no credential.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

// Env reads the token from an environment variable on every call, so a
// rotated value is picked up on the next connection attempt.
type Env string

func (e Env) Token(context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(string(e))), nil
}

// File reads the token from a file on every call.
type File string

func (f File) Token(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Source is anything that yields a bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Chain returns the first non-empty token from its sources. Source errors are
// skipped; if every source fails or is empty the joined errors are returned.
type Chain []Source

func (c Chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, src := range c {
		tok, err := src.Token(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if tok != "" {
			return tok, nil
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(append([]error{ErrNoToken}, errs...)...)
	}
	return "", nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey parses a PEM encoded RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// MinterConfig configures locally minted tokens.
type MinterConfig struct {
	UserID   int64
	Issuer   string
	Audience string
	KeyID    string        // Sets the kid header when non-empty
	TTL      time.Duration // Token lifetime (default 15m)
	Refresh  time.Duration // Mint a new token this long before expiry (default TTL/5)
}

// Minter signs short-lived RS256 JWTs for one user and reuses each token
// until it is close to expiring.
type Minter struct {
	cfg MinterConfig
	key *rsa.PrivateKey
	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewMinter creates a Minter. The key must not be nil.
func NewMinter(key *rsa.PrivateKey, cfg MinterConfig) (*Minter, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.UserID == 0 {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Refresh <= 0 || cfg.Refresh >= cfg.TTL {
		cfg.Refresh = cfg.TTL / 5
	}
	return &Minter{cfg: cfg, key: key, now: time.Now}, nil
}

// LoadMinter reads the PEM key at keyPath and creates a Minter.
func LoadMinter(keyPath string, cfg MinterConfig) (*Minter, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}
	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return NewMinter(key, cfg)
}

// Token returns a cached token, minting a new one when it is near expiry.
func (m *Minter) Token(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.token != "" && now.Before(m.expires.Add(-m.cfg.Refresh)) {
		return m.token, nil
	}

	expires := now.Add(m.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(m.cfg.UserID, 10),
		Issuer:    m.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if m.cfg.KeyID != "" {
		tok.Header["kid"] = m.cfg.KeyID
	}
	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	m.token = signed
	m.expires = expires
	return signed, nil
}
