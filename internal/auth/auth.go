// Package auth verifies client access tokens presented on the WebSocket
// handshake and issues the short-lived, username-scoped upload tokens handed
// out over the event protocol. Both sides are HMAC-signed JWTs; the HTTP
// surfaces that mint access tokens and consume upload tokens live outside
// this server.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token fails signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	scopeAccess = "access"
	scopeUpload = "upload"
)

// Claims is the verified identity carried by an access token.
type Claims struct {
	UserID   string
	Username string
}

type tokenClaims struct {
	Username string `json:"username"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Manager verifies access tokens and mints upload tokens with a shared HMAC
// secret.
type Manager struct {
	secret         []byte
	issuer         string
	uploadTokenTTL time.Duration
}

// NewManager creates a token manager. ttl bounds upload-token lifetime;
// non-positive means 10 minutes.
func NewManager(secret, issuer string, uploadTokenTTL time.Duration) *Manager {
	if uploadTokenTTL <= 0 {
		uploadTokenTTL = 10 * time.Minute
	}
	return &Manager{
		secret:         []byte(secret),
		issuer:         issuer,
		uploadTokenTTL: uploadTokenTTL,
	}
}

// VerifyAccess validates an access token and returns its identity claims.
func (m *Manager) VerifyAccess(tokenString string) (Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if claims.Scope != scopeAccess {
		return Claims{}, fmt.Errorf("%w: wrong scope %q", ErrInvalidToken, claims.Scope)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Claims{UserID: claims.Subject, Username: claims.Username}, nil
}

// UploadToken mints a short-lived credential scoped to the username for the
// out-of-band HTTP upload endpoint.
func (m *Manager) UploadToken(username string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Username: username,
		Scope:    scopeUpload,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.uploadTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifyUpload validates an upload token and returns the username it is
// scoped to. Used by the upload service; kept here so issue and verify share
// one definition of the claims.
func (m *Manager) VerifyUpload(tokenString string) (string, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Scope != scopeUpload {
		return "", fmt.Errorf("%w: wrong scope %q", ErrInvalidToken, claims.Scope)
	}
	return claims.Username, nil
}

func (m *Manager) parse(tokenString string) (*tokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueAccess mints an access token for a user. The production token issuer
// is the external authentication service; this is used by tests and local
// development tooling.
func (m *Manager) IssueAccess(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Username: username,
		Scope:    scopeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
