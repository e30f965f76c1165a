package hub

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the /login and /refresh response shape: {access_token,
// refresh_token} (refresh_token empty on a /refresh response).
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// claims is the JWT payload for both access and refresh tokens,
// distinguished by Kind.
type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Kind     string `json:"kind"`
}

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// TokenIssuer mints and verifies access/refresh JWTs for a single signing
// secret.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer builds a TokenIssuer. accessTTL is the bearer token
// lifetime enforced on every WS connection and HTTP call; refreshTTL is
// how long a refresh token may be exchanged for a new access token.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// IssuePair mints a fresh access+refresh token pair for username.
func (t *TokenIssuer) IssuePair(username string) (TokenPair, error) {
	access, err := t.sign(username, kindAccess, t.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.sign(username, kindRefresh, t.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh validates a refresh token and mints a new access token, without
// issuing a new refresh token.
func (t *TokenIssuer) Refresh(refreshToken string) (TokenPair, error) {
	c, err := t.verify(refreshToken, kindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	access, err := t.sign(c.Username, kindAccess, t.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access}, nil
}

// VerifyAccess validates a bearer access token and returns its username.
func (t *TokenIssuer) VerifyAccess(token string) (string, error) {
	c, err := t.verify(token, kindAccess)
	if err != nil {
		return "", err
	}
	return c.Username, nil
}

func (t *TokenIssuer) sign(username, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: username,
		Kind:     kind,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(t.secret)
}

func (t *TokenIssuer) verify(tokenStr, wantKind string) (*claims, error) {
	c := &claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, c, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("hub: invalid token")
	}
	if c.Kind != wantKind {
		return nil, errors.New("hub: wrong token kind")
	}
	return c, nil
}
