package conversync

import (
	"errors"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Session
// ============================================================================

// ErrNoSession is returned when no session is currently available. The
// session is externally issued; this core only reads it.
var ErrNoSession = errors.New("no session available")

// Session is the actor identity the engine operates as.
type Session struct {
	Token string
	Actor Identity
}

// SessionProvider exposes the current session. Implementations may be
// transiently empty at startup; callers retry availability.
type SessionProvider interface {
	Session() (Session, error)
}

// sessionClaims are the identity claims carried by the issued token.
type sessionClaims struct {
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// SessionFromToken derives the actor identity from an externally issued JWT.
// The token is not validated here: the server is authoritative and this core
// only needs the identity claims for self-message suppression and optimistic
// authorship.
func SessionFromToken(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoSession
	}
	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, err
	}
	return Session{
		Token: token,
		Actor: Identity{ID: claims.Subject, DisplayName: claims.DisplayName},
	}, nil
}

// TokenSource is a SessionProvider over a settable token. Set may be called
// after construction once the host application finishes its auth bootstrap.
type TokenSource struct {
	mu    sync.RWMutex
	token string
}

// NewTokenSource returns a TokenSource holding the given token; "" means the
// session is not yet available.
func NewTokenSource(token string) *TokenSource {
	return &TokenSource{token: token}
}

// Set replaces the held token.
func (t *TokenSource) Set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Session implements SessionProvider.
func (t *TokenSource) Session() (Session, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	return SessionFromToken(token)
}
