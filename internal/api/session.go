package api

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrSessionExpired = errors.New("api: session token expired")

// Session holds the bearer token for the authenticated session. The token is
// issued and signed by the auth service; the client only inspects its expiry
// claim (unverified parse, we hold no verification key) so callers get
// ErrSessionExpired before wasting a round trip.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func NewSession(token string) *Session {
	s := &Session{}
	s.SetToken(token)
	return s
}

func (s *Session) SetToken(token string) {
	var exp time.Time
	parser := jwt.NewParser()
	if tok, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err == nil {
		if t, err := tok.Claims.GetExpirationTime(); err == nil && t != nil {
			exp = t.Time
		}
	}
	s.mu.Lock()
	s.token = token
	s.expiresAt = exp
	s.mu.Unlock()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Check returns ErrSessionExpired when the token carries an exp claim in the
// past. Tokens without a parseable exp are passed through; the service is
// the authority.
func (s *Session) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return ErrSessionExpired
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		return ErrSessionExpired
	}
	return nil
}
