package collab

import (
	"context"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenStore is the external holder of the bearer credential. The client
// reads and refreshes tokens through it and never stores them itself.
type TokenStore interface {
	// CurrentToken returns the token to present, or false when there is none.
	CurrentToken() (string, bool)
	// RefreshToken exchanges the current token for a new one.
	RefreshToken(ctx context.Context) bool
}

// StaticTokens is a TokenStore holding a fixed token. Refresh fails unless
// a RefreshFunc is set.
type StaticTokens struct {
	mu          sync.Mutex
	token       string
	RefreshFunc func(ctx context.Context, current string) (string, error)
}

func NewStaticTokens(token string) *StaticTokens {
	return &StaticTokens{token: token}
}

func (s *StaticTokens) CurrentToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *StaticTokens) RefreshToken(ctx context.Context) bool {
	s.mu.Lock()
	current, refresh := s.token, s.RefreshFunc
	s.mu.Unlock()
	if refresh == nil {
		return false
	}
	next, err := refresh(ctx, current)
	if err != nil || next == "" {
		return false
	}
	s.SetToken(next)
	return true
}

func (s *StaticTokens) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// tokenClaims reads the registered claims of a JWT without verifying it.
// The server verifies; the client only needs the expiry and subject.
func tokenClaims(token string) (*gojwt.RegisteredClaims, error) {
	claims := &gojwt.RegisteredClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// tokenExpiry returns the exp claim of token, if it has one.
func tokenExpiry(token string) (time.Time, bool) {
	claims, err := tokenClaims(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func tokenSubject(token string) string {
	claims, err := tokenClaims(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}
