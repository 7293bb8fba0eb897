package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// Session is the access/refresh token pair.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// IsZero reports whether the session holds no tokens.
func (s Session) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == ""
}

func sessionFromToken(tok *oauth2.Token) *Session {
	return &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// State is the lifecycle state of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthorizing
	StateExchanging
	StateAuthenticated
	StateRefreshing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthorizing:
		return "authorizing"
	case StateExchanging:
		return "exchanging"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
