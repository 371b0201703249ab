package mocks

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoRefreshToken = errors.New("no refresh token")

// Claims is the access token body understood by the admin API.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// OAuth issues HS256 tokens the way the identity provider would.
type OAuth struct {
	Secret   []byte
	Issuer   string
	Now      func() time.Time
	Redirect string

	mu            sync.Mutex
	shouldFail    bool
	refreshCalled bool
	refreshResp   *TokenSet
}

func NewOAuth(secret string) *OAuth {
	return &OAuth{
		Secret:   []byte(secret),
		Issuer:   "https://mock.auth.local/",
		Now:      time.Now,
		Redirect: "http://localhost:8888/callback",
	}
}

// Token signs an access token for sub carrying roles.
func (o *OAuth) Token(sub string, roles []string, ttl time.Duration) (string, error) {
	now := o.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    o.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.Secret)
}

func (o *OAuth) AuthorizationURL() (url, state string) {
	return "https://mock.auth.local/authorize?client_id=test", "mock_state_123"
}

func (o *OAuth) ExchangeCode(code, state string) (TokenSet, error) {
	return o.tokenSet("mock-user", "mock_refresh_token")
}

func (o *OAuth) Refresh(refreshToken string) (TokenSet, error) {
	o.mu.Lock()
	o.refreshCalled = true
	fail, resp := o.shouldFail, o.refreshResp
	o.mu.Unlock()
	if fail || refreshToken == "" {
		return TokenSet{}, ErrNoRefreshToken
	}
	if resp != nil {
		return *resp, nil
	}
	return o.tokenSet("mock-user", "refreshed_refresh_token")
}

func (o *OAuth) tokenSet(sub, refresh string) (TokenSet, error) {
	access, err := o.Token(sub, nil, time.Hour)
	if err != nil {
		return TokenSet{}, err
	}
	exp := o.Now().Add(time.Hour).UTC()
	return TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		ExpiresAt:    &exp,
		Scope:        "openid profile",
	}, nil
}

func (o *OAuth) SetRefreshResponse(t TokenSet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshResp = &t
}

func (o *OAuth) SetShouldFail(fail bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shouldFail = fail
}

func (o *OAuth) RefreshCalled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refreshCalled
}

func (o *OAuth) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shouldFail, o.refreshCalled, o.refreshResp = false, false, nil
}
