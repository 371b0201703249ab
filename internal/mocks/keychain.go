package mocks

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrSecretNotFound = errors.New("secret not found")

// TokenSet is an OAuth token response as stored on the device.
type TokenSet struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	IDToken      string     `json:"id_token,omitempty"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t TokenSet) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Keychain is an in-memory secret store for one service name.
type Keychain struct {
	Service string

	mu      sync.Mutex
	secrets map[string]string
}

func NewKeychain(service string) *Keychain {
	return &Keychain{Service: service, secrets: map[string]string{}}
}

func (k *Keychain) SetSecret(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[key] = value
	return nil
}

func (k *Keychain) Secret(key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (k *Keychain) DeleteSecret(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.secrets, key)
	return nil
}

func (k *Keychain) HasSecret(key string) bool {
	_, err := k.Secret(key)
	return err == nil
}

type tokenMetadata struct {
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
	IDToken   string `json:"id_token,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// StoreTokens splits the token set into access, refresh and metadata entries.
func (k *Keychain) StoreTokens(account string, t TokenSet) error {
	meta := tokenMetadata{ExpiresIn: t.ExpiresIn, TokenType: t.TokenType, IDToken: t.IDToken, Scope: t.Scope}
	if t.ExpiresAt != nil {
		ts := t.ExpiresAt.Unix()
		meta.ExpiresAt = &ts
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets["access."+account] = t.AccessToken
	if t.RefreshToken != "" {
		k.secrets["refresh."+account] = t.RefreshToken
	}
	k.secrets["metadata."+account] = string(data)
	return nil
}

func (k *Keychain) Tokens(account string) (TokenSet, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	access, ok := k.secrets["access."+account]
	if !ok {
		return TokenSet{}, ErrSecretNotFound
	}
	raw, ok := k.secrets["metadata."+account]
	if !ok {
		return TokenSet{}, ErrSecretNotFound
	}
	var meta tokenMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return TokenSet{}, err
	}
	t := TokenSet{
		AccessToken:  access,
		RefreshToken: k.secrets["refresh."+account],
		IDToken:      meta.IDToken,
		TokenType:    meta.TokenType,
		ExpiresIn:    meta.ExpiresIn,
		Scope:        meta.Scope,
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	if t.ExpiresIn == 0 {
		t.ExpiresIn = 3600
	}
	if meta.ExpiresAt != nil {
		at := time.Unix(*meta.ExpiresAt, 0).UTC()
		t.ExpiresAt = &at
	}
	return t, nil
}

func (k *Keychain) DeleteTokens(account string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range []string{"access.", "refresh.", "metadata."} {
		delete(k.secrets, p+account)
	}
	return nil
}

func (k *Keychain) HasTokens(account string) bool { return k.HasSecret("access." + account) }

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GetOrCreateKey returns the stored key or generates and stores a new
// alphanumeric key of size characters.
func (k *Keychain) GetOrCreateKey(keyID string, size int) (string, error) {
	if v, err := k.Secret(keyID); err == nil {
		return v, nil
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	key := string(buf)
	return key, k.SetSecret(keyID, key)
}

func (k *Keychain) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.secrets)
}
