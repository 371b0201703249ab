package mocks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPResponsesAndSequences(t *testing.T) {
	h := NewHTTP()
	h.AddResponse("https://example.com/", 200, "OK")
	h.AddSequence("https://api.example.com/x",
		SequenceStep{Status: 200, Body: "First"},
		SequenceStep{Status: 404, Body: "Not Found"},
	)
	c := h.Client()

	resp, err := c.Get("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = c.Get("https://api.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
	resp, err = c.Get("https://api.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()

	_, err = c.Get("https://api.example.com/x")
	assert.Error(t, err, "sequence exhausted with no fallback")

	_, err = c.Post("https://missing.example.com/", "application/json", strings.NewReader(`{"a":1}`))
	assert.Error(t, err)
	last, ok := h.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "POST", last.Method)
	assert.JSONEq(t, `{"a":1}`, string(last.Body))

	assert.Equal(t, 1, h.RequestCount("https://example.com/"))
	assert.Equal(t, 3, h.RequestCount("https://api.example.com/x"))
	assert.True(t, h.WasCalled("https://missing.example.com/"))
	h.ClearRequests()
	assert.Empty(t, h.Requests())
}

func TestKeychainTokens(t *testing.T) {
	k := NewKeychain("pulsearc")
	exp := time.Unix(1729756800, 0).UTC()
	require.NoError(t, k.StoreTokens("alice", TokenSet{AccessToken: "a", RefreshToken: "r", ExpiresIn: 60, ExpiresAt: &exp, Scope: "openid"}))
	assert.True(t, k.HasTokens("alice"))

	got, err := k.Tokens("alice")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "r", got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.Equal(t, int64(60), got.ExpiresIn)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.True(t, got.Expired(exp))

	require.NoError(t, k.DeleteTokens("alice"))
	_, err = k.Tokens("alice")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestKeychainGetOrCreateKey(t *testing.T) {
	k := NewKeychain("pulsearc")
	key, err := k.GetOrCreateKey("queue", 32)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	again, err := k.GetOrCreateKey("queue", 32)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	k.Clear()
	assert.False(t, k.HasSecret("queue"))
}

func TestOAuthTokensVerify(t *testing.T) {
	o := NewOAuth("test-secret")
	signed, err := o.Token("alice", []string{"admin"}, time.Minute)
	require.NoError(t, err)

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) { return []byte("test-secret"), nil })
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	ts, err := o.ExchangeCode("code", "state")
	require.NoError(t, err)
	assert.Equal(t, "mock_refresh_token", ts.RefreshToken)

	o.SetShouldFail(true)
	_, err = o.Refresh("r")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.True(t, o.RefreshCalled())

	o.Reset()
	o.SetRefreshResponse(TokenSet{AccessToken: "custom"})
	ts, err = o.Refresh("r")
	require.NoError(t, err)
	assert.Equal(t, "custom", ts.AccessToken)
}

func TestStorageAndClock(t *testing.T) {
	s := NewStorage()
	s.Set("b", "2")
	s.Set("a", "1")
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"a", "b"}, s.Keys())
	s.Delete("a")
	assert.Equal(t, 1, s.Len())
	s.Clear()
	assert.Zero(t, s.Len())

	c := NewClock(time.Unix(0, 0))
	require.NoError(t, c.Sleep(context.Background(), time.Second))
	assert.Equal(t, int64(1), c.Now().Unix())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Sleep(ctx, time.Second))
}

func TestWbsRepoSearch(t *testing.T) {
	r := NewWbsRepo(SampleRegistry())
	ctx := context.Background()

	n, err := r.CountActiveWbs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	hits, err := r.SearchKeyword(ctx, "astr", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = r.SearchKeyword(ctx, "harbor logistics", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "USC0071000.1.1", hits[0].WbsCode)

	common, err := r.LoadCommonProjects(ctx, 20)
	require.NoError(t, err)
	require.Len(t, common, 2)
	assert.Equal(t, "USC0063201.1.1", common[0].WbsCode)
	assert.Equal(t, []string{"astr", "harbor logistics"}, r.Searches())
}
