package tokenstore

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

// failingBackend returns loadErr from Load and records Clear calls.
type failingBackend struct {
	loadErr error
	pair    *TokenPair
	clears  int
}

func (b *failingBackend) Load() (*TokenPair, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.pair == nil {
		return nil, ErrNotFound
	}
	return b.pair, nil
}

func (b *failingBackend) Save(p *TokenPair) error {
	b.pair = p
	return nil
}

func (b *failingBackend) Clear() error {
	b.clears++
	b.loadErr = nil
	b.pair = nil
	return nil
}

func TestStore_SetAndGet(t *testing.T) {
	s := New(NewMemoryBackend())

	require.Nil(t, s.Tokens())

	pair := &TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}
	require.NoError(t, s.SetTokens(pair))

	got := s.Tokens()
	require.NotNil(t, got)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)

	// Returned values are copies.
	got.AccessToken = "mutated"
	assert.Equal(t, "access-1", s.Tokens().AccessToken)
}

func TestStore_SetTokensRejectsIncompletePair(t *testing.T) {
	s := New(NewMemoryBackend())

	tests := []struct {
		name string
		pair *TokenPair
	}{
		{name: "nil pair", pair: nil},
		{name: "missing refresh token", pair: &TokenPair{AccessToken: "a"}},
		{name: "missing access token", pair: &TokenPair{RefreshToken: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetTokens(tt.pair)
			assert.ErrorIs(t, err, ErrIncompletePair)
			assert.Nil(t, s.Tokens())
		})
	}
}

func TestStore_ClearTokensIsIdempotent(t *testing.T) {
	s := New(NewMemoryBackend())
	require.NoError(t, s.SetTokens(&TokenPair{AccessToken: "a", RefreshToken: "r"}))

	require.NoError(t, s.ClearTokens())
	require.Nil(t, s.Tokens())

	require.NoError(t, s.ClearTokens())
	assert.Nil(t, s.Tokens())
}

func TestStore_TokensFailsClosed(t *testing.T) {
	t.Run("load error", func(t *testing.T) {
		b := &failingBackend{loadErr: errors.New("corrupt")}
		s := New(b)

		assert.Nil(t, s.Tokens())
		assert.Equal(t, 1, b.clears, "corrupt value should be discarded")
	})

	t.Run("incomplete pair", func(t *testing.T) {
		b := &failingBackend{pair: &TokenPair{AccessToken: "lonely"}}
		s := New(b)

		assert.Nil(t, s.Tokens())
		assert.Equal(t, 1, b.clears)
		assert.Nil(t, b.pair)
	})

	t.Run("not found is not discarded", func(t *testing.T) {
		b := &failingBackend{}
		s := New(b)

		assert.Nil(t, s.Tokens())
		assert.Equal(t, 0, b.clears)
	})
}

func TestStore_SubscribePrimesAndNotifies(t *testing.T) {
	s := New(NewMemoryBackend())
	require.NoError(t, s.SetTokens(&TokenPair{AccessToken: "a1", RefreshToken: "r1"}))

	var seen []string
	s.Subscribe(func(p *TokenPair) {
		if p == nil {
			seen = append(seen, "<nil>")
			return
		}
		seen = append(seen, p.AccessToken)
	})

	require.NoError(t, s.SetTokens(&TokenPair{AccessToken: "a2", RefreshToken: "r2"}))
	require.NoError(t, s.ClearTokens())

	assert.Equal(t, []string{"a1", "a2", "<nil>"}, seen)
}

func TestStore_Unsubscribe(t *testing.T) {
	s := New(NewMemoryBackend())

	var kept, dropped int
	s.Subscribe(func(*TokenPair) { kept++ })
	unsubscribe := s.Subscribe(func(*TokenPair) { dropped++ })

	require.NoError(t, s.SetTokens(&TokenPair{AccessToken: "a1", RefreshToken: "r1"}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, s.SetTokens(&TokenPair{AccessToken: "a2", RefreshToken: "r2"}))
	require.NoError(t, s.ClearTokens())

	// one priming call each, then every change
	assert.Equal(t, 4, kept)
	assert.Equal(t, 2, dropped)
}

func TestStore_NeedsRefreshLookaheadBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(NewMemoryBackend(), WithClock(func() time.Time { return now }))
	window := s.Lookahead()
	require.Equal(t, 60*time.Second, window)

	tests := []struct {
		name string
		exp  time.Time
		want bool
	}{
		{name: "already expired", exp: now.Add(-time.Minute), want: true},
		{name: "window minus one second", exp: now.Add(window - time.Second), want: true},
		{name: "window plus one second", exp: now.Add(window + time.Second), want: false},
		{name: "far future", exp: now.Add(time.Hour), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.NeedsRefresh(mintToken(t, tt.exp)))
		})
	}
}

func TestStore_NeedsRefreshUndecodable(t *testing.T) {
	s := New(NewMemoryBackend())

	assert.True(t, s.NeedsRefresh(""))
	assert.True(t, s.NeedsRefresh("not-a-jwt"))

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"})
	signed, err := noExp.SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, s.NeedsRefresh(signed))
}

func TestStore_CustomLookahead(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(
		NewMemoryBackend(),
		WithLookahead(5*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	assert.True(t, s.NeedsRefresh(mintToken(t, now.Add(4*time.Minute))))
	assert.False(t, s.NeedsRefresh(mintToken(t, now.Add(6*time.Minute))))
}

func TestExpiresAt(t *testing.T) {
	exp := time.Unix(1_800_000_000, 0)

	got, ok := ExpiresAt(mintToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = ExpiresAt("garbage")
	assert.False(t, ok)
}
