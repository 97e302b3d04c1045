// Package tokenstore holds the process-wide access/refresh token pair.
//
// A Store reads through a persistence Backend on every lookup so that tokens
// written by another process sharing the same file are picked up. All writes
// go through SetTokens and ClearTokens, which also notify subscribers (the
// HTTP client uses this to keep its default Authorization header current).
package tokenstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultLookahead is the margin before expiry at which an access token is
// treated as needing a refresh.
const DefaultLookahead = 60 * time.Second

var (
	// ErrNotFound is returned by a Backend when no tokens are persisted.
	ErrNotFound = errors.New("tokens not found")

	// ErrIncompletePair is returned when a pair is missing one of its tokens.
	ErrIncompletePair = errors.New("token pair must carry both access and refresh tokens")
)

// TokenPair is the access/refresh token pair issued by the auth endpoints.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Valid reports whether both tokens are present.
func (p *TokenPair) Valid() bool {
	return p != nil && p.AccessToken != "" && p.RefreshToken != ""
}

func (p *TokenPair) clone() *TokenPair {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Backend persists a single TokenPair.
type Backend interface {
	// Load returns ErrNotFound when nothing is stored.
	Load() (*TokenPair, error)
	Save(pair *TokenPair) error
	// Clear must succeed when nothing is stored.
	Clear() error
}

// Option configures a Store.
type Option func(*Store)

// WithLookahead overrides DefaultLookahead.
func WithLookahead(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lookahead = d
		}
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for load failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is the single owner of the persisted TokenPair.
type Store struct {
	mu          sync.Mutex
	backend     Backend
	lookahead   time.Duration
	now         func() time.Time
	log         *slog.Logger
	subscribers map[uint64]func(*TokenPair)
	nextSubID   uint64
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		lookahead: DefaultLookahead,
		now:       time.Now,
		log:       slog.Default(),

		subscribers: make(map[uint64]func(*TokenPair)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens returns the stored pair, or nil when nothing usable is stored.
// A value that cannot be read or is incomplete is discarded.
func (s *Store) Tokens() *TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.backend.Load()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("token_load_failed", slog.String("err", err.Error()))
			s.discardLocked()
		}
		return nil
	}
	if !pair.Valid() {
		s.log.Warn("token_pair_incomplete")
		s.discardLocked()
		return nil
	}
	return pair.clone()
}

// SetTokens persists pair and notifies subscribers.
func (s *Store) SetTokens(pair *TokenPair) error {
	if !pair.Valid() {
		return ErrIncompletePair
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(pair.clone()); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	s.notifyLocked(pair)
	return nil
}

// ClearTokens removes the persisted pair and notifies subscribers with nil.
// Calling it on an empty store is a no-op apart from the notification.
func (s *Store) ClearTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Clear(); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	s.notifyLocked(nil)
	return nil
}

// Subscribe registers fn for token changes and immediately calls it with the
// currently stored pair. fn must not call back into the Store. The returned
// func removes the subscription; calling it more than once is harmless.
func (s *Store) Subscribe(fn func(*TokenPair)) (unsubscribe func()) {
	current := s.Tokens()

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// discardLocked drops a corrupt persisted value.
func (s *Store) discardLocked() {
	if err := s.backend.Clear(); err != nil {
		s.log.Warn("token_discard_failed", slog.String("err", err.Error()))
	}
	s.notifyLocked(nil)
}

func (s *Store) notifyLocked(pair *TokenPair) {
	for _, fn := range s.subscribers {
		fn(pair.clone())
	}
}
