package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultProfile is used when a FileBackend is created without a profile.
const DefaultProfile = "default"

// storedTokens is one profile entry in the token file.
type storedTokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	SavedAt      time.Time `json:"savedAt"`
}

// tokenFile is the on-disk layout; several profiles (accounts) can share a
// file.
type tokenFile struct {
	Profiles map[string]*storedTokens `json:"profiles"`
}

// FileBackend persists tokens as JSON in a file shared between processes.
// Writes take a lock file and replace the file atomically.
type FileBackend struct {
	path    string
	profile string
	log     *slog.Logger
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithFileLogger sets the logger used for lock diagnostics.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(f *FileBackend) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFileBackend stores the pair for profile in the file at path.
func NewFileBackend(path, profile string, opts ...FileOption) *FileBackend {
	if profile == "" {
		profile = DefaultProfile
	}
	f := &FileBackend{path: path, profile: profile, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the token file location.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load() (*TokenPair, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	entry, ok := tf.Profiles[f.profile]
	if !ok || entry == nil {
		return nil, ErrNotFound
	}
	return &TokenPair{AccessToken: entry.AccessToken, RefreshToken: entry.RefreshToken}, nil
}

func (f *FileBackend) Save(pair *TokenPair) error {
	if !pair.Valid() {
		return ErrIncompletePair
	}
	return f.update(func(tf *tokenFile) {
		tf.Profiles[f.profile] = &storedTokens{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			SavedAt:      time.Now().UTC(),
		}
	})
}

func (f *FileBackend) Clear() error {
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return f.update(func(tf *tokenFile) {
		delete(tf.Profiles, f.profile)
	})
}

// update applies mutate to the current file contents under the lock, keeping
// the entries of other profiles.
func (f *FileBackend) update(mutate func(*tokenFile)) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock, err := lockFile(ctx, f.path, f.log)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	// unlock logs its own failure; the write itself already succeeded.
	defer func() { _ = lock.unlock() }()

	var tf tokenFile
	if existing, err := os.ReadFile(f.path); err == nil {
		// A corrupt file is replaced rather than blocking the write.
		if unmarshalErr := json.Unmarshal(existing, &tf); unmarshalErr != nil {
			tf = tokenFile{}
		}
	}
	if tf.Profiles == nil {
		tf.Profiles = make(map[string]*storedTokens)
	}

	mutate(&tf)

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
