package tokenstore

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTokenFile(t *testing.T, path string) tokenFile {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var tf tokenFile
	require.NoError(t, json.Unmarshal(data, &tf))
	return tf
}

func TestFileBackend_LoadMissingFile(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "tokens.json"), "")

	_, err := b.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	b := NewFileBackend(path, "alice")

	require.NoError(t, b.Save(&TokenPair{AccessToken: "access-a", RefreshToken: "refresh-a"}))

	got, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-a", got.AccessToken)
	assert.Equal(t, "refresh-a", got.RefreshToken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileBackend_PreservesOtherProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	alice := NewFileBackend(path, "alice")
	bob := NewFileBackend(path, "bob")

	require.NoError(t, alice.Save(&TokenPair{AccessToken: "a", RefreshToken: "ra"}))
	require.NoError(t, bob.Save(&TokenPair{AccessToken: "b", RefreshToken: "rb"}))

	tf := readTokenFile(t, path)
	require.Len(t, tf.Profiles, 2)
	assert.Equal(t, "a", tf.Profiles["alice"].AccessToken)
	assert.Equal(t, "b", tf.Profiles["bob"].AccessToken)

	require.NoError(t, alice.Clear())
	tf = readTokenFile(t, path)
	assert.NotContains(t, tf.Profiles, "alice")
	assert.Contains(t, tf.Profiles, "bob")
}

func TestFileBackend_ClearIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	b := NewFileBackend(path, "")

	require.NoError(t, b.Clear(), "clear without a file")

	require.NoError(t, b.Save(&TokenPair{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, b.Clear())
	require.NoError(t, b.Clear())

	_, err := b.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	b := NewFileBackend(path, "")
	_, err := b.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	// The store discards the corrupt value instead of surfacing it.
	s := New(b)
	assert.Nil(t, s.Tokens())

	// And the next save replaces the corrupt file.
	require.NoError(t, s.SetTokens(&TokenPair{AccessToken: "a", RefreshToken: "r"}))
	assert.Equal(t, "a", s.Tokens().AccessToken)
}

func TestFileBackend_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()

			b := NewFileBackend(path, fmt.Sprintf("profile-%d", id))
			pair := &TokenPair{
				AccessToken:  fmt.Sprintf("access-token-%d", id),
				RefreshToken: fmt.Sprintf("refresh-token-%d", id),
			}
			if err := b.Save(pair); err != nil {
				t.Errorf("goroutine %d: failed to save tokens: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	tf := readTokenFile(t, path)
	require.Len(t, tf.Profiles, goroutines)
	for i := 0; i < goroutines; i++ {
		entry, ok := tf.Profiles[fmt.Sprintf("profile-%d", i)]
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("access-token-%d", i), entry.AccessToken)
	}

	_, err := os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file should be removed")
}

func BenchmarkFileBackend_Save(b *testing.B) {
	backend := NewFileBackend(filepath.Join(b.TempDir(), "tokens.json"), "bench")
	pair := &TokenPair{AccessToken: "access-token", RefreshToken: "refresh-token"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := backend.Save(pair); err != nil {
			b.Fatalf("failed to save tokens: %v", err)
		}
	}
}

func TestFileBackend_UsesInjectedLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	lockPath := path + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("1"), 0o600))
	old := time.Now().Add(-staleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	var buf bytes.Buffer
	b := NewFileBackend(path, "", WithFileLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, b.Save(&TokenPair{AccessToken: "access-token", RefreshToken: "refresh-token"}))

	assert.True(t, strings.Contains(buf.String(), "token_lock_stale_removed"), buf.String())
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file left behind")
}
