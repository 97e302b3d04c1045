package tokenstore

import "sync"

// MemoryBackend keeps the pair in process memory only.
type MemoryBackend struct {
	mu   sync.Mutex
	pair *TokenPair
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load() (*TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pair == nil {
		return nil, ErrNotFound
	}
	return m.pair.clone(), nil
}

func (m *MemoryBackend) Save(pair *TokenPair) error {
	if !pair.Valid() {
		return ErrIncompletePair
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = pair.clone()
	return nil
}

func (m *MemoryBackend) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = nil
	return nil
}
