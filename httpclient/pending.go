package httpclient

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// pendingWindow is how long a dispatched request stays tracked.
const pendingWindow = 2 * time.Second

// pendingTracker remembers recently dispatched request keys so that
// responses and duplicates can be logged. It never blocks or coalesces
// requests.
type pendingTracker struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
}

func newPendingTracker(window time.Duration) *pendingTracker {
	return &pendingTracker{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

// track records key and reports true when it was not already tracked.
func (p *pendingTracker) track(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		return false
	}
	started := time.Now()
	p.entries[key] = started
	time.AfterFunc(p.window, func() { p.expire(key, started) })
	return true
}

// expire removes key unless it was re-tracked since started.
func (p *pendingTracker) expire(key string, started time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if at, ok := p.entries[key]; ok && at.Equal(started) {
		delete(p.entries, key)
	}
}

// startedAt returns when key was tracked, if it still is.
func (p *pendingTracker) startedAt(key string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	at, ok := p.entries[key]
	return at, ok
}

func (p *pendingTracker) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// requestKey identifies a request by method, URL and sorted query.
func requestKey(method string, u *url.URL) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if q := u.Query(); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	return b.String()
}
