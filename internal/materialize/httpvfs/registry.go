// Package httpvfs implements the virtual-HTTP materialization strategy.
// MaterializeEntry writes a ".strm" pointer file whose single line is a
// token-routed URL; Server answers HEAD/GET/Range requests against that
// token by re-opening the archive entry on demand. Grounded on a
// fiber-based HTTP surface and a range-serving handler adapted from a
// stdlib http.ServeContent-backed handler to fasthttp's raw body-stream
// writer so multi-range requests can be rejected outright with 416.
package httpvfs

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/javi11/rarbridge/internal/archive"
)

// Registration is one token's routing entry.
type Registration struct {
	Token       string
	ArchivePath string // first volume path, the Archive Reader's open() handle
	EntryPath   string
	Size        int64
	Password    string
	RegisteredAt time.Time
}

// Registry holds all live token registrations for this process. Reads are
// concurrent; inserts are copy-on-write; removal (rare, only at explicit
// release) takes a short write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration

	sessions *lru.Cache[string, *archive.Session] // archive path -> opened session, avoids re-listing on every ranged GET
}

// NewRegistry creates a Registry. sessionCacheSize bounds how many distinct
// archive sets keep a parsed Session cached between requests.
func NewRegistry(sessionCacheSize int) *Registry {
	if sessionCacheSize <= 0 {
		sessionCacheSize = 32
	}
	cache, _ := lru.New[string, *archive.Session](sessionCacheSize)
	return &Registry{
		entries:  make(map[string]Registration),
		sessions: cache,
	}
}

// Register adds a new token. Tokens are shared-capable: one handle
// may back multiple pointer files, so re-registering the same
// (archivePath, entryPath) pair under a fresh token is expected and always
// allowed.
func (r *Registry) Register(archivePath, entryPath string, size int64, password string) Registration {
	reg := Registration{
		Token:        NewToken(),
		ArchivePath:  archivePath,
		EntryPath:    entryPath,
		Size:         size,
		Password:     password,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	next := make(map[string]Registration, len(r.entries)+1)
	for k, v := range r.entries {
		next[k] = v
	}
	next[reg.Token] = reg
	r.entries = next
	r.mu.Unlock()

	return reg
}

// Lookup returns the registration for token, or false if unknown or
// released.
func (r *Registry) Lookup(token string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[token]
	return reg, ok
}

// Release removes a token's registration. Tokens are held for process
// lifetime by default; Release exists for explicit early teardown of a
// mount/VFS handle, not for routine disposal.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[token]; !ok {
		return
	}
	next := make(map[string]Registration, len(r.entries))
	for k, v := range r.entries {
		if k != token {
			next[k] = v
		}
	}
	r.entries = next
}

// openSession returns a parsed Session for archivePath, reusing a cached
// one when present so concurrent ranged requests against the same token
// don't each re-list the archive's entry table. The return type is the
// narrow archive.EntryOpener interface rather than *archive.Session so
// Server.openSession can be swapped for a fixture in tests.
func (r *Registry) openSession(archivePath, password string) (archive.EntryOpener, error) {
	if cached, ok := r.sessions.Get(archivePath); ok {
		return cached, nil
	}

	session, err := archive.Open(archivePath, password)
	if err != nil {
		return nil, fmt.Errorf("httpvfs: open archive for streaming: %w", err)
	}
	r.sessions.Add(archivePath, session)
	return session, nil
}

// Len reports the number of live token registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
