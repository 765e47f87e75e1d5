// internal/solo/sessions.go
package solo

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/models"
)

// Drawer picks a random playable track. *catalog.Source implements it.
type Drawer interface {
	Draw(ctx context.Context, genreIDs []int) (models.Track, error)
}

type entry struct {
	track     models.Track
	createdAt time.Time
}

// Challenge is what a solo player gets before guessing: the token and the audio only.
type Challenge struct {
	SessionToken string `json:"sessionToken"`
	PreviewURL   string `json:"previewUrl"`
}

// Registry binds single-use tokens to drawn tracks.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	drawer  Drawer
	now     func() time.Time
}

// NewRegistry returns an empty registry whose tokens expire after ttl.
func NewRegistry(drawer Drawer, ttl time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		ttl:     ttl,
		drawer:  drawer,
		now:     time.Now,
	}
}

// Issue draws a track (from genreIDs, or all genres when empty) and returns a fresh challenge.
// Expired entries are swept first.
func (r *Registry) Issue(ctx context.Context, genreIDs ...int) (Challenge, error) {
	r.sweep()

	track, err := r.drawer.Draw(ctx, genreIDs)
	if err != nil {
		return Challenge{}, err
	}
	token, err := newToken()
	if err != nil {
		return Challenge{}, fmt.Errorf("failed to mint session token: %w", err)
	}

	r.mu.Lock()
	r.entries[token] = entry{track: track, createdAt: r.now()}
	r.mu.Unlock()

	return Challenge{SessionToken: token, PreviewURL: track.PreviewURL}, nil
}

// Reveal consumes token and returns the bound song.
func (r *Registry) Reveal(token string) (models.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return models.Song{}, fmt.Errorf("%w: game session not found or expired", apperr.ErrNotFound)
	}
	delete(r.entries, token)
	if r.now().Sub(e.createdAt) > r.ttl {
		return models.Song{}, fmt.Errorf("%w: game session not found or expired", apperr.ErrNotFound)
	}
	return e.track.Song(), nil
}

// Len reports how many challenges are outstanding.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for token, e := range r.entries {
		if now.Sub(e.createdAt) > r.ttl {
			delete(r.entries, token)
		}
	}
}

// newToken returns 32 random bytes, url-safe encoded.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
