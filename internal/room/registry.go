// internal/room/registry.go
package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/sirupsen/logrus"
)

// FriendChecker answers whether two users are mutually accepted friends.
// *database.FriendGraph implements it.
type FriendChecker interface {
	AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// DefaultIdleTTL is how long an empty room survives before the sweep discards it.
const DefaultIdleTTL = 30 * time.Minute

const maxCodeAttempts = 16

// Registry is the process-wide directory of active rooms.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	friends  FriendChecker
	drawer   TrackDrawer
	settings Settings
	idleTTL  time.Duration
	log      *logrus.Logger

	now     func() time.Time
	newCode func() (string, error)
}

// RegistryOptions configures NewRegistry. Zero values fall back to defaults.
type RegistryOptions struct {
	Friends  FriendChecker
	Drawer   TrackDrawer
	Settings Settings
	IdleTTL  time.Duration
	Logger   *logrus.Logger
}

// NewRegistry returns an empty directory.
func NewRegistry(opts RegistryOptions) *Registry {
	settings := opts.Settings
	if settings.RoundDuration <= 0 {
		settings.RoundDuration = DefaultSettings.RoundDuration
	}
	if settings.ThinkDuration <= 0 {
		settings.ThinkDuration = DefaultSettings.ThinkDuration
	}
	if settings.DrawTimeout <= 0 {
		settings.DrawTimeout = DefaultSettings.DrawTimeout
	}
	idle := opts.IdleTTL
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		rooms:    make(map[string]*Room),
		friends:  opts.Friends,
		drawer:   opts.Drawer,
		settings: settings,
		idleTTL:  idle,
		log:      logger,
		now:      time.Now,
		newCode:  GenerateCode,
	}
}

// Create registers a new room in the lobby and returns its id. Every invitee must be an
// accepted friend of the creator. Duplicates and the creator's own id are ignored.
func (r *Registry) Create(ctx context.Context, creatorID uuid.UUID, creatorName string, invitedIDs []uuid.UUID) (string, error) {
	invited := make([]uuid.UUID, 0, len(invitedIDs))
	seen := make(map[uuid.UUID]bool, len(invitedIDs))
	for _, id := range invitedIDs {
		if id == creatorID || id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		invited = append(invited, id)
	}
	if len(invited) == 0 {
		return "", fmt.Errorf("%w: invite at least one friend", apperr.ErrInvalidRequest)
	}

	if r.friends != nil {
		for _, id := range invited {
			ok, err := r.friends.AreFriends(ctx, creatorID, id)
			if err != nil {
				r.log.WithError(err).Warn("friend lookup failed")
				return "", fmt.Errorf("%w: could not verify friendships", apperr.ErrUpstreamUnavailable)
			}
			if !ok {
				return "", fmt.Errorf("%w: user %s is not your friend", apperr.ErrInvalidRequest, id)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	id, err := r.uniqueCodeLocked()
	if err != nil {
		return "", err
	}
	rm := newRoom(id, creatorID, creatorName, invited, r.settings, r.drawer, r.log)
	rm.CreatedAt = r.now()
	rm.onEmpty = r.remove
	r.rooms[id] = rm
	r.log.WithField("room", id).Infof("room created by %s with %d invitees", creatorName, len(invited))
	return id, nil
}

func (r *Registry) uniqueCodeLocked() (string, error) {
	for range maxCodeAttempts {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a free room id after %d attempts", maxCodeAttempts)
}

// Get resolves a room id.
func (r *Registry) Get(id string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: room not found", apperr.ErrNotFound)
	}
	return rm, nil
}

// List returns the rooms where userID is creator or invitee, newest first.
func (r *Registry) List(userID uuid.UUID) []Summary {
	r.mu.Lock()
	r.sweepLocked()
	visible := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		if rm.Allowed(userID) {
			visible = append(visible, rm)
		}
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(visible))
	for _, rm := range visible {
		out = append(out, rm.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Close tears down a room on behalf of its creator.
func (r *Registry) Close(id string, byUserID uuid.UUID) error {
	r.mu.Lock()
	r.sweepLocked()
	rm, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: room not found", apperr.ErrNotFound)
	}
	if rm.CreatorID != byUserID {
		r.mu.Unlock()
		return fmt.Errorf("%w: only the creator can close the room", apperr.ErrForbidden)
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	rm.Close("The room was closed by its creator")
	r.log.WithField("room", id).Info("room closed by creator")
	return nil
}

// Len returns the number of registered rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown closes every room.
func (r *Registry) Shutdown(message string) {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for id, rm := range r.rooms {
		rooms = append(rooms, rm)
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	for _, rm := range rooms {
		rm.Close(message)
	}
}

// remove is the rooms' empty callback. Live rooms are left alone.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	rm, ok := r.rooms[id]
	if ok && rm.isClosed() {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
}

// sweepLocked discards rooms that have been empty past the idle TTL.
func (r *Registry) sweepLocked() {
	now := r.now()
	for id, rm := range r.rooms {
		if now.Sub(rm.CreatedAt) <= r.idleTTL || rm.PlayerCount() > 0 {
			continue
		}
		delete(r.rooms, id)
		rm.Close("")
		r.log.WithField("room", id).Info("swept idle empty room")
	}
}
