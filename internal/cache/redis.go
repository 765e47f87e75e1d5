// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oidomusical/rooms/internal/models"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key this package writes.
var KeyPrefix = "oidomusical:catalog"

// Connect opens a Redis client and verifies it answers a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Mirror keeps a copy of the last good catalogue fetches in Redis so that a freshly started
// process can still serve stale data while the upstream is down.
type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
}

type chartSnapshot struct {
	Tracks    []models.Track `json:"tracks"`
	FetchedAt int64          `json:"fetched_at"`
}

type genreSnapshot struct {
	Genres    []models.Genre `json:"genres"`
	FetchedAt int64          `json:"fetched_at"`
}

// NewMirror wraps rdb. Entries expire after ttl.
func NewMirror(rdb *redis.Client, ttl time.Duration) *Mirror {
	return &Mirror{rdb: rdb, ttl: ttl}
}

func chartKey(genreID int) string { return fmt.Sprintf("%s:chart:%d", KeyPrefix, genreID) }
func genreKey() string            { return KeyPrefix + ":genres" }

// SaveTracks stores the track list fetched for genreID.
func (m *Mirror) SaveTracks(ctx context.Context, genreID int, tracks []models.Track, fetchedAt time.Time) error {
	data, err := json.Marshal(chartSnapshot{Tracks: tracks, FetchedAt: fetchedAt.Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal chart snapshot: %w", err)
	}
	if err := m.rdb.Set(ctx, chartKey(genreID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to SET chart %d: %w", genreID, err)
	}
	return nil
}

// LoadTracks returns the mirrored list for genreID. ok is false when nothing is mirrored.
func (m *Mirror) LoadTracks(ctx context.Context, genreID int) (tracks []models.Track, fetchedAt time.Time, ok bool, err error) {
	data, err := m.rdb.Get(ctx, chartKey(genreID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to GET chart %d: %w", genreID, err)
	}
	var snap chartSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("invalid chart snapshot: %w", err)
	}
	return snap.Tracks, time.Unix(snap.FetchedAt, 0), true, nil
}

// SaveGenres stores the genre catalogue.
func (m *Mirror) SaveGenres(ctx context.Context, genres []models.Genre, fetchedAt time.Time) error {
	data, err := json.Marshal(genreSnapshot{Genres: genres, FetchedAt: fetchedAt.Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal genre snapshot: %w", err)
	}
	if err := m.rdb.Set(ctx, genreKey(), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to SET genres: %w", err)
	}
	return nil
}

// LoadGenres returns the mirrored genre catalogue.
func (m *Mirror) LoadGenres(ctx context.Context) (genres []models.Genre, fetchedAt time.Time, ok bool, err error) {
	data, err := m.rdb.Get(ctx, genreKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to GET genres: %w", err)
	}
	var snap genreSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("invalid genre snapshot: %w", err)
	}
	return snap.Genres, time.Unix(snap.FetchedAt, 0), true, nil
}
