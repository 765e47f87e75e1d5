package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/auth"
	"github.com/oidomusical/rooms/internal/models"
	"github.com/oidomusical/rooms/internal/room"
	"github.com/oidomusical/rooms/internal/solo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct {
	mu     sync.Mutex
	track  models.Track
	genres []models.Genre
	err    error
}

func (c *stubCatalog) Draw(_ context.Context, _ []int) (models.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track, c.err
}

func (c *stubCatalog) Genres(_ context.Context) ([]models.Genre, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genres, c.err
}

func (c *stubCatalog) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type allFriends struct{ except map[uuid.UUID]bool }

func (f allFriends) AreFriends(_ context.Context, _, b uuid.UUID) (bool, error) {
	return !f.except[b], nil
}

type testEnv struct {
	srv      *httptest.Server
	gs       *GameServer
	catalog  *stubCatalog
	stranger uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auth.Init("test-secret")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cat := &stubCatalog{
		track: models.Track{
			Title:      "Bohemian Rhapsody",
			Artist:     "Queen",
			Album:      "A Night at the Opera",
			Cover:      "https://cdn/cover_big.jpg",
			PreviewURL: "https://cdn/preview.mp3",
		},
		genres: []models.Genre{{ID: 0, Name: "All"}, {ID: 132, Name: "Pop"}},
	}
	stranger := uuid.New()
	rooms := room.NewRegistry(room.RegistryOptions{
		Friends: allFriends{except: map[uuid.UUID]bool{stranger: true}},
		Drawer:  cat,
		Settings: room.Settings{
			RoundDuration: time.Second,
			ThinkDuration: 80 * time.Millisecond,
			DrawTimeout:   time.Second,
		},
		Logger: logger,
	})
	gs := NewGameServer(rooms, solo.NewRegistry(cat, time.Minute), cat, logger)
	gs.AuthDeadline = 500 * time.Millisecond

	srv := httptest.NewServer(gs.Routes())
	t.Cleanup(func() {
		rooms.Shutdown("")
		srv.Close()
	})
	return &testEnv{srv: srv, gs: gs, catalog: cat, stranger: stranger}
}

type testUser struct {
	auth.Identity
	token string
}

func newUser(t *testing.T, name string) testUser {
	t.Helper()
	id := auth.Identity{UserID: uuid.New(), Username: name, Role: "user"}
	tok, err := auth.CreateJWT(id)
	require.NoError(t, err)
	return testUser{Identity: id, token: tok}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
