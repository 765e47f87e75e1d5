// internal/handlers/game_server.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/oidomusical/rooms/internal/middleware"
	"github.com/oidomusical/rooms/internal/models"
	"github.com/oidomusical/rooms/internal/room"
	"github.com/oidomusical/rooms/internal/solo"
	"github.com/sirupsen/logrus"
)

// GenreLister serves the genre catalogue. *catalog.Source implements it.
type GenreLister interface {
	Genres(ctx context.Context) ([]models.Genre, error)
}

// GameServer holds everything the HTTP and websocket handlers share.
type GameServer struct {
	Rooms   *room.Registry
	Solo    *solo.Registry
	Catalog GenreLister
	Logger  *logrus.Logger

	// AuthDeadline bounds how long a socket may stay open before authenticating.
	AuthDeadline time.Duration
	// Origins are the browser origins allowed to call the API and open sockets.
	Origins []string
}

// NewGameServer wires the handler dependencies.
func NewGameServer(rooms *room.Registry, sessions *solo.Registry, catalog GenreLister, logger *logrus.Logger) *GameServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GameServer{
		Rooms:        rooms,
		Solo:         sessions,
		Catalog:      catalog,
		Logger:       logger,
		AuthDeadline: 10 * time.Second,
	}
}

// Routes returns the full HTTP surface wrapped in logging and CORS.
func (gs *GameServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", HealthHandler)

	// solo
	mux.HandleFunc("GET /game/genres", GenresHandler(gs))
	mux.HandleFunc("GET /game/song", SongHandler(gs))
	mux.HandleFunc("POST /game/reveal", RevealHandler(gs))

	// rooms
	mux.HandleFunc("POST /game/rooms", CreateRoomHandler(gs))
	mux.HandleFunc("GET /game/rooms", ListRoomsHandler(gs))
	mux.HandleFunc("DELETE /game/rooms/{id}", CloseRoomHandler(gs))
	mux.HandleFunc("GET /game/rooms/{id}/ws", RoomWSHandler(gs))

	var h http.Handler = mux
	h = middleware.CORS(gs.Origins)(h)
	h = middleware.LogMiddleware(gs.Logger)(h)
	return h
}

// HealthHandler answers liveness probes.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
