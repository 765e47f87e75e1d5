// internal/handlers/solo.go
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/auth"
)

// GenresHandler lists the genre catalogue.
func GenresHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		genres, err := gs.Catalog.Genres(r.Context())
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"genres": genres})
	}
}

// SongHandler issues a solo challenge: a session token plus the preview only.
func SongHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.FromRequest(r)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		genres, err := parseGenreIDs(r.URL.Query()["genre_id"])
		if err != nil {
			gs.writeError(w, r, err)
			return
		}

		challenge, err := gs.Solo.Issue(r.Context(), genres...)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		gs.Logger.WithField("user", id.UserID).Debug("solo challenge issued")
		writeJSON(w, http.StatusOK, challenge)
	}
}

// RevealHandler consumes a session token and discloses its song.
func RevealHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.FromRequest(r); err != nil {
			gs.writeError(w, r, err)
			return
		}
		token := r.URL.Query().Get("sessionToken")
		if token == "" {
			gs.writeError(w, r, fmt.Errorf("%w: missing sessionToken", apperr.ErrInvalidRequest))
			return
		}
		song, err := gs.Solo.Reveal(token)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"song": song})
	}
}

// parseGenreIDs accepts repeated or comma-separated genre_id values.
func parseGenreIDs(values []string) ([]int, error) {
	var ids []int
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid genre_id %q", apperr.ErrInvalidRequest, part)
			}
			ids = append(ids, n)
		}
	}
	return ids, nil
}
