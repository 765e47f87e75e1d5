// internal/handlers/rooms.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/auth"
)

type createRoomRequest struct {
	InvitedIDs []string `json:"invited_ids"`
}

// CreateRoomHandler opens a room for the caller and the invited friends.
func CreateRoomHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.FromRequest(r)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}

		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			gs.writeError(w, r, fmt.Errorf("%w: bad room request payload", apperr.ErrInvalidRequest))
			return
		}
		invited := make([]uuid.UUID, 0, len(req.InvitedIDs))
		for _, raw := range req.InvitedIDs {
			u, err := uuid.Parse(raw)
			if err != nil {
				gs.writeError(w, r, fmt.Errorf("%w: invalid user id %q", apperr.ErrInvalidRequest, raw))
				return
			}
			invited = append(invited, u)
		}

		roomID, err := gs.Rooms.Create(r.Context(), id.UserID, id.Username, invited)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"roomId": roomID})
	}
}

// ListRoomsHandler lists the rooms the caller created or was invited to.
func ListRoomsHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.FromRequest(r)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, gs.Rooms.List(id.UserID))
	}
}

// CloseRoomHandler lets the creator tear a room down.
func CloseRoomHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.FromRequest(r)
		if err != nil {
			gs.writeError(w, r, err)
			return
		}
		roomID := strings.ToUpper(r.PathValue("id"))
		if err := gs.Rooms.Close(roomID, id.UserID); err != nil {
			gs.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Room closed"})
	}
}
