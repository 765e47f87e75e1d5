// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/auth"
	"github.com/oidomusical/rooms/internal/middleware"
	"github.com/oidomusical/rooms/internal/room"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// RoomWSHandler admits an authenticated player into a room and pumps events both ways
// until the socket closes or the room releases the player.
func RoomWSHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := gs.Logger
		remoteAddr := r.RemoteAddr
		roomID := strings.ToUpper(r.PathValue("id"))

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns(gs.Origins),
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.CloseNow()

		ctx := r.Context()

		id, err := gs.authenticateSocket(ctx, r, c)
		if err != nil {
			logger.Warnf("Room %s: authentication failed from %s: %v", roomID, remoteAddr, err)
			reject(ctx, c, InvalidAuthTokenError, err)
			return
		}

		rm, err := gs.Rooms.Get(roomID)
		if err != nil {
			reject(ctx, c, InvalidRoomIDError, err)
			return
		}

		p := room.NewPlayer(id, room.DefaultOutboxSize)
		if err := rm.Attach(p); err != nil {
			logger.Infof("Room %s: refused %s: %v", roomID, id.Username, err)
			reject(ctx, c, admissionCode(err), err)
			return
		}

		middleware.LogWebSocketConnect(logger, remoteAddr, roomID)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		go writePump(ctx, c, p, logger)

		// Blocks until the socket closes, including when the write pump closes it after the
		// room has released this player.
		readErr := readPump(ctx, c, rm, p, logger)

		rm.Detach(p)
		middleware.LogWebSocketDisconnect(logger, remoteAddr, roomID, readErr)
	}
}

// authenticateSocket takes the credential from the upgrade request or, failing that, from a
// first {"type":"auth"} message sent within the auth deadline.
func (gs *GameServer) authenticateSocket(ctx context.Context, r *http.Request, c *websocket.Conn) (auth.Identity, error) {
	if token := auth.TokenFromRequest(r); token != "" {
		return auth.AuthenticateJWT(token)
	}

	deadline := gs.AuthDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	authCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var msg room.ClientMessage
	if err := wsjson.Read(authCtx, c, &msg); err != nil {
		return auth.Identity{}, fmt.Errorf("%w: no auth message received: %v", apperr.ErrUnauthenticated, err)
	}
	if msg.Type != room.MsgAuth {
		return auth.Identity{}, fmt.Errorf("%w: first message must be auth", apperr.ErrUnauthenticated)
	}
	return auth.AuthenticateJWT(msg.Token)
}

// reject sends a final error event and closes with a specific code.
func reject(ctx context.Context, c *websocket.Conn, code websocket.StatusCode, err error) {
	msg := apperr.Message(err)
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	_ = wsjson.Write(writeCtx, c, room.ErrorEvent(msg))
	cancel()
	c.Close(code, truncateReason(msg))
}

func admissionCode(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return InvalidRoomIDError
	case errors.Is(err, apperr.ErrForbidden):
		return NotInvitedError
	case errors.Is(err, apperr.ErrInvalidRequest):
		return RoomInProgressError
	default:
		return websocket.StatusInternalError
	}
}

// readPump forwards client intents to the room. The room ignores intents from a
// connection it has already superseded.
func readPump(ctx context.Context, c *websocket.Conn, rm *room.Room, p *room.Player, logger *logrus.Logger) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			logger.Warnf("Room %s: non-text message from user %v ignored", rm.ID, p.UserID)
			continue
		}

		var msg room.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warnf("Room %s: invalid json from user %v: %v", rm.ID, p.UserID, err)
			p.WriteError("Invalid JSON format")
			continue
		}
		if msg.Type == room.MsgAuth {
			continue
		}
		rm.HandleMessage(ctx, p, msg)
	}
}

// writePump drains the player's outbox onto the socket and pings periodically. Once the
// room releases the player it flushes what is queued and closes the socket.
func writePump(ctx context.Context, c *websocket.Conn, p *room.Player, logger *logrus.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(ev room.Event) bool {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := wsjson.Write(writeCtx, c, ev); err != nil {
			logger.Warnf("Room: failed to write to websocket for user %v: %v", p.UserID, err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.Outbox():
			if !write(ev) {
				c.CloseNow()
				return
			}
		case <-p.Done():
		flush:
			for {
				select {
				case ev := <-p.Outbox():
					if !write(ev) {
						c.CloseNow()
						return
					}
				default:
					break flush
				}
			}
			c.Close(websocket.StatusNormalClosure, "released by room")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("Room: failed to ping user %v: %v. Assuming disconnect.", p.UserID, err)
				c.CloseNow()
				return
			}
		}
	}
}

// originPatterns turns allowed origins into the host patterns the websocket library matches.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// truncateReason keeps close reasons within the 123-byte control frame limit.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
