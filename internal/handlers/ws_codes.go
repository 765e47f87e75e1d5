// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the room handler.
// These give clients a more specific reason for closure than the standard codes.
const (
	InvalidAuthTokenError websocket.StatusCode = 3001 // Missing, malformed or expired credential.
	InvalidRoomIDError    websocket.StatusCode = 3003 // The room in the URL does not exist.
	NotInvitedError       websocket.StatusCode = 3004 // Caller is neither the creator nor an invitee.
	RoomInProgressError   websocket.StatusCode = 3005 // The room has left the lobby.
)
