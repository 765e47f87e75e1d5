package room

import (
	"github.com/oidomusical/rooms/internal/models"
)

// State is a room's position in the round lifecycle.
type State string

const (
	StateLobby    State = "lobby"
	StatePlaying  State = "playing"
	StateThinking State = "thinking"
	StateRoundEnd State = "round_end"
)

// EventType names every message a room sends to its clients.
type EventType string

const (
	EventState         EventType = "state"
	EventPlayers       EventType = "players"
	EventGameStart     EventType = "game_start"
	EventPlayerStopped EventType = "player_stopped"
	EventKeepListening EventType = "keep_listening"
	EventRoundWon      EventType = "round_won"
	EventRoundLost     EventType = "round_lost"
	EventBackToLobby   EventType = "back_to_lobby"
	EventRoomClosed    EventType = "room_closed"
	EventError         EventType = "error"
)

// Inbound intents.
const (
	MsgAuth          = "auth"
	MsgStart         = "start"
	MsgStop          = "stop"
	MsgKeepListening = "keep_listening"
	MsgGiveUp        = "give_up"
	MsgNextRound     = "next_round"
	MsgBackToLobby   = "back_to_lobby"
)

// ClientMessage is one inbound websocket frame.
type ClientMessage struct {
	Type   string `json:"type"`
	Genres []int  `json:"genres,omitempty"`
	Token  string `json:"token,omitempty"`
}

// PlayerView is one roster row.
type PlayerView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	IsCreator bool   `json:"isCreator"`
	Score     int    `json:"score"`
	CanStop   bool   `json:"canStop"`
}

// ScoreEntry is one row of the reveal score table.
type ScoreEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// Event is one outbound message. Fields not relevant to Type are omitted.
type Event struct {
	Type       EventType    `json:"type"`
	State      State        `json:"state,omitempty"`
	RoomID     string       `json:"roomId,omitempty"`
	IsCreator  bool         `json:"isCreator,omitempty"`
	Players    []PlayerView `json:"players,omitempty"`
	PreviewURL string       `json:"previewUrl,omitempty"`
	UserID     string       `json:"userId,omitempty"`
	Username   string       `json:"username,omitempty"`
	Song       *models.Song `json:"song,omitempty"`
	WinnerID   string       `json:"winnerId,omitempty"`
	WinnerName string       `json:"winnerName,omitempty"`
	Scores     []ScoreEntry `json:"scores,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// ErrorEvent builds an error message for one client.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}
