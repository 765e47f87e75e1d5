package room

import (
	"sync"

	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/auth"
)

// RoundStatus is a player's standing in the current round. Each player gets one stop
// attempt per round: Eligible -> Stopped -> Spent.
type RoundStatus int

const (
	Eligible RoundStatus = iota
	Stopped
	Spent
)

// DefaultOutboxSize is the number of events a slow client may fall behind before it is dropped.
const DefaultOutboxSize = 32

// Player is the live handle for one authenticated connection inside one room.
// score, status, isCreator and joinSeq are guarded by the owning room's mutex.
type Player struct {
	UserID   uuid.UUID
	Username string
	Role     string

	isCreator bool
	score     int
	status    RoundStatus
	joinSeq   uint64

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewPlayer wraps an authenticated identity. The outbox holds up to outbox pending events.
func NewPlayer(id auth.Identity, outbox int) *Player {
	if outbox <= 0 {
		outbox = DefaultOutboxSize
	}
	return &Player{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		out:      make(chan Event, outbox),
		done:     make(chan struct{}),
	}
}

// Write queues ev without blocking. It reports false when the player is closed or its
// outbox is full, which the room treats as a failed delivery.
func (p *Player) Write(ev Event) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- ev:
		return true
	default:
		return false
	}
}

// WriteError queues an error event.
func (p *Player) WriteError(msg string) bool {
	return p.Write(ErrorEvent(msg))
}

// Outbox is drained by the connection's write pump.
func (p *Player) Outbox() <-chan Event { return p.out }

// Done is closed once the room has released this player.
func (p *Player) Done() <-chan struct{} { return p.done }

// Close releases the player. Safe to call more than once.
func (p *Player) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Player) canStop() bool { return p.status == Eligible }
