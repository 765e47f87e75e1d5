// internal/room/room.go
package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/models"
	"github.com/sirupsen/logrus"
)

// TrackDrawer picks the track for a round. *catalog.Source implements it.
type TrackDrawer interface {
	Draw(ctx context.Context, genreIDs []int) (models.Track, error)
}

// Settings holds the timing of a room.
type Settings struct {
	RoundDuration time.Duration
	ThinkDuration time.Duration
	DrawTimeout   time.Duration
}

// DefaultSettings are the production timings.
var DefaultSettings = Settings{
	RoundDuration: 30 * time.Second,
	ThinkDuration: 10 * time.Second,
	DrawTimeout:   15 * time.Second,
}

// Summary is the listing view of a room.
type Summary struct {
	ID          string    `json:"id"`
	CreatorID   uuid.UUID `json:"creatorId"`
	CreatorName string    `json:"creatorName"`
	PlayerCount int       `json:"playerCount"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Room is the state machine and single source of truth for one multiplayer room.
// Every handler runs to completion under mu, so all player-visible transitions of a room
// are totally ordered. Timers re-validate their sequence number and the room state
// before acting; a mismatch means they were superseded.
type Room struct {
	ID          string
	CreatorID   uuid.UUID
	CreatorName string
	CreatedAt   time.Time
	invited     map[uuid.UUID]bool

	settings Settings
	drawer   TrackDrawer
	log      *logrus.Entry

	// onEmpty runs after the lock is released once the last player has left.
	onEmpty func(roomID string)

	mu      sync.Mutex
	players map[uuid.UUID]*Player
	joinSeq uint64
	state   State
	genres  []int
	track   *models.Track
	stopper uuid.UUID

	roundTimer *time.Timer
	roundSeq   uint64
	thinkTimer *time.Timer
	thinkSeq   uint64

	// epoch changes on every transition; an in-flight draw commits only if it is unchanged.
	epoch   uint64
	drawing bool

	closed       bool
	pendingEmpty bool
}

func newRoom(id string, creatorID uuid.UUID, creatorName string, invited []uuid.UUID, settings Settings, drawer TrackDrawer, logger *logrus.Logger) *Room {
	inv := make(map[uuid.UUID]bool, len(invited))
	for _, u := range invited {
		inv[u] = true
	}
	return &Room{
		ID:          id,
		CreatorID:   creatorID,
		CreatorName: creatorName,
		CreatedAt:   time.Now(),
		invited:     inv,
		settings:    settings,
		drawer:      drawer,
		log:         logger.WithField("room", id),
		players:     make(map[uuid.UUID]*Player),
		state:       StateLobby,
	}
}

// Allowed reports whether userID is the creator or an invitee.
func (r *Room) Allowed(userID uuid.UUID) bool {
	return userID == r.CreatorID || r.invited[userID]
}

// Invited returns the invite list.
func (r *Room) Invited() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.invited))
	for u := range r.invited {
		ids = append(ids, u)
	}
	return ids
}

// State returns the current round state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PlayerCount returns the number of live connections.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Summary returns the listing view.
func (r *Room) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		ID:          r.ID,
		CreatorID:   r.CreatorID,
		CreatorName: r.CreatorName,
		PlayerCount: len(r.players),
		State:       r.state,
		CreatedAt:   r.CreatedAt,
	}
}

// unlock releases mu and then runs the empty-room callback if a removal emptied the room.
func (r *Room) unlock() {
	empty := r.pendingEmpty
	r.pendingEmpty = false
	cb := r.onEmpty
	r.mu.Unlock()
	if empty && cb != nil {
		r.log.Info("room is empty, removing")
		cb(r.ID)
	}
}

// --- membership ---

// Attach admits p. The caller must be the creator or an invitee and the room must be in
// the lobby. A previous connection of the same user is superseded and closed.
func (r *Room) Attach(p *Player) error {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return fmt.Errorf("%w: room %s", apperr.ErrNotFound, r.ID)
	}
	if !r.Allowed(p.UserID) {
		return fmt.Errorf("%w: you are not invited to this room", apperr.ErrForbidden)
	}
	if r.state != StateLobby {
		return fmt.Errorf("%w: the game has already started", apperr.ErrInvalidRequest)
	}

	if old, ok := r.players[p.UserID]; ok && old != p {
		r.log.WithField("user", p.UserID).Info("connection superseded by a newer one")
		old.Close()
	}

	r.joinSeq++
	p.joinSeq = r.joinSeq
	p.isCreator = p.UserID == r.CreatorID
	p.status = Eligible
	p.score = 0
	r.players[p.UserID] = p
	r.log.WithField("user", p.UserID).Infof("%s joined (%d players)", p.Username, len(r.players))

	if !p.Write(Event{Type: EventState, State: r.state, RoomID: r.ID, IsCreator: p.isCreator}) {
		r.removeLocked(p)
		return nil
	}
	r.broadcastLocked(r.rosterEventLocked())
	return nil
}

// Detach removes p if it is still the registered connection for its user.
func (r *Room) Detach(p *Player) {
	r.mu.Lock()
	defer r.unlock()
	if r.players[p.UserID] != p {
		return
	}
	r.log.WithField("user", p.UserID).Infof("%s left", p.Username)
	r.removeLocked(p)
}

// removeLocked drops p. A stopper leaving while thinking forfeits the round.
func (r *Room) removeLocked(p *Player) {
	if r.players[p.UserID] != p {
		return
	}
	delete(r.players, p.UserID)
	p.Close()

	if len(r.players) == 0 {
		r.teardownLocked()
		r.pendingEmpty = true
		return
	}

	if r.state == StateThinking && r.stopper == p.UserID {
		r.log.WithField("user", p.UserID).Info("stopper disconnected, round forfeited")
		r.revealLocked(nil)
	}
	r.broadcastLocked(r.rosterEventLocked())
}

// teardownLocked cancels timers and marks the room dead.
func (r *Room) teardownLocked() {
	r.cancelRoundTimerLocked()
	r.cancelThinkTimerLocked()
	r.closed = true
	r.stopper = uuid.Nil
	r.track = nil
	r.epoch++
}

// Close tells every player the room is gone and tears it down. It does not run onEmpty.
func (r *Room) Close(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.log.Info("closing room")
	if message != "" {
		for _, p := range r.orderedLocked() {
			p.Write(Event{Type: EventRoomClosed, Message: message})
		}
	}
	for id, p := range r.players {
		p.Close()
		delete(r.players, id)
	}
	r.teardownLocked()
}

// --- intents ---

// HandleMessage dispatches one inbound message from p. Unknown types are ignored.
func (r *Room) HandleMessage(ctx context.Context, p *Player, msg ClientMessage) {
	switch msg.Type {
	case MsgStart:
		r.Start(ctx, p, msg.Genres)
	case MsgStop:
		r.Stop(p)
	case MsgKeepListening:
		r.KeepListening(p)
	case MsgGiveUp:
		r.GiveUp(p)
	case MsgNextRound:
		r.NextRound(ctx, p)
	case MsgBackToLobby:
		r.BackToLobby(p)
	default:
		r.log.WithField("user", p.UserID).Debugf("ignoring message type %q", msg.Type)
	}
}

// currentLocked reports whether p is still the registered connection for its user.
// Actions from superseded connections are dropped.
func (r *Room) currentLocked(p *Player) bool {
	return !r.closed && r.players[p.UserID] == p
}

// Start begins the game from the lobby. Creator only.
func (r *Room) Start(ctx context.Context, p *Player, genreIDs []int) {
	r.mu.Lock()
	if !r.currentLocked(p) {
		r.unlock()
		return
	}
	if p.UserID != r.CreatorID {
		r.replyLocked(p, "Only the room creator can start the game")
		r.unlock()
		return
	}
	if r.state != StateLobby {
		r.replyLocked(p, "The game has already started")
		r.unlock()
		return
	}
	if r.drawing {
		r.replyLocked(p, "A round is already starting")
		r.unlock()
		return
	}
	r.genres = append([]int(nil), genreIDs...)
	r.launchRound(ctx, StateLobby, true)
}

// NextRound draws a new track after a reveal. Creator only.
func (r *Room) NextRound(ctx context.Context, p *Player) {
	r.mu.Lock()
	if !r.currentLocked(p) {
		r.unlock()
		return
	}
	if p.UserID != r.CreatorID {
		r.replyLocked(p, "Only the room creator can start the next round")
		r.unlock()
		return
	}
	if r.state != StateRoundEnd {
		r.replyLocked(p, "The current round has not finished")
		r.unlock()
		return
	}
	if r.drawing {
		r.replyLocked(p, "A round is already starting")
		r.unlock()
		return
	}
	r.launchRound(ctx, StateRoundEnd, false)
}

// launchRound is entered with mu held and returns with it released. The draw runs without
// the lock; the result is dropped if the room moved on in the meantime.
func (r *Room) launchRound(ctx context.Context, from State, resetScores bool) {
	r.drawing = true
	epoch := r.epoch
	genres := r.genres
	r.mu.Unlock()

	drawCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.DrawTimeout)
	track, err := r.drawer.Draw(drawCtx, genres)
	cancel()

	r.mu.Lock()
	defer r.unlock()
	r.drawing = false

	if r.closed || r.epoch != epoch || r.state != from {
		r.log.Debug("discarding draw for a superseded round start")
		return
	}
	if err != nil {
		r.log.Warnf("could not draw a track: %v", err)
		r.broadcastLocked(ErrorEvent("Could not load a song: " + apperr.Message(err)))
		return
	}

	for _, pl := range r.players {
		if resetScores {
			pl.score = 0
		}
		pl.status = Eligible
	}
	r.track = &track
	r.stopper = uuid.Nil
	r.state = StatePlaying
	r.epoch++
	r.log.Infof("round started (%s - %s)", track.Artist, track.Title)

	r.startRoundTimerLocked()
	r.broadcastLocked(Event{Type: EventGameStart, PreviewURL: track.PreviewURL})
	r.broadcastLocked(r.rosterEventLocked())
}

// Stop claims the floor for p.
func (r *Room) Stop(p *Player) {
	r.mu.Lock()
	defer r.unlock()
	if !r.currentLocked(p) {
		return
	}
	if r.state != StatePlaying || !p.canStop() {
		r.replyLocked(p, "You can't stop right now")
		return
	}

	r.cancelRoundTimerLocked()
	p.status = Stopped
	r.stopper = p.UserID
	r.state = StateThinking
	r.epoch++
	r.log.WithField("user", p.UserID).Info("player stopped")

	r.startThinkTimerLocked(p.UserID)
	r.broadcastLocked(Event{Type: EventPlayerStopped, UserID: p.UserID.String(), Username: p.Username})
}

// KeepListening gives the floor back. The stopper's attempt for this round is spent and
// the round timer restarts with its full duration.
func (r *Room) KeepListening(p *Player) {
	r.mu.Lock()
	defer r.unlock()
	if !r.currentLocked(p) {
		return
	}
	if r.state != StateThinking || r.stopper != p.UserID {
		r.replyLocked(p, "You are not the one guessing")
		return
	}

	r.cancelThinkTimerLocked()
	p.status = Spent
	r.stopper = uuid.Nil
	r.state = StatePlaying
	r.epoch++

	r.startRoundTimerLocked()
	r.broadcastLocked(Event{Type: EventKeepListening, UserID: p.UserID.String(), Username: p.Username})
	r.broadcastLocked(r.rosterEventLocked())
}

// GiveUp ends the round as lost.
func (r *Room) GiveUp(p *Player) {
	r.mu.Lock()
	defer r.unlock()
	if !r.currentLocked(p) {
		return
	}
	if r.state != StateThinking || r.stopper != p.UserID {
		r.replyLocked(p, "You are not the one guessing")
		return
	}
	p.status = Spent
	r.log.WithField("user", p.UserID).Info("stopper gave up")
	r.revealLocked(nil)
}

// BackToLobby abandons the game from any state. Creator only.
func (r *Room) BackToLobby(p *Player) {
	r.mu.Lock()
	defer r.unlock()
	if !r.currentLocked(p) {
		return
	}
	if p.UserID != r.CreatorID {
		r.replyLocked(p, "Only the room creator can return to the lobby")
		return
	}

	r.cancelRoundTimerLocked()
	r.cancelThinkTimerLocked()
	for _, pl := range r.players {
		pl.status = Eligible
	}
	r.track = nil
	r.stopper = uuid.Nil
	r.state = StateLobby
	r.epoch++
	r.log.Info("back to lobby")

	r.broadcastLocked(Event{Type: EventBackToLobby})
	r.broadcastLocked(r.rosterEventLocked())
}

// revealLocked ends the round. winner is nil for a lost round.
func (r *Room) revealLocked(winner *Player) {
	r.cancelRoundTimerLocked()
	r.cancelThinkTimerLocked()
	if st, ok := r.players[r.stopper]; ok && st.status == Stopped {
		st.status = Spent
	}
	r.stopper = uuid.Nil
	r.state = StateRoundEnd
	r.epoch++

	var song *models.Song
	if r.track != nil {
		s := r.track.Song()
		song = &s
	}

	if winner != nil {
		winner.score++
		r.log.WithField("user", winner.UserID).Infof("round won by %s", winner.Username)
		r.broadcastLocked(Event{
			Type:       EventRoundWon,
			Song:       song,
			WinnerID:   winner.UserID.String(),
			WinnerName: winner.Username,
			Scores:     r.scoresLocked(),
		})
		return
	}
	r.log.Info("round lost")
	r.broadcastLocked(Event{Type: EventRoundLost, Song: song, Scores: r.scoresLocked()})
}

// --- timers ---

func (r *Room) startRoundTimerLocked() {
	r.cancelRoundTimerLocked()
	r.roundSeq++
	seq := r.roundSeq
	r.roundTimer = time.AfterFunc(r.settings.RoundDuration, func() { r.onRoundTimeout(seq) })
}

func (r *Room) cancelRoundTimerLocked() {
	if r.roundTimer != nil {
		r.roundTimer.Stop()
		r.roundTimer = nil
	}
}

func (r *Room) onRoundTimeout(seq uint64) {
	r.mu.Lock()
	defer r.unlock()
	if r.closed || r.roundTimer == nil || r.roundSeq != seq || r.state != StatePlaying {
		r.log.Debug("stale round timer fired, ignoring")
		return
	}
	r.roundTimer = nil
	r.log.Info("round timer expired")
	r.revealLocked(nil)
}

func (r *Room) startThinkTimerLocked(stopperID uuid.UUID) {
	r.cancelThinkTimerLocked()
	r.thinkSeq++
	seq := r.thinkSeq
	r.thinkTimer = time.AfterFunc(r.settings.ThinkDuration, func() { r.onThinkTimeout(seq, stopperID) })
}

func (r *Room) cancelThinkTimerLocked() {
	if r.thinkTimer != nil {
		r.thinkTimer.Stop()
		r.thinkTimer = nil
	}
}

// onThinkTimeout awards the round to a stopper who kept the floor until the end.
func (r *Room) onThinkTimeout(seq uint64, stopperID uuid.UUID) {
	r.mu.Lock()
	defer r.unlock()
	if r.closed || r.thinkTimer == nil || r.thinkSeq != seq || r.state != StateThinking || r.stopper != stopperID {
		r.log.Debug("stale think timer fired, ignoring")
		return
	}
	r.thinkTimer = nil
	winner, ok := r.players[stopperID]
	if !ok {
		r.revealLocked(nil)
		return
	}
	r.revealLocked(winner)
}

// --- broadcast ---

// orderedLocked returns the players in join order.
func (r *Room) orderedLocked() []*Player {
	ps := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].joinSeq < ps[j].joinSeq })
	return ps
}

// broadcastLocked delivers ev to every player. A player whose delivery fails is removed
// after the others have been served.
func (r *Room) broadcastLocked(ev Event) {
	var failed []*Player
	for _, p := range r.orderedLocked() {
		if !p.Write(ev) {
			failed = append(failed, p)
		}
	}
	for _, p := range failed {
		if r.players[p.UserID] == p {
			r.log.WithField("user", p.UserID).Warnf("dropping player after failed %s delivery", ev.Type)
			r.removeLocked(p)
		}
	}
}

// replyLocked sends an in-session error to p only.
func (r *Room) replyLocked(p *Player, msg string) {
	if !p.Write(ErrorEvent(msg)) {
		r.removeLocked(p)
	}
}

func (r *Room) rosterEventLocked() Event {
	players := make([]PlayerView, 0, len(r.players))
	for _, p := range r.orderedLocked() {
		players = append(players, PlayerView{
			ID:        p.UserID.String(),
			Username:  p.Username,
			IsCreator: p.isCreator,
			Score:     p.score,
			CanStop:   p.canStop(),
		})
	}
	return Event{Type: EventPlayers, Players: players}
}

// scoresLocked returns the score table, highest first, ties in join order.
func (r *Room) scoresLocked() []ScoreEntry {
	ps := r.orderedLocked()
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].score > ps[j].score })
	scores := make([]ScoreEntry, 0, len(ps))
	for _, p := range ps {
		scores = append(scores, ScoreEntry{ID: p.UserID.String(), Username: p.Username, Score: p.score})
	}
	return scores
}
