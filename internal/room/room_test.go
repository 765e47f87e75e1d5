// internal/room/room_test.go
package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/auth"
	"github.com/oidomusical/rooms/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDrawer hands out tracks in order. When gate is set, Draw blocks until it is closed.
type fakeDrawer struct {
	mu     sync.Mutex
	tracks []models.Track
	err    error
	gate   chan struct{}
	calls  int
	genres [][]int
}

func (d *fakeDrawer) Draw(ctx context.Context, genreIDs []int) (models.Track, error) {
	d.mu.Lock()
	d.calls++
	d.genres = append(d.genres, genreIDs)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Track{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return models.Track{}, d.err
	}
	if len(d.tracks) == 0 {
		return models.Track{Title: "Song", Artist: "Band", Album: "LP", Cover: "cover.jpg", PreviewURL: "https://cdn/preview.mp3"}, nil
	}
	t := d.tracks[0]
	if len(d.tracks) > 1 {
		d.tracks = d.tracks[1:]
	}
	return t, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testSettings = Settings{
	RoundDuration: 400 * time.Millisecond,
	ThinkDuration: 60 * time.Millisecond,
	DrawTimeout:   time.Second,
}

type fixture struct {
	room    *Room
	drawer  *fakeDrawer
	host    *Player
	guest   *Player
	emptied chan string
}

// setupRoom builds a room with a creator and one invitee, both attached.
func setupRoom(t *testing.T, settings Settings) *fixture {
	t.Helper()
	hostID := auth.Identity{UserID: uuid.New(), Username: "host", Role: "user"}
	guestID := auth.Identity{UserID: uuid.New(), Username: "guest", Role: "user"}
	d := &fakeDrawer{}
	r := newRoom("ROOM42", hostID.UserID, hostID.Username, []uuid.UUID{guestID.UserID}, settings, d, quietLogger())
	emptied := make(chan string, 1)
	r.onEmpty = func(id string) { emptied <- id }

	host := NewPlayer(hostID, 64)
	guest := NewPlayer(guestID, 64)
	require.NoError(t, r.Attach(host))
	require.NoError(t, r.Attach(guest))
	drain(host)
	drain(guest)
	return &fixture{room: r, drawer: d, host: host, guest: guest, emptied: emptied}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.room.Start(context.Background(), f.host, []int{132})
	require.Equal(t, StatePlaying, f.room.State())
}

func drain(p *Player) []Event {
	var evs []Event
	for {
		select {
		case ev := <-p.Outbox():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

// expect waits for the next event of type typ, skipping others.
func expect(t *testing.T, p *Player, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Outbox():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s never received %s", p.Username, typ)
			return Event{}
		}
	}
}

func countType(evs []Event, typ EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestAttachSendsPrivateStateThenRoster(t *testing.T) {
	hostID := auth.Identity{UserID: uuid.New(), Username: "host"}
	guestID := uuid.New()
	r := newRoom("ROOM42", hostID.UserID, "host", []uuid.UUID{guestID}, testSettings, &fakeDrawer{}, quietLogger())

	host := NewPlayer(hostID, 8)
	require.NoError(t, r.Attach(host))

	evs := drain(host)
	require.Len(t, evs, 2)
	assert.Equal(t, EventState, evs[0].Type)
	assert.Equal(t, StateLobby, evs[0].State)
	assert.Equal(t, "ROOM42", evs[0].RoomID)
	assert.True(t, evs[0].IsCreator)

	assert.Equal(t, EventPlayers, evs[1].Type)
	require.Len(t, evs[1].Players, 1)
	assert.Equal(t, "host", evs[1].Players[0].Username)
	assert.True(t, evs[1].Players[0].CanStop)
}

func TestAttachRejections(t *testing.T) {
	f := setupRoom(t, testSettings)

	stranger := NewPlayer(auth.Identity{UserID: uuid.New(), Username: "eve"}, 8)
	err := f.room.Attach(stranger)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	f.start(t)
	late := NewPlayer(auth.Identity{UserID: f.guest.UserID, Username: "guest"}, 8)
	err = f.room.Attach(late)
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	f.room.Close("bye")
	err = f.room.Attach(NewPlayer(auth.Identity{UserID: f.host.UserID}, 8))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSupersededConnectionIsInert(t *testing.T) {
	f := setupRoom(t, testSettings)
	old := f.guest

	fresh := NewPlayer(auth.Identity{UserID: old.UserID, Username: "guest"}, 64)
	require.NoError(t, f.room.Attach(fresh))

	select {
	case <-old.Done():
	default:
		t.Fatal("superseded connection was not closed")
	}
	assert.Equal(t, 2, f.room.PlayerCount())

	// The stale handle must neither evict the new one nor act.
	f.room.Detach(old)
	assert.Equal(t, 2, f.room.PlayerCount())

	f.start(t)
	f.room.Stop(old)
	assert.Equal(t, StatePlaying, f.room.State())

	f.room.Stop(fresh)
	assert.Equal(t, StateThinking, f.room.State())
}

func TestStartRequiresCreator(t *testing.T) {
	f := setupRoom(t, testSettings)

	f.room.Start(context.Background(), f.guest, nil)
	assert.Equal(t, StateLobby, f.room.State())
	ev := expect(t, f.guest, EventError)
	assert.Contains(t, ev.Message, "creator")
	assert.Empty(t, drain(f.host))
}

func TestStartBroadcastsPreviewAndResetsFlags(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.start(t)

	for _, p := range []*Player{f.host, f.guest} {
		ev := expect(t, p, EventGameStart)
		assert.Equal(t, "https://cdn/preview.mp3", ev.PreviewURL)
		assert.Nil(t, ev.Song)
		roster := expect(t, p, EventPlayers)
		for _, pv := range roster.Players {
			assert.True(t, pv.CanStop)
			assert.Zero(t, pv.Score)
		}
	}
	assert.Equal(t, [][]int{{132}}, f.drawer.genres)
}

func TestDrawFailureKeepsLobby(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.drawer.err = fmt.Errorf("%w: no playable tracks", apperr.ErrUpstreamUnavailable)

	f.room.Start(context.Background(), f.host, []int{7})

	assert.Equal(t, StateLobby, f.room.State())
	ev := expect(t, f.guest, EventError)
	assert.Contains(t, ev.Message, "no playable tracks")
}

func TestThinkTimeoutAwardsStopper(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.start(t)

	f.room.Stop(f.guest)
	assert.Equal(t, StateThinking, f.room.State())
	stopped := expect(t, f.host, EventPlayerStopped)
	assert.Equal(t, f.guest.UserID.String(), stopped.UserID)

	won := expect(t, f.host, EventRoundWon)
	assert.Equal(t, f.guest.UserID.String(), won.WinnerID)
	assert.Equal(t, "guest", won.WinnerName)
	require.NotNil(t, won.Song)
	assert.Equal(t, "Song", won.Song.Title)
	require.Len(t, won.Scores, 2)
	assert.Equal(t, "guest", won.Scores[0].Username)
	assert.Equal(t, 1, won.Scores[0].Score)
	assert.Equal(t, 0, won.Scores[1].Score)
	assert.Equal(t, StateRoundEnd, f.room.State())
}

func TestRoundTimeoutIsLost(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: 50 * time.Millisecond, ThinkDuration: time.Second, DrawTimeout: time.Second})
	f.start(t)

	lost := expect(t, f.guest, EventRoundLost)
	require.NotNil(t, lost.Song)
	assert.Equal(t, "Band", lost.Song.Artist)
	assert.Len(t, lost.Scores, 2)
	assert.Equal(t, StateRoundEnd, f.room.State())
}

func TestKeepListeningSpendsTheAttempt(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: time.Second, ThinkDuration: time.Second, DrawTimeout: time.Second})
	f.start(t)

	f.room.Stop(f.guest)
	f.room.KeepListening(f.guest)
	assert.Equal(t, StatePlaying, f.room.State())
	expect(t, f.host, EventKeepListening)
	roster := expect(t, f.host, EventPlayers)
	for _, pv := range roster.Players {
		assert.Equal(t, pv.ID != f.guest.UserID.String(), pv.CanStop)
	}

	drain(f.guest)
	f.room.Stop(f.guest)
	assert.Equal(t, StatePlaying, f.room.State())
	expect(t, f.guest, EventError)

	// Someone else still has an attempt.
	f.room.Stop(f.host)
	assert.Equal(t, StateThinking, f.room.State())
}

func TestKeepListeningRestartsRoundTimer(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: 150 * time.Millisecond, ThinkDuration: time.Second, DrawTimeout: time.Second})
	f.start(t)

	time.Sleep(100 * time.Millisecond)
	f.room.Stop(f.guest)
	f.room.KeepListening(f.guest)

	// The original deadline has passed; the fresh timer has not.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StatePlaying, f.room.State())

	expect(t, f.host, EventRoundLost)
}

func TestGiveUpRevealsLost(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: time.Second, ThinkDuration: time.Second, DrawTimeout: time.Second})
	f.start(t)

	f.room.GiveUp(f.guest)
	expect(t, f.guest, EventError)
	assert.Equal(t, StatePlaying, f.room.State())

	f.room.Stop(f.guest)
	f.room.GiveUp(f.guest)
	lost := expect(t, f.host, EventRoundLost)
	for _, s := range lost.Scores {
		assert.Zero(t, s.Score)
	}
	assert.Equal(t, StateRoundEnd, f.room.State())

	// The think timer was cancelled with the reveal.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, countType(drain(f.host), EventRoundWon))
}

func TestOnlyOneStopperUnderContention(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: time.Second, ThinkDuration: time.Second, DrawTimeout: time.Second})
	extra := make([]*Player, 0, 4)
	for i := 0; i < 4; i++ {
		id := uuid.New()
		f.room.invited[id] = true
		p := NewPlayer(auth.Identity{UserID: id, Username: "p"}, 64)
		require.NoError(t, f.room.Attach(p))
		extra = append(extra, p)
	}
	f.start(t)
	drain(f.host)

	all := append([]*Player{f.host, f.guest}, extra...)
	var wg sync.WaitGroup
	for _, p := range all {
		wg.Add(1)
		go func(p *Player) {
			defer wg.Done()
			f.room.Stop(p)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, StateThinking, f.room.State())
	assert.Equal(t, 1, countType(drain(f.host), EventPlayerStopped))

	stoppers := 0
	f.room.mu.Lock()
	for _, p := range f.room.players {
		if p.status == Stopped {
			stoppers++
		}
	}
	f.room.mu.Unlock()
	assert.Equal(t, 1, stoppers)
}

func TestStopperDisconnectForfeits(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: time.Second, ThinkDuration: 100 * time.Millisecond, DrawTimeout: time.Second})
	f.start(t)

	f.room.Stop(f.guest)
	f.room.Detach(f.guest)

	lost := expect(t, f.host, EventRoundLost)
	require.Len(t, lost.Scores, 1)
	assert.Equal(t, StateRoundEnd, f.room.State())

	roster := expect(t, f.host, EventPlayers)
	assert.Len(t, roster.Players, 1)

	// A superseded think timer must not award anyone.
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, countType(drain(f.host), EventRoundWon))
}

func TestNextRoundKeepsScores(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.start(t)
	f.room.Stop(f.host)
	expect(t, f.guest, EventRoundWon)

	f.room.NextRound(context.Background(), f.guest)
	assert.Equal(t, StateRoundEnd, f.room.State())

	f.room.NextRound(context.Background(), f.host)
	assert.Equal(t, StatePlaying, f.room.State())
	roster := expect(t, f.guest, EventPlayers)
	for _, pv := range roster.Players {
		assert.True(t, pv.CanStop)
		if pv.IsCreator {
			assert.Equal(t, 1, pv.Score)
		}
	}
}

func TestBackToLobbyCancelsTimers(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: 60 * time.Millisecond, ThinkDuration: 60 * time.Millisecond, DrawTimeout: time.Second})
	f.start(t)

	f.room.BackToLobby(f.guest)
	assert.Equal(t, StatePlaying, f.room.State())

	f.room.Stop(f.guest)
	f.room.BackToLobby(f.host)
	assert.Equal(t, StateLobby, f.room.State())
	expect(t, f.guest, EventBackToLobby)

	time.Sleep(120 * time.Millisecond)
	evs := drain(f.guest)
	assert.Zero(t, countType(evs, EventRoundWon))
	assert.Zero(t, countType(evs, EventRoundLost))
	assert.Equal(t, StateLobby, f.room.State())

	f.room.mu.Lock()
	assert.Nil(t, f.room.track)
	assert.Equal(t, uuid.Nil, f.room.stopper)
	f.room.mu.Unlock()
}

func TestDrawDiscardedAfterBackToLobby(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.drawer.gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		f.room.Start(context.Background(), f.host, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.drawer.mu.Lock()
		defer f.drawer.mu.Unlock()
		return f.drawer.calls == 1
	}, time.Second, 5*time.Millisecond)

	// A second start while drawing is refused.
	f.room.Start(context.Background(), f.host, nil)
	expect(t, f.host, EventError)

	f.room.BackToLobby(f.host)
	close(f.drawer.gate)
	<-done

	assert.Equal(t, StateLobby, f.room.State())
	assert.Zero(t, countType(drain(f.guest), EventGameStart))
}

func TestFailedDeliveryDropsOnlyThatPlayer(t *testing.T) {
	hostID := auth.Identity{UserID: uuid.New(), Username: "host"}
	guestID := auth.Identity{UserID: uuid.New(), Username: "guest"}
	r := newRoom("ROOM42", hostID.UserID, "host", []uuid.UUID{guestID.UserID}, testSettings, &fakeDrawer{}, quietLogger())

	// Room for exactly the state and roster events; never drained.
	slow := NewPlayer(hostID, 2)
	require.NoError(t, r.Attach(slow))

	guest := NewPlayer(guestID, 16)
	require.NoError(t, r.Attach(guest))

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow player was not dropped")
	}
	assert.Equal(t, 1, r.PlayerCount())

	evs := drain(guest)
	require.GreaterOrEqual(t, countType(evs, EventPlayers), 2)
	last := evs[len(evs)-1]
	assert.Equal(t, EventPlayers, last.Type)
	require.Len(t, last.Players, 1)
	assert.Equal(t, "guest", last.Players[0].Username)
}

func TestScoresSortedWithJoinOrderTiebreak(t *testing.T) {
	f := setupRoom(t, testSettings)
	third := uuid.New()
	f.room.invited[third] = true
	p3 := NewPlayer(auth.Identity{UserID: third, Username: "third"}, 64)
	require.NoError(t, f.room.Attach(p3))

	f.start(t)
	f.room.Stop(p3)
	won := expect(t, f.host, EventRoundWon)

	require.Len(t, won.Scores, 3)
	assert.Equal(t, []string{"third", "host", "guest"}, []string{won.Scores[0].Username, won.Scores[1].Username, won.Scores[2].Username})
}

func TestLastPlayerLeavingEmptiesRoom(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.start(t)

	f.room.Detach(f.host)
	select {
	case <-f.emptied:
		t.Fatal("room emptied with a player left")
	default:
	}
	assert.Equal(t, StatePlaying, f.room.State())

	f.room.Detach(f.guest)
	select {
	case id := <-f.emptied:
		assert.Equal(t, "ROOM42", id)
	case <-time.After(time.Second):
		t.Fatal("onEmpty not called")
	}
	assert.True(t, f.room.isClosed())

	// No timer may fire into the dead room.
	time.Sleep(testSettings.RoundDuration + 50*time.Millisecond)
	assert.Equal(t, StatePlaying, f.room.State())
}

func TestCloseNotifiesEveryone(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.room.Close("The room was closed by its creator")

	for _, p := range []*Player{f.host, f.guest} {
		ev := expect(t, p, EventRoomClosed)
		assert.Equal(t, "The room was closed by its creator", ev.Message)
		select {
		case <-p.Done():
		default:
			t.Fatal("player not released")
		}
	}
	assert.Zero(t, f.room.PlayerCount())
	select {
	case <-f.emptied:
		t.Fatal("explicit close must not run onEmpty")
	default:
	}
}

func TestHandleMessageDispatch(t *testing.T) {
	f := setupRoom(t, Settings{RoundDuration: time.Second, ThinkDuration: time.Second, DrawTimeout: time.Second})
	ctx := context.Background()

	f.room.HandleMessage(ctx, f.host, ClientMessage{Type: "dance"})
	assert.Empty(t, drain(f.host))

	f.room.HandleMessage(ctx, f.host, ClientMessage{Type: MsgStart, Genres: []int{1, 2}})
	assert.Equal(t, StatePlaying, f.room.State())
	assert.Equal(t, []int{1, 2}, f.drawer.genres[0])

	f.room.HandleMessage(ctx, f.guest, ClientMessage{Type: MsgStop})
	assert.Equal(t, StateThinking, f.room.State())
	f.room.HandleMessage(ctx, f.guest, ClientMessage{Type: MsgKeepListening})
	assert.Equal(t, StatePlaying, f.room.State())
	f.room.HandleMessage(ctx, f.host, ClientMessage{Type: MsgStop})
	f.room.HandleMessage(ctx, f.host, ClientMessage{Type: MsgGiveUp})
	assert.Equal(t, StateRoundEnd, f.room.State())
	f.room.HandleMessage(ctx, f.host, ClientMessage{Type: MsgNextRound})
	assert.Equal(t, StatePlaying, f.room.State())
	f.room.HandleMessage(ctx, f.host, ClientMessage{Type: MsgBackToLobby})
	assert.Equal(t, StateLobby, f.room.State())
}

func TestDrawErrorIsUpstreamMessage(t *testing.T) {
	f := setupRoom(t, testSettings)
	f.room.mu.Lock()
	f.room.state = StateRoundEnd
	f.room.mu.Unlock()
	f.drawer.err = errors.New("boom")

	f.room.NextRound(context.Background(), f.host)
	assert.Equal(t, StateRoundEnd, f.room.State())
	expect(t, f.guest, EventError)
}
