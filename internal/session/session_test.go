package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/events"
	"github.com/samuel-1-avson/arcade-sync/internal/game"
	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

// fakeAdapter records every callback so tests can assert on delivery.
type fakeAdapter struct {
	cfg game.Config

	mu           sync.Mutex
	starts       int
	actions      []room.Action
	stateUpdates map[string]int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		cfg: game.Config{
			GameID:       "blasters",
			RoomPrefix:   "test",
			Capacity:     4,
			Modes:        []room.Mode{room.ModeCooperative, room.ModeCompetitive},
			SyncInterval: 50 * time.Millisecond,
		},
		stateUpdates: make(map[string]int),
	}
}

func (f *fakeAdapter) Config() game.Config { return f.cfg }

func (f *fakeAdapter) StartPositions() []game.Position {
	return []game.Position{{X: 10, Y: 20}, {X: 30, Y: 40}}
}

func (f *fakeAdapter) OnGameStart() {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeAdapter) OnGameAction(a room.Action) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

func (f *fakeAdapter) OnPlayerStateUpdate(playerID string, _ map[string]any) {
	f.mu.Lock()
	f.stateUpdates[playerID]++
	f.mu.Unlock()
}

func (f *fakeAdapter) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeAdapter) Actions() []room.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]room.Action, len(f.actions))
	copy(out, f.actions)
	return out
}

func (f *fakeAdapter) StateUpdates(playerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateUpdates[playerID]
}

func newTestManager(t *testing.T, mem *store.Memory) (*Manager, *fakeAdapter) {
	t.Helper()
	conn := mem.Connect()
	t.Cleanup(func() { conn.Close() })
	f := newFakeAdapter()
	m := New(conn, f, zap.NewNop())
	m.heartbeatEvery = time.Hour // keep liveness writes out of test windows
	return m, f
}

// waitFor polls cond until it holds or the test times out; store
// notifications are asynchronous so most assertions go through here.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCreateRoomHostGetsSeatZero(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	m, _ := newTestManager(t, mem)

	code, err := m.CreateRoom(ctx, room.ModeCooperative, Options{DisplayName: "Ana"})
	require.NoError(t, err)
	require.True(t, room.ValidCode(code))
	require.Equal(t, StatusInLobby, m.Status())

	self := m.Self()
	require.True(t, self.IsHost)
	require.Equal(t, 0, self.Seat)
	require.Equal(t, room.Palette[0], self.Color)
	require.Equal(t, "Ana", self.Name)

	// the room document is fully written in one conditional set
	probe := mem.Connect()
	defer probe.Close()
	snap, err := probe.Get(ctx, room.Path("test", code))
	require.NoError(t, err)
	require.True(t, snap.Exists())
	var doc room.Room
	require.NoError(t, store.Decode(snap.Value, &doc))
	require.Equal(t, self.ID, doc.HostID)
	require.Equal(t, room.LifecycleWaiting, doc.Lifecycle)
	require.Equal(t, 4, doc.Capacity)
	require.Len(t, doc.Players, 1)
	require.NotZero(t, doc.CreatedAt)
}

func TestCreateRoomRejectsUnsupportedMode(t *testing.T) {
	mem := store.NewMemory(nil)
	m, _ := newTestManager(t, mem)

	_, err := m.CreateRoom(context.Background(), room.ModeSpectate, Options{})
	require.ErrorIs(t, err, ErrUnsupportedMode)
	require.Equal(t, StatusDisconnected, m.Status())
}

func TestJoinAssignsIncreasingSeatsAndDistinctColors(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{DisplayName: "host"})
	require.NoError(t, err)

	colors := map[string]bool{host.Self().Color: true}
	for seat := 1; seat < 4; seat++ {
		j, _ := newTestManager(t, mem)
		require.NoError(t, j.JoinRoom(ctx, code, Options{DisplayName: "p"}))
		self := j.Self()
		require.Equal(t, seat, self.Seat)
		require.False(t, self.IsHost)
		require.False(t, colors[self.Color], "color %q reused", self.Color)
		colors[self.Color] = true
	}

	// the capacity-th join attempt fails with RoomFull
	extra, _ := newTestManager(t, mem)
	require.ErrorIs(t, extra.JoinRoom(ctx, code, Options{}), ErrRoomFull)
	require.Equal(t, StatusDisconnected, extra.Status())
}

func TestJoinUnknownCodeFails(t *testing.T) {
	mem := store.NewMemory(nil)
	m, _ := newTestManager(t, mem)

	err := m.JoinRoom(context.Background(), "ABCDEF", Options{})
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinWhilePlayingFailsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, host.StartGame(ctx))
	waitFor(t, func() bool { return host.Status() == StatusPlaying }, "host to reach playing")

	late, _ := newTestManager(t, mem)
	require.ErrorIs(t, late.JoinRoom(ctx, code, Options{}), ErrGameInProgress)

	// no player entry was written by the failed join
	probe := mem.Connect()
	defer probe.Close()
	snap, err := probe.Get(ctx, room.PlayersPath("test", code))
	require.NoError(t, err)
	require.Len(t, snap.Value.(map[string]any), 1)
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	m, _ := newTestManager(t, mem)

	_, err := m.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)

	require.NoError(t, m.LeaveRoom(ctx))
	require.Equal(t, StatusDisconnected, m.Status())
	require.NoError(t, m.LeaveRoom(ctx))
	require.NoError(t, m.LeaveRoom(ctx))
}

func TestNonHostStartGameIsSilentNoop(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)
	joiner, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))

	require.NoError(t, joiner.StartGame(ctx))

	probe := mem.Connect()
	defer probe.Close()
	snap, err := probe.Get(ctx, room.Path("test", code))
	require.NoError(t, err)
	var doc room.Room
	require.NoError(t, store.Decode(snap.Value, &doc))
	require.Equal(t, room.LifecycleWaiting, doc.Lifecycle)
	require.Equal(t, StatusInLobby, joiner.Status())
}

func TestReadyFlagsAndAllPlayersReady(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)
	joiner, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))
	waitFor(t, func() bool { return len(host.Players()) == 2 }, "host roster to grow")

	var readyEvents []events.ReadyChanged
	var evMu sync.Mutex
	host.Events().Subscribe(func(ev events.Event) {
		if rc, ok := ev.(events.ReadyChanged); ok {
			evMu.Lock()
			readyEvents = append(readyEvents, rc)
			evMu.Unlock()
		}
	})

	require.NoError(t, host.SetReady(ctx, true))
	waitFor(t, func() bool {
		evMu.Lock()
		defer evMu.Unlock()
		return len(readyEvents) == 1
	}, "first ready event")
	evMu.Lock()
	require.False(t, readyEvents[0].AllReady, "one ready flag must not satisfy allReady")
	evMu.Unlock()
	require.False(t, host.AllPlayersReady())

	require.NoError(t, joiner.SetReady(ctx, true))
	waitFor(t, func() bool { return host.AllPlayersReady() }, "all players ready on host")
	waitFor(t, func() bool { return joiner.AllPlayersReady() }, "all players ready on joiner")
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, hostAdapter := newTestManager(t, mem)
	joiner, joinerAdapter := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{DisplayName: "host"})
	require.NoError(t, err)

	require.NoError(t, joiner.JoinRoom(ctx, code, Options{DisplayName: "joiner"}))
	waitFor(t, func() bool { return len(host.Players()) == 2 }, "roster length 2")
	require.Equal(t, 1, joiner.Self().Seat)

	require.NoError(t, host.SetReady(ctx, true))
	require.NoError(t, joiner.SetReady(ctx, true))
	waitFor(t, func() bool { return host.AllPlayersReady() }, "all ready")

	require.NoError(t, host.StartGame(ctx))
	waitFor(t, func() bool { return host.Status() == StatusPlaying }, "host playing")
	waitFor(t, func() bool { return joiner.Status() == StatusPlaying }, "joiner playing")
	waitFor(t, func() bool { return hostAdapter.Starts() == 1 }, "host OnGameStart")
	waitFor(t, func() bool { return joinerAdapter.Starts() == 1 }, "joiner OnGameStart")

	// OnGameStart must not fire again for subsequent roster writes
	require.NoError(t, host.SetReady(ctx, false))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hostAdapter.Starts())
	require.Equal(t, 1, joinerAdapter.Starts())

	require.NoError(t, joiner.LeaveRoom(ctx))
	waitFor(t, func() bool { return len(host.Players()) == 1 }, "roster back to 1")

	probe := mem.Connect()
	defer probe.Close()
	snap, err := probe.Get(ctx, room.Path("test", code))
	require.NoError(t, err)
	require.True(t, snap.Exists(), "room must survive a non-host leave")

	require.NoError(t, host.LeaveRoom(ctx))
	third, _ := newTestManager(t, mem)
	require.ErrorIs(t, third.JoinRoom(ctx, code, Options{}), ErrRoomNotFound)
}

func TestEndGameReturnsEveryoneToLobby(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)
	joiner, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))
	require.NoError(t, host.StartGame(ctx))
	waitFor(t, func() bool { return joiner.Status() == StatusPlaying }, "joiner playing")

	var ended []events.GameEnded
	var evMu sync.Mutex
	host.Events().Subscribe(func(ev events.Event) {
		if ge, ok := ev.(events.GameEnded); ok {
			evMu.Lock()
			ended = append(ended, ge)
			evMu.Unlock()
		}
	})

	// any participant may end the game
	require.NoError(t, joiner.EndGame(ctx, map[string]any{"winner": "joiner"}))
	waitFor(t, func() bool { return host.Status() == StatusInLobby }, "host back in lobby")
	waitFor(t, func() bool { return joiner.Status() == StatusInLobby }, "joiner back in lobby")

	evMu.Lock()
	require.Len(t, ended, 1)
	require.Equal(t, "joiner", ended[0].Results["winner"])
	evMu.Unlock()

	// players and the room stay put
	require.Len(t, host.Players(), 2)
}

func TestRemoteRoomDeletionDisconnectsJoiner(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)
	joiner, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))

	var left bool
	var evMu sync.Mutex
	joiner.Events().Subscribe(func(ev events.Event) {
		if _, ok := ev.(events.RoomLeft); ok {
			evMu.Lock()
			left = true
			evMu.Unlock()
		}
	})

	require.NoError(t, host.LeaveRoom(ctx))
	waitFor(t, func() bool { return joiner.Status() == StatusDisconnected }, "joiner disconnected")
	waitFor(t, func() bool {
		evMu.Lock()
		defer evMu.Unlock()
		return left
	}, "joiner RoomLeft event")
}

func TestDisconnectCleanupEvictsCrashedPlayer(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)

	crashConn := mem.Connect()
	f := newFakeAdapter()
	crasher := New(crashConn, f, zap.NewNop())
	crasher.heartbeatEvery = time.Hour
	require.NoError(t, crasher.JoinRoom(ctx, code, Options{DisplayName: "ghost"}))
	waitFor(t, func() bool { return len(host.Players()) == 2 }, "roster length 2")

	// no clean leave: the store connection just dies
	require.NoError(t, crashConn.Close())
	waitFor(t, func() bool { return len(host.Players()) == 1 }, "crashed player evicted")

	// the room itself survives (only the player entry is cleaned up)
	probe := mem.Connect()
	defer probe.Close()
	snap, err := probe.Get(ctx, room.Path("test", code))
	require.NoError(t, err)
	require.True(t, snap.Exists())
}

func TestHeartbeatRefreshesLastActiveAt(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	conn := mem.Connect()
	t.Cleanup(func() { conn.Close() })
	f := newFakeAdapter()
	m := New(conn, f, zap.NewNop())
	m.heartbeatEvery = 20 * time.Millisecond

	_, err := m.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)

	// wait for the initial roster sync, then for the heartbeat to move the
	// liveness timestamp past it
	var first int64
	waitFor(t, func() bool {
		players := m.Players()
		if len(players) == 1 && players[0].LastActiveAt > 0 {
			first = players[0].LastActiveAt
			return true
		}
		return false
	}, "initial lastActiveAt")
	waitFor(t, func() bool {
		players := m.Players()
		return len(players) == 1 && players[0].LastActiveAt > first
	}, "lastActiveAt to advance")

	require.NoError(t, m.LeaveRoom(ctx))
}
