package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/events"
	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

// countingConn counts state writes so the throttle law can be asserted
// without peeking inside the manager.
type countingConn struct {
	store.Conn

	mu           sync.Mutex
	stateUpdates int
}

func (c *countingConn) Update(ctx context.Context, path string, fields map[string]any) error {
	if strings.HasSuffix(path, "/state") {
		c.mu.Lock()
		c.stateUpdates++
		c.mu.Unlock()
	}
	return c.Conn.Update(ctx, path, fields)
}

func (c *countingConn) StateUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateUpdates
}

func TestSyncStateThrottleLaw(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	counting := &countingConn{Conn: mem.Connect()}
	t.Cleanup(func() { counting.Close() })

	f := newFakeAdapter()
	m := New(counting, f, zap.NewNop())
	m.heartbeatEvery = time.Hour

	cur := time.Now()
	m.now = func() time.Time { return cur }

	_, err := m.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)

	// not playing yet: nothing may be written
	require.NoError(t, m.SyncState(ctx, map[string]any{"x": 1}))
	require.Equal(t, 0, counting.StateUpdates())

	require.NoError(t, m.StartGame(ctx))
	waitFor(t, func() bool { return m.Status() == StatusPlaying }, "playing")

	// N calls inside one throttle window produce exactly one write
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SyncState(ctx, map[string]any{"x": i}))
	}
	require.Equal(t, 1, counting.StateUpdates())

	// once the interval elapses the next call writes again
	cur = cur.Add(f.cfg.SyncInterval)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SyncState(ctx, map[string]any{"x": i}))
	}
	require.Equal(t, 2, counting.StateUpdates())
}

func TestSyncStateReachesOtherPlayers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)
	joiner, joinerAdapter := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))
	require.NoError(t, host.StartGame(ctx))
	waitFor(t, func() bool { return host.Status() == StatusPlaying }, "host playing")
	waitFor(t, func() bool { return joiner.Status() == StatusPlaying }, "joiner playing")

	require.NoError(t, host.SyncState(ctx, map[string]any{"score": 99}))

	hostID := host.Self().ID
	waitFor(t, func() bool { return joinerAdapter.StateUpdates(hostID) > 0 }, "state update delivery")
	// the sender never hears its own state back
	require.Zero(t, joinerAdapter.StateUpdates(joiner.Self().ID))
}

func TestActionDeliveredToOthersExactlyOnceAndNeverToSender(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, hostAdapter := newTestManager(t, mem)
	joiner, joinerAdapter := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))

	require.NoError(t, host.BroadcastAction(ctx, "fired", map[string]any{"dir": "up"}))

	waitFor(t, func() bool { return len(joinerAdapter.Actions()) == 1 }, "action delivery")
	got := joinerAdapter.Actions()[0]
	require.Equal(t, "fired", got.Kind)
	require.Equal(t, host.Self().ID, got.Origin)
	require.Equal(t, "up", got.Payload["dir"])
	require.NotZero(t, got.ServerTimestamp)

	// never delivered back to the sender, and never twice
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, hostAdapter.Actions())
	require.Len(t, joinerAdapter.Actions(), 1)
}

func TestLateJoinerSeesNoActionHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, host.BroadcastAction(ctx, "scored", nil))
	}

	late, lateAdapter := newTestManager(t, mem)
	require.NoError(t, late.JoinRoom(ctx, code, Options{}))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, lateAdapter.Actions(), "actions are transient events, not state")
}

func TestSendChatDeliversToEveryone(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)
	joiner, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{DisplayName: "Ana"})
	require.NoError(t, err)
	require.NoError(t, joiner.JoinRoom(ctx, code, Options{}))

	var hostMsgs, joinerMsgs []room.ChatMessage
	var evMu sync.Mutex
	host.Events().Subscribe(func(ev events.Event) {
		if cm, ok := ev.(events.ChatReceived); ok {
			evMu.Lock()
			hostMsgs = append(hostMsgs, cm.Message)
			evMu.Unlock()
		}
	})
	joiner.Events().Subscribe(func(ev events.Event) {
		if cm, ok := ev.(events.ChatReceived); ok {
			evMu.Lock()
			joinerMsgs = append(joinerMsgs, cm.Message)
			evMu.Unlock()
		}
	})

	require.NoError(t, host.SendChat(ctx, "glhf"))
	waitFor(t, func() bool {
		evMu.Lock()
		defer evMu.Unlock()
		return len(hostMsgs) == 1 && len(joinerMsgs) == 1
	}, "chat fan-out")

	evMu.Lock()
	require.Equal(t, "glhf", joinerMsgs[0].Text)
	require.Equal(t, "Ana", joinerMsgs[0].DisplayName)
	require.Equal(t, host.Self().ID, joinerMsgs[0].Origin)
	require.NotZero(t, joinerMsgs[0].ServerTimestamp)
	evMu.Unlock()
}

func TestEmptyChatIsRejectedLocally(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)

	require.NoError(t, host.SendChat(ctx, ""))
	require.NoError(t, host.SendChat(ctx, "   \t\n"))

	probe := mem.Connect()
	defer probe.Close()
	snap, err := probe.Get(ctx, room.ChatPath("test", code))
	require.NoError(t, err)
	require.False(t, snap.Exists(), "whitespace chat must not hit the store")
}

func TestChatHistoryBoundedToLastFifty(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	host, _ := newTestManager(t, mem)

	code, err := host.CreateRoom(ctx, room.ModeCooperative, Options{})
	require.NoError(t, err)
	for i := 0; i < room.ChatHistory+10; i++ {
		require.NoError(t, host.SendChat(ctx, "msg"))
	}

	late, _ := newTestManager(t, mem)
	var got int
	var evMu sync.Mutex
	late.Events().Subscribe(func(ev events.Event) {
		if _, ok := ev.(events.ChatReceived); ok {
			evMu.Lock()
			got++
			evMu.Unlock()
		}
	})
	require.NoError(t, late.JoinRoom(ctx, code, Options{}))

	waitFor(t, func() bool {
		evMu.Lock()
		defer evMu.Unlock()
		return got == room.ChatHistory
	}, "bounded chat replay")
	time.Sleep(50 * time.Millisecond)
	evMu.Lock()
	require.Equal(t, room.ChatHistory, got)
	evMu.Unlock()
}
