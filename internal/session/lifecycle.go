package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/events"
	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

// CreateRoom claims a fresh room code, writes the full room document with the
// local player as sole host in one conditional write, and enters the lobby.
// Code collisions are resolved by regenerating and retrying; the conditional
// write guarantees two creators can never both claim the same code.
func (m *Manager) CreateRoom(ctx context.Context, mode room.Mode, opts Options) (string, error) {
	if !m.cfg.Supports(mode) {
		return "", ErrUnsupportedMode
	}
	if err := m.begin(); err != nil {
		return "", err
	}

	self := m.newSelf(opts.DisplayName, 0, true)
	doc := room.Room{
		GameID:    m.cfg.GameID,
		HostID:    self.ID,
		Mode:      mode,
		Capacity:  m.cfg.Capacity,
		Lifecycle: room.LifecycleWaiting,
		Settings:  opts.Settings,
		Players:   map[string]room.Player{self.ID: self},
	}
	tree, err := store.Encode(doc)
	if err != nil {
		m.fail()
		return "", err
	}
	node := tree.(map[string]any)
	node["createdAt"] = store.ServerTimestamp
	node["players"].(map[string]any)[self.ID].(map[string]any)["lastActiveAt"] = store.ServerTimestamp

	var code string
	for attempt := 0; attempt < createAttempts; attempt++ {
		candidate, err := room.GenerateCode()
		if err != nil {
			m.fail()
			return "", err
		}
		created, err := m.conn.SetIfAbsent(ctx, room.Path(m.cfg.RoomPrefix, candidate), tree)
		if err != nil {
			m.fail()
			return "", transportErr(err)
		}
		if created {
			code = candidate
			break
		}
		m.logger.Debug("room code collision, regenerating", zap.String("code", candidate))
	}
	if code == "" {
		m.fail()
		return "", fmt.Errorf("session: exhausted %d room code attempts", createAttempts)
	}

	if err := m.attach(ctx, code, self, room.LifecycleWaiting, true); err != nil {
		return "", err
	}
	m.emitter.Emit(events.RoomCreated{Code: code, Self: self})
	return code, nil
}

// JoinRoom adds the local player to an existing room. The seat index is the
// roster size at read time and the palette color follows from it.
func (m *Manager) JoinRoom(ctx context.Context, code string, opts Options) error {
	if err := m.begin(); err != nil {
		return err
	}

	snap, err := m.conn.Get(ctx, room.Path(m.cfg.RoomPrefix, code))
	if err != nil {
		m.fail()
		return transportErr(err)
	}
	if !snap.Exists() {
		m.reset()
		return ErrRoomNotFound
	}
	var doc room.Room
	if err := store.Decode(snap.Value, &doc); err != nil {
		m.reset()
		return err
	}
	if len(doc.Players) >= doc.Capacity {
		m.reset()
		return ErrRoomFull
	}
	if doc.Lifecycle == room.LifecyclePlaying {
		m.reset()
		return ErrGameInProgress
	}

	self := m.newSelf(opts.DisplayName, len(doc.Players), false)
	tree, err := store.Encode(self)
	if err != nil {
		m.reset()
		return err
	}
	tree.(map[string]any)["lastActiveAt"] = store.ServerTimestamp
	if err := m.conn.Set(ctx, room.PlayerPath(m.cfg.RoomPrefix, code, self.ID), tree); err != nil {
		m.fail()
		return transportErr(err)
	}

	if err := m.attach(ctx, code, self, doc.Lifecycle, false); err != nil {
		return err
	}
	m.emitter.Emit(events.RoomJoined{Code: code, Self: self})
	return nil
}

// LeaveRoom removes the local player; a departing host tears down the whole
// room (no host migration). Safe to call repeatedly.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.mu.Lock()
	if m.code == "" {
		m.mu.Unlock()
		return nil
	}
	code := m.code
	isHost := m.isHost
	selfID := m.self.ID
	m.teardownLocked()
	m.mu.Unlock()

	playerPath := room.PlayerPath(m.cfg.RoomPrefix, code, selfID)
	if err := m.conn.CancelDisconnect(playerPath); err != nil {
		m.logger.Warn("cancel disconnect cleanup failed", zap.Error(err))
	}
	target := playerPath
	if isHost {
		target = room.Path(m.cfg.RoomPrefix, code)
	}
	err := m.conn.Delete(ctx, target)

	m.emitter.Emit(events.RoomLeft{Code: code})
	if err != nil {
		return transportErr(err)
	}
	return nil
}

// SetReady flips the local player's ready flag. Everyone observes it through
// the roster subscription.
func (m *Manager) SetReady(ctx context.Context, ready bool) error {
	m.mu.Lock()
	if m.code == "" {
		m.mu.Unlock()
		return nil
	}
	path := room.PlayerPath(m.cfg.RoomPrefix, m.code, m.self.ID)
	m.self.Ready = ready
	m.mu.Unlock()

	if err := m.conn.Update(ctx, path, map[string]any{"ready": ready}); err != nil {
		return transportErr(err)
	}
	return nil
}

// StartGame flips the room to playing. Host only; a non-host call is a silent
// no-op. The local transition to playing happens via the store notification,
// in lockstep with every other participant.
func (m *Manager) StartGame(ctx context.Context) error {
	m.mu.Lock()
	if m.code == "" || !m.isHost {
		m.mu.Unlock()
		return nil
	}
	path := room.Path(m.cfg.RoomPrefix, m.code)
	m.mu.Unlock()

	fields := map[string]any{
		"lifecycleState": string(room.LifecyclePlaying),
		"startedAt":      store.ServerTimestamp,
	}
	if err := m.conn.Update(ctx, path, fields); err != nil {
		return transportErr(err)
	}
	return nil
}

// EndGame marks the room finished with an opaque results payload. Any
// participant may call it; players and the room stay put.
func (m *Manager) EndGame(ctx context.Context, results map[string]any) error {
	m.mu.Lock()
	if m.code == "" {
		m.mu.Unlock()
		return nil
	}
	path := room.Path(m.cfg.RoomPrefix, m.code)
	m.mu.Unlock()

	fields := map[string]any{"lifecycleState": string(room.LifecycleFinished)}
	if results != nil {
		fields["results"] = results
	}
	if err := m.conn.Update(ctx, path, fields); err != nil {
		return transportErr(err)
	}
	return nil
}

// --- internals -------------------------------------------------------------

// begin moves an idle session into connecting. Error and disconnected are
// both valid starting points so a failed attempt can be retried.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusDisconnected && m.status != StatusError {
		return ErrSessionActive
	}
	m.status = StatusConnecting
	return nil
}

func (m *Manager) fail() {
	m.mu.Lock()
	m.status = StatusError
	m.mu.Unlock()
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.status = StatusDisconnected
	m.mu.Unlock()
}

func (m *Manager) newSelf(name string, seat int, host bool) room.Player {
	if name == "" {
		name = "Player"
	}
	return room.Player{
		ID:     uuid.NewString(),
		Name:   name,
		Color:  room.ColorForSeat(seat),
		Seat:   seat,
		IsHost: host,
		State:  m.startState(seat),
	}
}

// startState seeds the player's replicated state with the seat's spawn point.
func (m *Manager) startState(seat int) map[string]any {
	positions := m.adapter.StartPositions()
	if len(positions) == 0 {
		return nil
	}
	pos := positions[seat%len(positions)]
	return map[string]any{"position": map[string]any{"x": pos.X, "y": pos.Y}}
}

// attach wires up disconnect cleanup, subscriptions and the heartbeat after a
// successful create or join.
func (m *Manager) attach(ctx context.Context, code string, self room.Player, lifecycle room.Lifecycle, host bool) error {
	prefix := m.cfg.RoomPrefix
	playerPath := room.PlayerPath(prefix, code, self.ID)
	if err := m.conn.OnDisconnectDelete(playerPath); err != nil {
		m.fail()
		return transportErr(err)
	}

	m.mu.Lock()
	m.status = StatusConnected
	m.code = code
	m.self = self
	m.isHost = host
	m.lifecycle = lifecycle
	m.roster = map[string]room.Player{self.ID: self}
	m.prevRoom = nil
	m.mu.Unlock()

	rootSub, err := m.conn.OnValue(room.Path(prefix, code), m.onRoomValue)
	if err != nil {
		m.fail()
		return transportErr(err)
	}
	actionSub, err := m.conn.OnChildAdded(room.ActionsPath(prefix, code), nil, m.onActionAdded)
	if err != nil {
		rootSub.Cancel()
		m.fail()
		return transportErr(err)
	}
	chatSub, err := m.conn.OnChildAdded(room.ChatPath(prefix, code),
		&store.Query{OrderByChild: "serverTimestamp", LimitToLast: room.ChatHistory}, m.onChatAdded)
	if err != nil {
		rootSub.Cancel()
		actionSub.Cancel()
		m.fail()
		return transportErr(err)
	}

	m.mu.Lock()
	m.subs = []store.Subscription{rootSub, actionSub, chatSub}
	m.startHeartbeatLocked(playerPath)
	m.status = StatusInLobby
	m.mu.Unlock()
	return nil
}

// teardownLocked stops the heartbeat, cancels subscriptions and clears local
// membership. Caller holds m.mu.
func (m *Manager) teardownLocked() {
	m.stopHeartbeatLocked()
	for _, s := range m.subs {
		s.Cancel()
	}
	m.subs = nil
	m.status = StatusDisconnected
	m.code = ""
	m.isHost = false
	m.roster = nil
	m.prevRoom = nil
	m.lifecycle = room.LifecycleWaiting
}

func (m *Manager) startHeartbeatLocked(playerPath string) {
	stop := make(chan struct{})
	m.hbStop = stop
	go m.heartbeat(playerPath, stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}
