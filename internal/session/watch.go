package session

import (
	"context"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/events"
	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

// onRoomValue handles every notification for the room document: roster
// changes, ready flags, replicated player state, lifecycle transitions and
// remote deletion. Events are collected under the lock and emitted outside it.
func (m *Manager) onRoomValue(snap store.Snapshot) {
	var emits []events.Event
	var calls []func()

	m.mu.Lock()
	if m.code == "" {
		m.mu.Unlock()
		return
	}

	if !snap.Exists() {
		// The host deleted the room out from under us.
		code := m.code
		m.teardownLocked()
		m.mu.Unlock()
		m.emitter.Emit(events.RoomLeft{Code: code})
		return
	}

	var doc room.Room
	if err := store.Decode(snap.Value, &doc); err != nil {
		m.logger.Error("malformed room document", zap.Error(err))
		m.mu.Unlock()
		return
	}
	prev := m.prevRoom
	m.prevRoom = &doc

	if prev == nil || !reflect.DeepEqual(prev.Players, doc.Players) {
		emits = append(emits, events.PlayersChanged{Players: sortPlayers(doc.Players)})
		if prev != nil {
			for id, p := range doc.Players {
				if pp, ok := prev.Players[id]; ok && pp.Ready != p.Ready {
					emits = append(emits, events.ReadyChanged{Player: p, AllReady: allReady(doc.Players)})
				}
			}
		}
	}
	m.roster = doc.Players
	if self, ok := doc.Players[m.self.ID]; ok {
		m.self = self
	}

	if m.status == StatusPlaying || m.status == StatusSpectating {
		for id, p := range doc.Players {
			if id == m.self.ID || p.State == nil {
				continue
			}
			id, state := id, p.State
			calls = append(calls, func() { m.adapter.OnPlayerStateUpdate(id, state) })
		}
	}

	if doc.Lifecycle != m.lifecycle {
		m.lifecycle = doc.Lifecycle
		switch doc.Lifecycle {
		case room.LifecyclePlaying:
			if doc.Mode == room.ModeSpectate {
				m.status = StatusSpectating
			} else {
				m.status = StatusPlaying
			}
			m.lastSync = time.Time{}
			emits = append(emits, events.GameStarted{StartedAt: doc.StartedAt})
			calls = append(calls, m.adapter.OnGameStart)
		case room.LifecycleFinished:
			m.status = StatusInLobby
			emits = append(emits, events.GameEnded{Results: doc.Results})
		}
	}
	m.mu.Unlock()

	for _, ev := range emits {
		m.emitter.Emit(ev)
	}
	for _, fn := range calls {
		fn()
	}
}

// onActionAdded forwards broadcast actions to the adapter, filtering out the
// local player's own appends.
func (m *Manager) onActionAdded(snap store.Snapshot) {
	var a room.Action
	if err := store.Decode(snap.Value, &a); err != nil {
		m.logger.Error("malformed action entry", zap.Error(err))
		return
	}
	m.mu.Lock()
	selfID := m.self.ID
	active := m.code != ""
	m.mu.Unlock()
	if !active || a.Origin == selfID {
		return
	}
	m.adapter.OnGameAction(a)
}

func (m *Manager) onChatAdded(snap store.Snapshot) {
	var msg room.ChatMessage
	if err := store.Decode(snap.Value, &msg); err != nil {
		m.logger.Error("malformed chat entry", zap.Error(err))
		return
	}
	m.emitter.Emit(events.ChatReceived{Message: msg})
}

// heartbeat rewrites only lastActiveAt on a fixed period. Pure liveness
// signaling; eviction of crashed clients is the store's disconnect cleanup.
func (m *Manager) heartbeat(playerPath string, stop <-chan struct{}) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.conn.Update(ctx, playerPath, map[string]any{"lastActiveAt": store.ServerTimestamp})
			cancel()
			if err != nil {
				m.logger.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}
