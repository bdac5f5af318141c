package session

import (
	"context"
	"strings"

	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

// SyncState merges the given fields into the local player's replicated state
// blob. Writes happen only while playing and at most once per configured sync
// interval; calls inside the throttle window drop their state rather than
// queue it, so callers should just call every frame with the freshest values.
func (m *Manager) SyncState(ctx context.Context, partial map[string]any) error {
	m.mu.Lock()
	if m.status != StatusPlaying {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	if !m.lastSync.IsZero() && now.Sub(m.lastSync) < m.cfg.SyncInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastSync = now
	path := store.Join(room.PlayerPath(m.cfg.RoomPrefix, m.code, m.self.ID), "state")
	m.mu.Unlock()

	if err := m.conn.Update(ctx, path, partial); err != nil {
		return transportErr(err)
	}
	return nil
}

// BroadcastAction appends a one-shot game event to the room's action log.
// Fire-and-forget: there is no acknowledgement and late joiners never see it.
func (m *Manager) BroadcastAction(ctx context.Context, kind string, payload map[string]any) error {
	m.mu.Lock()
	if m.code == "" {
		m.mu.Unlock()
		return nil
	}
	path := room.ActionsPath(m.cfg.RoomPrefix, m.code)
	a := room.Action{Kind: kind, Origin: m.self.ID, Payload: payload}
	m.mu.Unlock()

	tree, err := store.Encode(a)
	if err != nil {
		return err
	}
	tree.(map[string]any)["serverTimestamp"] = store.ServerTimestamp
	if _, err := m.conn.Push(ctx, path, tree); err != nil {
		return transportErr(err)
	}
	return nil
}

// SendChat appends a chat message. Empty or whitespace-only text is dropped
// locally without a network round trip.
func (m *Manager) SendChat(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	m.mu.Lock()
	if m.code == "" {
		m.mu.Unlock()
		return nil
	}
	path := room.ChatPath(m.cfg.RoomPrefix, m.code)
	msg := room.ChatMessage{Origin: m.self.ID, DisplayName: m.self.Name, Text: text}
	m.mu.Unlock()

	tree, err := store.Encode(msg)
	if err != nil {
		return err
	}
	tree.(map[string]any)["serverTimestamp"] = store.ServerTimestamp
	if _, err := m.conn.Push(ctx, path, tree); err != nil {
		return transportErr(err)
	}
	return nil
}
