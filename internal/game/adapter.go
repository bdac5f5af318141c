// Package game declares the contract between the session core and the
// per-game logic that consumes it. The core is game-agnostic: everything it
// needs to know about a specific arcade game comes through an Adapter.
package game

import (
	"time"

	"github.com/samuel-1-avson/arcade-sync/internal/room"
)

// Config is the static per-game configuration an adapter supplies.
type Config struct {
	// GameID names the game; also the key for the cached display name.
	GameID string

	// RoomPrefix namespaces this game's rooms inside the shared store.
	RoomPrefix string

	// Capacity is the maximum roster size, host included.
	Capacity int

	// Modes lists the session modes this game supports.
	Modes []room.Mode

	// SyncInterval is the minimum spacing between outgoing state writes.
	// Callers invoke SyncState every frame and rely on this throttle.
	SyncInterval time.Duration
}

// Supports reports whether mode is one of the configured modes.
func (c Config) Supports(mode room.Mode) bool {
	for _, m := range c.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Position is a starting coordinate assigned by seat index.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Adapter is implemented by each game's runtime. Callbacks are invoked from
// the session's notification path and should hand work off quickly.
type Adapter interface {
	Config() Config

	// StartPositions returns the starting layout; seat n spawns at index
	// n modulo the slice length. May return nil if the game has no notion
	// of spawn points.
	StartPositions() []Position

	// OnGameStart fires once when the room transitions to playing.
	OnGameStart()

	// OnGameAction receives every broadcast action except the local
	// player's own.
	OnGameAction(a room.Action)

	// OnPlayerStateUpdate delivers another participant's replicated state
	// blob, once per store notification.
	OnPlayerStateUpdate(playerID string, state map[string]any)
}
