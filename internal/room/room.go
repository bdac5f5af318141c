// Package room holds the replicated data model shared by every participant of
// a multiplayer session: the room document, player entries, broadcast actions
// and chat messages, plus room-code and color assignment rules.
package room

import (
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

type Mode string

const (
	ModeCooperative Mode = "coop"
	ModeCompetitive Mode = "versus"
	ModeSpectate    Mode = "spectate"
)

type Lifecycle string

const (
	LifecycleWaiting  Lifecycle = "waiting"
	LifecyclePlaying  Lifecycle = "playing"
	LifecycleFinished Lifecycle = "finished"
)

// Room is the shared document addressed by a room code. Exactly one player
// carries the host flag; the room lives and dies with its host.
type Room struct {
	GameID    string            `json:"gameId"`
	HostID    string            `json:"hostId"`
	Mode      Mode              `json:"mode"`
	Capacity  int               `json:"capacity"`
	Lifecycle Lifecycle         `json:"lifecycleState"`
	Settings  map[string]any    `json:"settings,omitempty"`
	CreatedAt int64             `json:"createdAt,omitempty"`
	StartedAt int64             `json:"startedAt,omitempty"`
	Results   map[string]any    `json:"results,omitempty"`
	Players   map[string]Player `json:"players,omitempty"`
}

// Player is one participant's entry in the roster. The seat index is assigned
// at join time and never reassigned; the entry is removed outright on leave.
type Player struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Color        string         `json:"color"`
	Seat         int            `json:"seat"`
	IsHost       bool           `json:"isHost,omitempty"`
	Ready        bool           `json:"ready,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	LastActiveAt int64          `json:"lastActiveAt,omitempty"`
}

// Action is a discrete one-shot game event appended to the room's ordered
// action log. Kind is game-defined; the core never interprets it.
type Action struct {
	Kind            string         `json:"type"`
	Origin          string         `json:"originPlayerId"`
	Payload         map[string]any `json:"payload,omitempty"`
	ServerTimestamp int64          `json:"serverTimestamp,omitempty"`
}

// ChatMessage is one entry in the room's append-only chat log.
type ChatMessage struct {
	Origin          string `json:"originPlayerId"`
	DisplayName     string `json:"displayName"`
	Text            string `json:"text"`
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
}

// ChatHistory is how many trailing chat messages a new subscriber replays.
const ChatHistory = 50

// Palette is the fixed set of player colors, indexed by join order and reused
// cyclically once the roster outgrows it.
var Palette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#ffe119", // yellow
	"#9a6324", // brown
	"#469990", // teal
}

// ColorForSeat returns the palette color for a seat index.
func ColorForSeat(seat int) string {
	if seat < 0 {
		seat = 0
	}
	return Palette[seat%len(Palette)]
}

// Path helpers. The address space is /{prefix}_rooms/{code}/... so unrelated
// games sharing one store never collide.

func BasePath(prefix string) string { return prefix + "_rooms" }

func Path(prefix, code string) string { return store.Join(BasePath(prefix), code) }

func PlayersPath(prefix, code string) string { return store.Join(Path(prefix, code), "players") }

func PlayerPath(prefix, code, playerID string) string {
	return store.Join(PlayersPath(prefix, code), playerID)
}

func ActionsPath(prefix, code string) string { return store.Join(Path(prefix, code), "actions") }

func ChatPath(prefix, code string) string { return store.Join(Path(prefix, code), "chat") }
