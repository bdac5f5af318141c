// Package session implements the per-participant manager that owns one room
// membership: lifecycle, presence, throttled state replication, action
// broadcast and chat, over an abstract synchronized store.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/events"
	"github.com/samuel-1-avson/arcade-sync/internal/game"
	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

var (
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	ErrRoomNotFound         = errors.New("session: room not found")
	ErrRoomFull             = errors.New("session: room full")
	ErrGameInProgress       = errors.New("session: game in progress")
	ErrSessionActive        = errors.New("session: already in a room")
	ErrUnsupportedMode      = errors.New("session: unsupported mode")
)

// Status is the local connection state. Only the local client sees it; the
// replicated lifecycle lives in the room document.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusInLobby      Status = "in-lobby"
	StatusPlaying      Status = "playing"
	StatusSpectating   Status = "spectating"
	StatusError        Status = "error"
)

// DefaultHeartbeat is how often the player's lastActiveAt field is rewritten.
const DefaultHeartbeat = 10 * time.Second

const createAttempts = 16

// Options customizes room creation and joining.
type Options struct {
	// DisplayName is the name shown to other participants.
	DisplayName string

	// Settings is an opaque game-supplied map stored on the room document.
	// Only meaningful on create.
	Settings map[string]any
}

// Manager owns one participant's membership in one room. All methods are safe
// for concurrent use; store notifications and emitted events are serialized
// against API calls.
type Manager struct {
	conn    store.Conn
	adapter game.Adapter
	cfg     game.Config
	emitter *events.Emitter
	logger  *zap.Logger
	now     func() time.Time

	heartbeatEvery time.Duration

	mu        sync.Mutex
	status    Status
	code      string
	self      room.Player
	isHost    bool
	lifecycle room.Lifecycle
	roster    map[string]room.Player
	prevRoom  *room.Room
	lastSync  time.Time
	subs      []store.Subscription
	hbStop    chan struct{}
}

func New(conn store.Conn, adapter game.Adapter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conn:           conn,
		adapter:        adapter,
		cfg:            adapter.Config(),
		emitter:        events.NewEmitter(logger),
		logger:         logger,
		now:            time.Now,
		heartbeatEvery: DefaultHeartbeat,
		status:         StatusDisconnected,
	}
}

// Events exposes the session's event emitter for the hosting game.
func (m *Manager) Events() *events.Emitter { return m.emitter }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Code returns the current room code, or "" when not in a room.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// Self returns the local player entry as last written.
func (m *Manager) Self() room.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// Players returns the latest roster snapshot, sorted by seat index.
func (m *Manager) Players() []room.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortPlayers(m.roster)
}

// AllPlayersReady reports whether every rostered player has set the ready
// flag. False for an empty roster.
func (m *Manager) AllPlayersReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allReady(m.roster)
}

func allReady(players map[string]room.Player) bool {
	if len(players) == 0 {
		return false
	}
	for _, p := range players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func sortPlayers(players map[string]room.Player) []room.Player {
	out := make([]room.Player, 0, len(players))
	for _, p := range players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seat < out[j].Seat })
	return out
}

// transportErr tags a store failure with the session error taxonomy while
// keeping the cause visible.
func transportErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
}
