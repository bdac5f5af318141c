// Package events defines the closed set of session events and a small
// instance-owned emitter. Each session manager owns its own emitter, so
// several sessions in one process never cross-talk.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/room"
)

// Event is the sealed interface over everything a session can emit. Consumers
// switch on the concrete type; adding a variant here is a compile-visible
// change for every exhaustive switch.
type Event interface{ isSessionEvent() }

type RoomCreated struct {
	Code string
	Self room.Player
}

type RoomJoined struct {
	Code string
	Self room.Player
}

type RoomLeft struct {
	Code string
}

// PlayersChanged carries the full roster snapshot, sorted by seat.
type PlayersChanged struct {
	Players []room.Player
}

type ReadyChanged struct {
	Player   room.Player
	AllReady bool
}

type GameStarted struct {
	StartedAt int64
}

type GameEnded struct {
	Results map[string]any
}

type ChatReceived struct {
	Message room.ChatMessage
}

func (RoomCreated) isSessionEvent()    {}
func (RoomJoined) isSessionEvent()     {}
func (RoomLeft) isSessionEvent()       {}
func (PlayersChanged) isSessionEvent() {}
func (ReadyChanged) isSessionEvent()   {}
func (GameStarted) isSessionEvent()    {}
func (GameEnded) isSessionEvent()      {}
func (ChatReceived) isSessionEvent()   {}

// Emitter dispatches events synchronously, in subscription order. A panicking
// subscriber is logged and skipped; it cannot break fan-out to the rest.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	order  []int
	subs   map[int]func(Event)
	logger *zap.Logger
}

func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{subs: make(map[int]func(Event)), logger: logger}
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (e *Emitter) Subscribe(fn func(Event)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.subs[e.nextID] = fn
	e.order = append(e.order, e.nextID)
	return e.nextID
}

func (e *Emitter) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit fans ev out to every subscriber.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.order))
	for _, id := range e.order {
		if fn, ok := e.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.dispatch(fn, ev)
	}
}

func (e *Emitter) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("session event subscriber panicked",
				zap.Any("event", ev), zap.Any("panic", r))
		}
	}()
	fn(ev)
}
