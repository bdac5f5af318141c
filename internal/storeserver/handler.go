// Package storeserver exposes an in-process store over websockets so session
// clients on other machines can share one tree. It also hosts the room
// janitor that reclaims abandoned rooms.
package storeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/samuel-1-avson/arcade-sync/internal/protocol"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

const outboxSize = 256

type Server struct {
	store  *store.Memory
	logger *zap.Logger
}

func New(st *store.Memory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: st, logger: logger}
}

// HandleWS upgrades the request and speaks the store protocol until the peer
// goes away. Closing the backing connection afterwards is what fires the
// client's on-disconnect cleanups, so a crashed client is evicted here.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // clients are games, not browsers
	})
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	c := &client{
		conn: s.store.Connect(),
		out:  make(chan protocol.ServerMessage, outboxSize),
		done: make(chan struct{}),
		subs: make(map[uint64]store.Subscription),
	}
	defer c.close()

	writeCtx, writeCancel := context.WithCancel(context.Background())
	defer writeCancel()
	go func() {
		for {
			select {
			case <-c.done:
				return
			case msg := <-c.out:
				ctx, cancel := context.WithTimeout(writeCtx, 5*time.Second)
				err := wsjson.Write(ctx, ws, msg)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg protocol.ClientMessage
		if err := wsjson.Read(r.Context(), ws, &msg); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}
		c.send(c.handle(r.Context(), msg))
	}
}

type client struct {
	conn *store.MemConn
	out  chan protocol.ServerMessage

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	subs   map[uint64]store.Subscription
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.conn.Close()
}

// send never blocks the notification path; a peer that stops draining its
// socket starts losing events, same as any slow subscriber.
func (c *client) send(msg protocol.ServerMessage) {
	select {
	case <-c.done:
	case c.out <- msg:
	default:
	}
}

func (c *client) handle(ctx context.Context, msg protocol.ClientMessage) protocol.ServerMessage {
	ack := protocol.ServerMessage{Type: protocol.TypeAck, ID: msg.ID}

	fail := func(err error) protocol.ServerMessage {
		ack.Error = err.Error()
		return ack
	}

	switch msg.Op {
	case protocol.OpGet:
		snap, err := c.conn.Get(ctx, msg.Path)
		if err != nil {
			return fail(err)
		}
		raw, err := json.Marshal(snap.Value)
		if err != nil {
			return fail(err)
		}
		ack.OK = true
		ack.Key = snap.Key
		ack.Value = raw

	case protocol.OpSet:
		val, err := store.DecodeRaw(msg.Value)
		if err != nil {
			return fail(err)
		}
		if err := c.conn.Set(ctx, msg.Path, val); err != nil {
			return fail(err)
		}
		ack.OK = true

	case protocol.OpSetIfAbsent:
		val, err := store.DecodeRaw(msg.Value)
		if err != nil {
			return fail(err)
		}
		created, err := c.conn.SetIfAbsent(ctx, msg.Path, val)
		if err != nil {
			return fail(err)
		}
		ack.OK = true
		ack.Created = created

	case protocol.OpUpdate:
		val, err := store.DecodeRaw(msg.Value)
		if err != nil {
			return fail(err)
		}
		fields, ok := val.(map[string]any)
		if !ok {
			ack.Error = "update value must be an object"
			return ack
		}
		if err := c.conn.Update(ctx, msg.Path, fields); err != nil {
			return fail(err)
		}
		ack.OK = true

	case protocol.OpDelete:
		if err := c.conn.Delete(ctx, msg.Path); err != nil {
			return fail(err)
		}
		ack.OK = true

	case protocol.OpPush:
		val, err := store.DecodeRaw(msg.Value)
		if err != nil {
			return fail(err)
		}
		key, err := c.conn.Push(ctx, msg.Path, val)
		if err != nil {
			return fail(err)
		}
		ack.OK = true
		ack.Key = key

	case protocol.OpListen:
		sub, err := c.listen(msg)
		if err != nil {
			return fail(err)
		}
		c.mu.Lock()
		c.subs[msg.Sub] = sub
		c.mu.Unlock()
		ack.OK = true
		ack.Sub = msg.Sub

	case protocol.OpUnlisten:
		c.mu.Lock()
		if sub, ok := c.subs[msg.Sub]; ok {
			sub.Cancel()
			delete(c.subs, msg.Sub)
		}
		c.mu.Unlock()
		ack.OK = true

	case protocol.OpDisconnectDelete:
		if err := c.conn.OnDisconnectDelete(msg.Path); err != nil {
			return fail(err)
		}
		ack.OK = true

	case protocol.OpDisconnectCancel:
		if err := c.conn.CancelDisconnect(msg.Path); err != nil {
			return fail(err)
		}
		ack.OK = true

	default:
		ack.Error = "unknown op"
	}
	return ack
}

// listen registers a subscription under the client-chosen id, so the client
// can route notifications that arrive ahead of the ack.
func (c *client) listen(msg protocol.ClientMessage) (store.Subscription, error) {
	id := msg.Sub
	forward := func(kind string) func(store.Snapshot) {
		return func(snap store.Snapshot) {
			raw, err := json.Marshal(snap.Value)
			if err != nil {
				return
			}
			c.send(protocol.ServerMessage{
				Type:  protocol.TypeEvent,
				Sub:   id,
				Kind:  kind,
				Key:   snap.Key,
				Value: raw,
			})
		}
	}

	switch msg.Kind {
	case protocol.KindValue:
		return c.conn.OnValue(msg.Path, forward(protocol.KindValue))
	case protocol.KindChildAdded:
		var q *store.Query
		if msg.Limit > 0 {
			q = &store.Query{OrderByChild: msg.OrderBy, LimitToLast: msg.Limit}
		}
		return c.conn.OnChildAdded(msg.Path, q, forward(protocol.KindChildAdded))
	default:
		return nil, store.ErrUnsupported
	}
}
