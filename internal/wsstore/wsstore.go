// Package wsstore implements the store contract over a websocket connection
// to the store daemon. Requests are correlated by id; notifications are
// fanned out per subscription on dedicated goroutines so a callback can talk
// back to the store without wedging the reader.
package wsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/samuel-1-avson/arcade-sync/internal/protocol"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

const subQueueSize = 256

// Conn is a live connection to the store daemon.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]chan protocol.ServerMessage
	subs    map[uint64]*subscription

	done chan struct{}
}

var _ store.Conn = (*Conn)(nil)

// Dial connects to a store daemon websocket endpoint, e.g. ws://host:8080/ws.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstore: dial: %w", err)
	}
	c := &Conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan protocol.ServerMessage),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		var msg protocol.ServerMessage
		if err := wsjson.Read(context.Background(), c.ws, &msg); err != nil {
			return
		}
		switch msg.Type {
		case protocol.TypeAck:
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case protocol.TypeEvent:
			c.mu.Lock()
			sub := c.subs[msg.Sub]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			val, err := store.DecodeRaw(msg.Value)
			if err != nil {
				c.logger.Error("wsstore: bad event payload", zap.Error(err))
				continue
			}
			sub.enqueue(store.Snapshot{Key: msg.Key, Value: val}, c.logger)
		}
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.pending = nil
	close(c.done)
	c.mu.Unlock()

	for _, s := range subs {
		s.stopQueue()
	}
}

// call sends one request and waits for its ack.
func (c *Conn) call(ctx context.Context, msg protocol.ClientMessage) (protocol.ServerMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ServerMessage{}, store.ErrClosed
	}
	c.nextID++
	msg.ID = c.nextID
	ch := make(chan protocol.ServerMessage, 1)
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, msg); err != nil {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		return protocol.ServerMessage{}, err
	}

	select {
	case ack := <-ch:
		if ack.Error != "" {
			return ack, fmt.Errorf("wsstore: %s", ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return protocol.ServerMessage{}, ctx.Err()
	case <-c.done:
		return protocol.ServerMessage{}, store.ErrClosed
	}
}

func (c *Conn) write(ctx context.Context, msg protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("wsstore: write: %w", err)
	}
	return nil
}

// --- store.Conn ------------------------------------------------------------

func (c *Conn) Get(ctx context.Context, path string) (store.Snapshot, error) {
	ack, err := c.call(ctx, protocol.ClientMessage{Op: protocol.OpGet, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	val, err := store.DecodeRaw(ack.Value)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Key: ack.Key, Value: val}, nil
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("wsstore: encode: %w", err)
	}
	_, err = c.call(ctx, protocol.ClientMessage{Op: protocol.OpSet, Path: path, Value: raw})
	return err
}

func (c *Conn) SetIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("wsstore: encode: %w", err)
	}
	ack, err := c.call(ctx, protocol.ClientMessage{Op: protocol.OpSetIfAbsent, Path: path, Value: raw})
	if err != nil {
		return false, err
	}
	return ack.Created, nil
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("wsstore: encode: %w", err)
	}
	_, err = c.call(ctx, protocol.ClientMessage{Op: protocol.OpUpdate, Path: path, Value: raw})
	return err
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, protocol.ClientMessage{Op: protocol.OpDelete, Path: path})
	return err
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("wsstore: encode: %w", err)
	}
	ack, err := c.call(ctx, protocol.ClientMessage{Op: protocol.OpPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return ack.Key, nil
}

func (c *Conn) OnValue(path string, fn store.ValueFunc) (store.Subscription, error) {
	return c.listen(protocol.KindValue, path, nil, func(s store.Snapshot) { fn(s) })
}

func (c *Conn) OnChildAdded(path string, q *store.Query, fn store.ChildFunc) (store.Subscription, error) {
	return c.listen(protocol.KindChildAdded, path, q, func(s store.Snapshot) { fn(s) })
}

// listen registers the local subscription before the request goes out, so an
// initial notification racing the ack is never dropped.
func (c *Conn) listen(kind, path string, q *store.Query, fn func(store.Snapshot)) (store.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	c.nextID++
	id := c.nextID
	sub := &subscription{
		c:     c,
		id:    id,
		fn:    fn,
		queue: make(chan store.Snapshot, subQueueSize),
		stop:  make(chan struct{}),
	}
	c.subs[id] = sub
	c.mu.Unlock()
	go sub.loop()

	msg := protocol.ClientMessage{Op: protocol.OpListen, Path: path, Kind: kind, Sub: id}
	if q != nil {
		msg.OrderBy = q.OrderByChild
		msg.Limit = q.LimitToLast
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := c.call(ctx, msg); err != nil {
		c.removeSub(id)
		sub.stopQueue()
		return nil, err
	}
	return sub, nil
}

func (c *Conn) removeSub(id uint64) {
	c.mu.Lock()
	if c.subs != nil {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *Conn) OnDisconnectDelete(path string) error {
	_, err := c.call(context.Background(), protocol.ClientMessage{Op: protocol.OpDisconnectDelete, Path: path})
	return err
}

func (c *Conn) CancelDisconnect(path string) error {
	_, err := c.call(context.Background(), protocol.ClientMessage{Op: protocol.OpDisconnectCancel, Path: path})
	return err
}

// Close ends the session cleanly. The daemon still runs any registered
// disconnect cleanups, exactly as it would on a crash.
func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "bye")
	c.shutdown()
	return err
}

// --- subscriptions ---------------------------------------------------------

type subscription struct {
	c     *Conn
	id    uint64
	fn    func(store.Snapshot)
	queue chan store.Snapshot
	stop  chan struct{}
	once  sync.Once
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.stop:
			return
		case snap := <-s.queue:
			s.fn(snap)
		}
	}
}

func (s *subscription) enqueue(snap store.Snapshot, logger *zap.Logger) {
	select {
	case s.queue <- snap:
	default:
		logger.Warn("wsstore: dropping notification for slow subscriber", zap.Uint64("sub", s.id))
	}
}

func (s *subscription) stopQueue() {
	s.once.Do(func() { close(s.stop) })
}

// Cancel is safe to call from inside the callback; the unlisten request is
// issued without waiting for its ack.
func (s *subscription) Cancel() {
	s.stopQueue()
	s.c.removeSub(s.id)
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.c.mu.Lock()
		closed := s.c.closed
		s.c.mu.Unlock()
		if closed {
			return
		}
		_ = s.c.write(ctx, protocol.ClientMessage{Op: protocol.OpUnlisten, Sub: s.id})
	}()
}
