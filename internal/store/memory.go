package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// subQueueSize bounds the per-subscription delivery queue. A subscriber that
// falls this far behind starts losing notifications, mirroring how a real
// backend drops slow listeners.
const subQueueSize = 1024

// Memory is an in-process implementation of the store contract. It backs the
// development daemon and every test in this repository. Mutations are
// serialized under one lock; each subscription drains its own queue on a
// dedicated goroutine so per-listener ordering matches apply order.
type Memory struct {
	mu      sync.Mutex
	root    map[string]any
	now     func() int64
	pushSeq uint64
	subSeq  uint64
	subs    map[uint64]*memSub
	logger  *zap.Logger
}

func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		root:   make(map[string]any),
		now:    func() int64 { return time.Now().UnixMilli() },
		subs:   make(map[uint64]*memSub),
		logger: logger,
	}
}

// SetNow overrides the store clock. Test hook.
func (m *Memory) SetNow(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Connect opens a new client connection.
func (m *Memory) Connect() *MemConn {
	return &MemConn{
		m:        m,
		cleanups: make(map[string]struct{}),
	}
}

type subKind int

const (
	subValue subKind = iota
	subChild
)

type memSub struct {
	id    uint64
	kind  subKind
	path  []string
	fn    func(Snapshot)
	seen  map[string]bool // child subs only
	queue chan Snapshot
	stop  chan struct{}
	once  sync.Once
}

func (s *memSub) cancel() {
	s.once.Do(func() { close(s.stop) })
}

func (s *memSub) loop() {
	for {
		select {
		case <-s.stop:
			return
		case snap := <-s.queue:
			s.fn(snap)
		}
	}
}

// MemConn is one client's connection to a Memory store.
type MemConn struct {
	m        *Memory
	mu       sync.Mutex
	closed   bool
	cleanups map[string]struct{}
	subs     []*memSub
}

var _ Conn = (*MemConn)(nil)

func (c *MemConn) Get(_ context.Context, path string) (Snapshot, error) {
	segs, err := c.checkOpen(path)
	if err != nil {
		return Snapshot{}, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	val, _ := lookup(c.m.root, segs)
	return Snapshot{Key: segs[len(segs)-1], Value: copyTree(val)}, nil
}

func (c *MemConn) Set(_ context.Context, path string, value any) error {
	segs, err := c.checkOpen(path)
	if err != nil {
		return err
	}
	return c.m.set(segs, value)
}

func (c *MemConn) SetIfAbsent(_ context.Context, path string, value any) (bool, error) {
	segs, err := c.checkOpen(path)
	if err != nil {
		return false, err
	}
	return c.m.setIfAbsent(segs, value)
}

func (c *MemConn) Update(_ context.Context, path string, fields map[string]any) error {
	segs, err := c.checkOpen(path)
	if err != nil {
		return err
	}
	return c.m.update(segs, fields)
}

func (c *MemConn) Delete(_ context.Context, path string) error {
	segs, err := c.checkOpen(path)
	if err != nil {
		return err
	}
	c.m.delete(segs)
	return nil
}

func (c *MemConn) Push(_ context.Context, path string, value any) (string, error) {
	segs, err := c.checkOpen(path)
	if err != nil {
		return "", err
	}
	return c.m.push(segs, value)
}

func (c *MemConn) OnValue(path string, fn ValueFunc) (Subscription, error) {
	segs, err := c.checkOpen(path)
	if err != nil {
		return nil, err
	}
	sub := c.m.subscribe(subValue, segs, nil, func(s Snapshot) { fn(s) })
	c.track(sub)
	return sub, nil
}

func (c *MemConn) OnChildAdded(path string, q *Query, fn ChildFunc) (Subscription, error) {
	segs, err := c.checkOpen(path)
	if err != nil {
		return nil, err
	}
	sub := c.m.subscribe(subChild, segs, q, func(s Snapshot) { fn(s) })
	c.track(sub)
	return sub, nil
}

func (c *MemConn) OnDisconnectDelete(path string) error {
	if _, err := c.checkOpen(path); err != nil {
		return err
	}
	c.mu.Lock()
	c.cleanups[path] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *MemConn) CancelDisconnect(path string) error {
	if _, err := c.checkOpen(path); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cleanups, path)
	c.mu.Unlock()
	return nil
}

// Close tears down the connection: disconnect cleanups run exactly as they
// would on an ungraceful drop, then all subscriptions are cancelled.
func (c *MemConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cleanups := make([]string, 0, len(c.cleanups))
	for p := range c.cleanups {
		cleanups = append(cleanups, p)
	}
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	sort.Strings(cleanups)
	for _, p := range cleanups {
		if segs, err := SplitPath(p); err == nil {
			c.m.delete(segs)
		}
	}
	for _, s := range subs {
		c.m.unsubscribe(s)
	}
	return nil
}

func (c *MemConn) checkOpen(path string) ([]string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return SplitPath(path)
}

func (c *MemConn) track(s *memSub) {
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
}

// --- store mutations -------------------------------------------------------

func (m *Memory) set(segs []string, value any) error {
	norm, err := m.normalize(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if norm == nil {
		deleteAt(m.root, segs)
	} else {
		parent := ensureParent(m.root, segs)
		parent[segs[len(segs)-1]] = norm
	}
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) setIfAbsent(segs []string, value any) (bool, error) {
	norm, err := m.normalize(value)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := lookup(m.root, segs); ok && cur != nil {
		return false, nil
	}
	parent := ensureParent(m.root, segs)
	parent[segs[len(segs)-1]] = norm
	m.notifyLocked(segs)
	return true, nil
}

func (m *Memory) update(segs []string, fields map[string]any) error {
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := m.normalize(v)
		if err != nil {
			return err
		}
		norm[k] = nv
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := ensureParent(m.root, segs)
	node, ok := parent[segs[len(segs)-1]].(map[string]any)
	if !ok {
		node = make(map[string]any)
		parent[segs[len(segs)-1]] = node
	}
	for k, v := range norm {
		if v == nil {
			delete(node, k)
		} else {
			node[k] = v
		}
	}
	if len(node) == 0 {
		deleteAt(m.root, segs)
	}
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) delete(segs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleteAt(m.root, segs)
	m.notifyLocked(segs)
}

func (m *Memory) push(segs []string, value any) (string, error) {
	norm, err := m.normalize(value)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushSeq++
	key := fmt.Sprintf("k%015d-%s", m.now(), pad(m.pushSeq))
	parent := ensureParent(m.root, append(segs, key))
	parent[key] = norm
	m.notifyLocked(append(segs, key))
	return key, nil
}

// normalize encodes the value into canonical tree form and resolves server
// timestamp sentinels against the store clock.
func (m *Memory) normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	tree, err := Encode(value)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	ts := m.now()
	m.mu.Unlock()
	return resolveTimestamps(tree, ts), nil
}

func resolveTimestamps(tree any, ts int64) any {
	switch v := tree.(type) {
	case string:
		if v == ServerTimestamp {
			return json.Number(strconv.FormatInt(ts, 10))
		}
		return v
	case map[string]any:
		for k, child := range v {
			v[k] = resolveTimestamps(child, ts)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = resolveTimestamps(child, ts)
		}
		return v
	default:
		return v
	}
}

// --- subscriptions ---------------------------------------------------------

func (m *Memory) subscribe(kind subKind, segs []string, q *Query, fn func(Snapshot)) *memSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subSeq++
	sub := &memSub{
		id:    m.subSeq,
		kind:  kind,
		path:  segs,
		fn:    fn,
		queue: make(chan Snapshot, subQueueSize),
		stop:  make(chan struct{}),
	}
	m.subs[sub.id] = sub
	go sub.loop()

	switch kind {
	case subValue:
		val, _ := lookup(m.root, segs)
		m.enqueueLocked(sub, Snapshot{Key: segs[len(segs)-1], Value: copyTree(val)})
	case subChild:
		sub.seen = make(map[string]bool)
		keys := childKeys(m.root, segs)
		replayFrom := len(keys)
		if q != nil {
			replayFrom = len(keys) - q.LimitToLast
			if replayFrom < 0 {
				replayFrom = 0
			}
		}
		node, _ := lookup(m.root, segs)
		children, _ := node.(map[string]any)
		for i, k := range keys {
			sub.seen[k] = true
			if i >= replayFrom {
				m.enqueueLocked(sub, Snapshot{Key: k, Value: copyTree(children[k])})
			}
		}
	}
	return sub
}

func (m *Memory) unsubscribe(s *memSub) {
	m.mu.Lock()
	delete(m.subs, s.id)
	m.mu.Unlock()
	s.cancel()
}

// notifyLocked fans a mutation at segs out to every affected subscription.
// Caller holds m.mu, which is what keeps delivery order equal to apply order.
func (m *Memory) notifyLocked(segs []string) {
	for _, sub := range m.subs {
		switch sub.kind {
		case subValue:
			if !related(sub.path, segs) {
				continue
			}
			val, _ := lookup(m.root, sub.path)
			m.enqueueLocked(sub, Snapshot{Key: sub.path[len(sub.path)-1], Value: copyTree(val)})
		case subChild:
			if !isPrefix(sub.path, segs) || len(segs) <= len(sub.path) {
				continue
			}
			node, _ := lookup(m.root, sub.path)
			children, _ := node.(map[string]any)
			for _, k := range childKeys(m.root, sub.path) {
				if sub.seen[k] {
					continue
				}
				sub.seen[k] = true
				m.enqueueLocked(sub, Snapshot{Key: k, Value: copyTree(children[k])})
			}
		}
	}
}

func (m *Memory) enqueueLocked(sub *memSub, snap Snapshot) {
	select {
	case sub.queue <- snap:
	default:
		m.logger.Warn("store: dropping notification for slow subscriber",
			zap.Uint64("sub", sub.id), zap.String("path", Join(sub.path...)))
	}
}

func (s *memSub) Cancel() { s.cancel() }

// --- tree helpers ----------------------------------------------------------

func lookup(root map[string]any, segs []string) (any, bool) {
	var cur any = root
	for _, seg := range segs {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ensureParent walks to the parent of the final segment, creating (or
// overwriting scalar) intermediate nodes, and returns it.
func ensureParent(root map[string]any, segs []string) map[string]any {
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	return cur
}

// deleteAt removes the node at segs and prunes empty ancestors so a fully
// emptied subtree reads back as absent.
func deleteAt(root map[string]any, segs []string) {
	parents := make([]map[string]any, 0, len(segs))
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		parents = append(parents, cur)
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
	for i := len(parents) - 1; i >= 0; i-- {
		child, _ := parents[i][segs[i]].(map[string]any)
		if child != nil && len(child) == 0 {
			delete(parents[i], segs[i])
		}
	}
}

func childKeys(root map[string]any, segs []string) []string {
	node, _ := lookup(root, segs)
	children, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = copyTree(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = copyTree(c)
		}
		return out
	default:
		return v
	}
}

func isPrefix(prefix, path []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

func related(a, b []string) bool { return isPrefix(a, b) || isPrefix(b, a) }

func pad(n uint64) string {
	s := strconv.FormatUint(n, 10)
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}
