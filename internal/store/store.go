// Package store defines the contract for the remote synchronized store the
// session core rides on: a key-value tree with atomic subtree writes, ordered
// append, change subscriptions and disconnect-triggered cleanup. The session
// layer never talks to a concrete backend directly; it holds a Conn.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed      = errors.New("store: connection closed")
	ErrBadPath     = errors.New("store: invalid path")
	ErrUnsupported = errors.New("store: unsupported operation")
)

// ServerTimestamp is a sentinel value. A write containing it gets the field
// replaced by the store's own clock (milliseconds since epoch) at apply time.
const ServerTimestamp = "__SERVER_TIMESTAMP__"

// Snapshot is the value of a path at some point in time. A missing path is
// reported as a snapshot whose Value is nil.
type Snapshot struct {
	Key   string
	Value any
}

// Exists reports whether the path held any data when the snapshot was taken.
func (s Snapshot) Exists() bool { return s.Value != nil }

// Query bounds a child subscription the way the backend's native ordered
// limited queries do. LimitToLast keeps only the trailing n children; existing
// children inside the window are replayed to the subscriber in order.
type Query struct {
	OrderByChild string
	LimitToLast  int
}

type ValueFunc func(Snapshot)
type ChildFunc func(Snapshot)

// Subscription is a live listener registration. Cancel is safe to call from
// inside the callback and more than once.
type Subscription interface {
	Cancel()
}

// Conn is one client's connection to the store. All mutation is scoped to the
// connection so that on-disconnect registrations can be executed when the
// client goes silent. Implementations must be safe for concurrent use.
type Conn interface {
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set atomically replaces the subtree at path.
	Set(ctx context.Context, path string, value any) error

	// SetIfAbsent writes the subtree only if the path is currently empty and
	// reports whether the write happened. This is the conditional create used
	// to arbitrate room-code claims.
	SetIfAbsent(ctx context.Context, path string, value any) (bool, error)

	// Update merges the given top-level fields into the node at path without
	// touching siblings.
	Update(ctx context.Context, path string, fields map[string]any) error

	Delete(ctx context.Context, path string) error

	// Push appends value under path with a generated key that sorts after
	// every previously generated key, and returns that key.
	Push(ctx context.Context, path string, value any) (string, error)

	// OnValue fires fn with the current value of path immediately and again
	// after every change that touches the subtree.
	OnValue(path string, fn ValueFunc) (Subscription, error)

	// OnChildAdded fires fn once per child appended under path after the
	// subscription is made. With a non-nil query the trailing window of
	// existing children is replayed first; with a nil query history is
	// skipped entirely.
	OnChildAdded(path string, q *Query, fn ChildFunc) (Subscription, error)

	// OnDisconnectDelete registers a server-side deletion of path to run if
	// this connection drops, cleanly or not.
	OnDisconnectDelete(path string) error

	// CancelDisconnect removes a previously registered disconnect deletion.
	CancelDisconnect(path string) error

	Close() error
}

// Join builds a slash-separated path from segments.
func Join(segs ...string) string { return strings.Join(segs, "/") }

// SplitPath validates and splits a path into segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrBadPath
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}
	return segs, nil
}

// Encode normalizes a Go value into the store's canonical tree form:
// map[string]any nodes, json.Number scalars for all numbers. Number fidelity
// matters because server timestamps are int64 milliseconds.
func Encode(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return DecodeRaw(raw)
}

// DecodeRaw parses raw JSON into canonical tree form.
func DecodeRaw(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	return out, nil
}

// Decode maps a canonical tree value onto a typed struct.
func Decode(tree any, out any) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}
