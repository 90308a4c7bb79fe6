package consensus

import (
	"context"
	"fmt"
	"sync"
)

// Transport carries RPCs between the nodes of a group. Calls must respect
// ctx so an unresponsive peer cannot block the caller.
type Transport interface {
	RequestVote(ctx context.Context, from, to string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, from, to string, req AppendRequest) (AppendResponse, error)
}

// Handler is the receiving side of a Transport.
type Handler interface {
	HandleRequestVote(req VoteRequest) VoteResponse
	HandleAppendEntries(req AppendRequest) AppendResponse
}

// LinkFilter reports whether a message from one node may reach another.
type LinkFilter func(from, to string) bool

// LocalNetwork delivers RPCs between nodes in the same process. Each call
// runs on its own goroutine and is abandoned when ctx expires.
type LocalNetwork struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	disconnected map[string]bool
	filter       LinkFilter
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers:     make(map[string]Handler),
		disconnected: make(map[string]bool),
	}
}

func (n *LocalNetwork) Register(id string, h Handler) {
	n.mu.Lock()
	n.handlers[id] = h
	n.mu.Unlock()
}

// Disconnect cuts every link to and from id.
func (n *LocalNetwork) Disconnect(id string) {
	n.mu.Lock()
	n.disconnected[id] = true
	n.mu.Unlock()
}

func (n *LocalNetwork) Reconnect(id string) {
	n.mu.Lock()
	delete(n.disconnected, id)
	n.mu.Unlock()
}

// SetFilter installs an extra per-link predicate; nil removes it.
func (n *LocalNetwork) SetFilter(f LinkFilter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

func (n *LocalNetwork) route(from, to string) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if n.disconnected[from] || n.disconnected[to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	if n.filter != nil && !n.filter(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	return h, nil
}

func (n *LocalNetwork) RequestVote(ctx context.Context, from, to string, req VoteRequest) (VoteResponse, error) {
	h, err := n.route(from, to)
	if err != nil {
		return VoteResponse{}, err
	}
	return call(ctx, func() VoteResponse { return h.HandleRequestVote(req) })
}

func (n *LocalNetwork) AppendEntries(ctx context.Context, from, to string, req AppendRequest) (AppendResponse, error) {
	h, err := n.route(from, to)
	if err != nil {
		return AppendResponse{}, err
	}
	return call(ctx, func() AppendResponse { return h.HandleAppendEntries(req) })
}

func call[T any](ctx context.Context, fn func() T) (T, error) {
	done := make(chan T, 1)
	go func() { done <- fn() }()
	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
