package consensus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Group is the consensus group of one cluster: its nodes and the in-process
// network connecting them.
type Group struct {
	clusterID string
	cfg       Config
	network   *LocalNetwork
	log       zerolog.Logger

	mu      sync.Mutex
	nodes   map[string]*Node
	order   []string
	leaders map[uint64]string
}

func NewGroup(clusterID string, cfg Config, logger zerolog.Logger) *Group {
	return &Group{
		clusterID: clusterID,
		cfg:       cfg,
		network:   NewLocalNetwork(),
		log:       logger,
		nodes:     make(map[string]*Node),
		leaders:   make(map[uint64]string),
	}
}

func (g *Group) ClusterID() string { return g.clusterID }

func (g *Group) Network() *LocalNetwork { return g.network }

// Enroll adds a node for id. Its peers are the current members, and every
// existing member learns about it.
func (g *Group) Enroll(id string, store LogStore, apply ApplyFunc) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	term := g.currentTermLocked()
	node, err := NewNode(NodeOptions{
		ID:         id,
		ClusterID:  g.clusterID,
		Peers:      append([]string(nil), g.order...),
		Config:     g.cfg,
		Transport:  g.network,
		Store:      store,
		Apply:      apply,
		Logger:     g.log,
		onLeader:   g.observeLeader,
		joinTerm:   term,
		joinLeader: g.leaders[term],
	})
	if err != nil {
		return nil, err
	}
	for _, other := range g.nodes {
		other.AddPeer(id)
	}
	g.nodes[id] = node
	g.order = append(g.order, id)
	g.network.Register(id, node)
	return node, nil
}

// currentTermLocked is the highest term any member has reached or any
// election has been won in.
func (g *Group) currentTermLocked() uint64 {
	var term uint64
	for _, n := range g.nodes {
		term = max(term, n.Status().Term)
	}
	for t := range g.leaders {
		term = max(term, t)
	}
	return term
}

func (g *Group) Node(id string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Members returns node ids in join order.
func (g *Group) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func (g *Group) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Leader returns the node leading the highest term, if any.
func (g *Group) Leader() (*Node, bool) {
	var (
		leader *Node
		term   uint64
	)
	for _, n := range g.Nodes() {
		st := n.Status()
		if st.Role == Leader && (leader == nil || st.Term > term) {
			leader, term = n, st.Term
		}
	}
	return leader, leader != nil
}

// TermLeader returns the node that won term, if any did.
func (g *Group) TermLeader(term uint64) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.leaders[term]
	return id, ok
}

// observeLeader records election results. Two winners of one term means the
// vote counting is broken.
func (g *Group) observeLeader(term uint64, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.leaders[term]; ok && prev != id {
		panic(fmt.Sprintf("consensus: cluster %s elected %s and %s in term %d", g.clusterID, prev, id, term))
	}
	g.leaders[term] = id
}

// Status returns the status of every member in join order.
func (g *Group) Status() []Status {
	nodes := g.Nodes()
	out := make([]Status, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Status())
	}
	return out
}
