package consensus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type NodeOptions struct {
	ID        string
	ClusterID string
	Peers     []string
	Config    Config
	Transport Transport
	Store     LogStore
	Apply     ApplyFunc
	Logger    zerolog.Logger

	// onLeader is called when the node wins an election.
	onLeader   func(term uint64, id string)
	// joinTerm and joinLeader carry the group's current term to a node
	// enrolled at runtime. The node starts in that term having already cast
	// its vote, for joinLeader when one is known and for itself otherwise.
	joinTerm   uint64
	joinLeader string
}

// Node is one participant of a cluster's consensus group. All of its state is
// guarded by mu, which is never held across an RPC or an ApplyFunc call.
type Node struct {
	id        string
	clusterID string
	cfg       Config
	transport Transport
	store     LogStore
	apply     ApplyFunc
	onLeader  func(term uint64, id string)
	log       zerolog.Logger

	mu          sync.Mutex
	peers       []string
	role        Role
	term        uint64
	votedFor    string
	leaderID    string
	entries     []LogEntry
	commitIndex int
	lastApplied int
	nextIndex   map[string]int
	matchIndex  map[string]int
	deadline    time.Time

	// applyMu serializes appliers so entries run once and in order.
	applyMu sync.Mutex
}

// NewNode restores a node from its store. Entries that were applied before a
// restart count as committed and are not applied again.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryLogStore()
	}
	st, entries, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load consensus state for %s: %w", opts.ID, err)
	}
	if st.LastApplied > len(entries) {
		return nil, fmt.Errorf("node %s: last applied %d beyond log length %d", opts.ID, st.LastApplied, len(entries))
	}

	n := &Node{
		id:          opts.ID,
		clusterID:   opts.ClusterID,
		cfg:         opts.Config.withDefaults(),
		transport:   opts.Transport,
		store:       opts.Store,
		apply:       opts.Apply,
		onLeader:    opts.onLeader,
		log:         opts.Logger.With().Str("component", "consensus").Str("cluster_id", opts.ClusterID).Str("node_id", opts.ID).Logger(),
		role:        Follower,
		term:        st.Term,
		votedFor:    st.VotedFor,
		entries:     entries,
		commitIndex: st.LastApplied,
		lastApplied: st.LastApplied,
	}
	if opts.joinTerm > n.term {
		n.term = opts.joinTerm
		n.votedFor = opts.joinLeader
		if n.votedFor == "" {
			n.votedFor = n.id
		}
		n.leaderID = opts.joinLeader
		if err := n.persistLocked(); err != nil {
			return nil, fmt.Errorf("persist join term for %s: %w", opts.ID, err)
		}
	}
	for _, p := range opts.Peers {
		if p != opts.ID && !slices.Contains(n.peers, p) {
			n.peers = append(n.peers, p)
		}
	}
	n.resetDeadlineLocked()
	metrics.ConsensusTerm.WithLabelValues(n.clusterID, n.id).Set(float64(n.term))
	return n, nil
}

func (n *Node) ID() string { return n.id }

// AddPeer makes id part of this node's group.
func (n *Node) AddPeer(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id == n.id || slices.Contains(n.peers, id) {
		return
	}
	n.peers = append(n.peers, id)
	if n.role == Leader {
		n.nextIndex[id] = 0
		n.matchIndex[id] = 0
	}
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		NodeID:      n.id,
		ClusterID:   n.clusterID,
		Role:        n.role,
		Term:        n.term,
		VotedFor:    n.votedFor,
		LeaderID:    n.leaderID,
		LogLength:   len(n.entries),
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		Peers:       append([]string(nil), n.peers...),
	}
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Entries returns a copy of the log.
func (n *Node) Entries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]LogEntry(nil), n.entries...)
}

// Run drives elections and heartbeats until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	n.resetDeadlineLocked()
	n.mu.Unlock()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n.mu.Lock()
			role, expired := n.role, now.After(n.deadline)
			n.mu.Unlock()

			switch {
			case role == Leader:
				n.Replicate(ctx)
			case expired:
				n.Campaign(ctx)
			}
		}
	}
}

// Campaign campaigns for leadership of the next term and reports whether
// this node won.
func (n *Node) Campaign(ctx context.Context) bool {
	n.mu.Lock()
	n.term++
	n.role = Candidate
	n.votedFor = n.id
	n.leaderID = ""
	n.resetDeadlineLocked()
	if err := n.persistLocked(); err != nil {
		n.role = Follower
		n.mu.Unlock()
		n.log.Error().Err(err).Msg("failed to persist candidacy")
		return false
	}
	term := n.term
	req := VoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogTerm:  n.lastLogTermLocked(),
		LastLogCount: len(n.entries),
	}
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	metrics.ConsensusTerm.WithLabelValues(n.clusterID, n.id).Set(float64(term))
	n.log.Debug().Uint64("term", term).Msg("starting election")

	var (
		mu    sync.Mutex
		votes = 1
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.RequestVote(cctx, n.id, peer, req)
			if err != nil {
				n.log.Trace().Err(err).Str("peer", peer).Msg("vote request failed")
				return nil
			}
			if resp.Term > term {
				n.mu.Lock()
				n.observeTermLocked(resp.Term)
				n.mu.Unlock()
				return nil
			}
			if resp.Granted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	n.mu.Lock()
	won := n.role == Candidate && n.term == term && votes*2 > len(peers)+1
	if won {
		n.becomeLeaderLocked()
	} else if n.role == Candidate && n.term == term {
		n.role = Follower
	}
	n.mu.Unlock()

	outcome := "lost"
	if won {
		if n.onLeader != nil {
			n.onLeader(term, n.id)
		}
		outcome = "won"
		n.log.Info().Uint64("term", term).Int("votes", votes).Int("group_size", len(peers)+1).Msg("elected leader")
		n.Replicate(ctx)
	}
	metrics.ConsensusElections.WithLabelValues(n.clusterID, n.id, outcome).Inc()
	return won
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	n.nextIndex = make(map[string]int, len(n.peers))
	n.matchIndex = make(map[string]int, len(n.peers))
	for _, p := range n.peers {
		n.nextIndex[p] = len(n.entries)
		n.matchIndex[p] = 0
	}
}

// Propose appends command to the leader's log, replicates it and applies it
// if a majority accepted it. An uncommitted entry stays in the log and may
// still commit on a later replication round.
func (n *Node) Propose(ctx context.Context, command []byte) (ProposeResult, error) {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		if leader != "" {
			return ProposeResult{}, fmt.Errorf("%w (leader is %s)", ErrNotLeader, leader)
		}
		return ProposeResult{}, ErrNotLeader
	}
	entry := LogEntry{Term: n.term, Index: len(n.entries), Command: command}
	if err := n.store.Append([]LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return ProposeResult{}, fmt.Errorf("persist entry %d: %w", entry.Index, err)
	}
	n.entries = append(n.entries, entry)
	n.mu.Unlock()

	before := n.Status().CommitIndex
	n.Replicate(ctx)

	st := n.Status()
	committed := st.CommitIndex > entry.Index
	if committed && st.CommitIndex > before {
		// Second round so followers learn the new commit index.
		n.Replicate(ctx)
	}
	return ProposeResult{Index: entry.Index, Term: entry.Term, Committed: committed}, nil
}

// Replicate sends every follower the entries it is missing, or a heartbeat if
// it has them all, then advances the commit index and applies.
func (n *Node) Replicate(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.term
	reqs := make(map[string]AppendRequest, len(n.peers))
	for _, p := range n.peers {
		next := min(n.nextIndex[p], len(n.entries))
		req := AppendRequest{
			Term:         term,
			LeaderID:     n.id,
			PrevLogCount: next,
			Entries:      append([]LogEntry(nil), n.entries[next:]...),
			LeaderCommit: n.commitIndex,
		}
		if next > 0 {
			req.PrevLogTerm = n.entries[next-1].Term
		}
		reqs[p] = req
	}
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for peer, req := range reqs {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.AppendEntries(cctx, n.id, peer, req)
			if err != nil {
				n.log.Trace().Err(err).Str("peer", peer).Msg("append entries failed")
				return nil
			}
			n.handleAppendResponse(peer, term, req, resp)
			return nil
		})
	}
	_ = g.Wait()

	n.mu.Lock()
	n.advanceCommitLocked()
	n.mu.Unlock()
	n.applyCommitted()
}

func (n *Node) handleAppendResponse(peer string, term uint64, req AppendRequest, resp AppendResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.observeTermLocked(resp.Term)
		return
	}
	if n.role != Leader || n.term != term {
		return
	}
	if resp.Success {
		match := req.PrevLogCount + len(req.Entries)
		if match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
		n.nextIndex[peer] = n.matchIndex[peer]
		return
	}
	// Retried on the next round from the follower's hint.
	next := min(n.nextIndex[peer]-1, resp.MatchCount)
	n.nextIndex[peer] = max(next, 0)
}

// advanceCommitLocked commits the highest count held by a majority, counting
// the leader's own log. Only entries from the current term are committed
// directly; earlier ones commit with them.
func (n *Node) advanceCommitLocked() {
	if n.role != Leader {
		return
	}
	matches := make([]int, 0, len(n.peers)+1)
	matches = append(matches, len(n.entries))
	for _, p := range n.peers {
		matches = append(matches, n.matchIndex[p])
	}
	sort.Sort(sort.Reverse(sort.IntSlice(matches)))
	candidate := matches[len(matches)/2]

	if candidate > n.commitIndex && n.entries[candidate-1].Term == n.term {
		n.commitIndex = candidate
		metrics.ConsensusCommitIndex.WithLabelValues(n.clusterID, n.id).Set(float64(candidate))
	}
	n.checkInvariantsLocked()
}

func (n *Node) HandleRequestVote(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return VoteResponse{Term: n.term}
	}
	if req.Term > n.term {
		n.observeTermLocked(req.Term)
	}

	lastTerm := n.lastLogTermLocked()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogCount >= len(n.entries))
	if (n.votedFor == "" || n.votedFor == req.CandidateID) && upToDate {
		n.votedFor = req.CandidateID
		if err := n.persistLocked(); err != nil {
			n.log.Error().Err(err).Msg("failed to persist vote")
			return VoteResponse{Term: n.term}
		}
		n.resetDeadlineLocked()
		return VoteResponse{Term: n.term, Granted: true}
	}
	return VoteResponse{Term: n.term}
}

func (n *Node) HandleAppendEntries(req AppendRequest) AppendResponse {
	resp := n.appendEntries(req)
	if resp.Success {
		n.applyCommitted()
	}
	return resp
}

func (n *Node) appendEntries(req AppendRequest) AppendResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return AppendResponse{Term: n.term, MatchCount: len(n.entries)}
	}
	if req.Term == n.term && n.role == Leader {
		panic(fmt.Sprintf("consensus: %s and %s both lead term %d in cluster %s", n.id, req.LeaderID, req.Term, n.clusterID))
	}
	if req.Term > n.term {
		n.observeTermLocked(req.Term)
	}
	n.role = Follower
	n.leaderID = req.LeaderID
	n.resetDeadlineLocked()

	if req.PrevLogCount > len(n.entries) {
		return AppendResponse{Term: n.term, MatchCount: len(n.entries)}
	}
	if req.PrevLogCount > 0 && n.entries[req.PrevLogCount-1].Term != req.PrevLogTerm {
		return AppendResponse{Term: n.term, MatchCount: req.PrevLogCount - 1}
	}

	var fresh []LogEntry
	for i, e := range req.Entries {
		idx := req.PrevLogCount + i
		if idx < len(n.entries) {
			if n.entries[idx].Term == e.Term {
				continue
			}
			if idx < n.commitIndex {
				panic(fmt.Sprintf("consensus: node %s asked to overwrite committed entry %d", n.id, idx))
			}
			if err := n.store.TruncateFrom(idx); err != nil {
				n.log.Error().Err(err).Int("index", idx).Msg("failed to truncate log")
				return AppendResponse{Term: n.term, MatchCount: idx}
			}
			n.entries = n.entries[:idx]
		}
		fresh = req.Entries[i:]
		break
	}
	if len(fresh) > 0 {
		if err := n.store.Append(fresh); err != nil {
			n.log.Error().Err(err).Msg("failed to persist entries")
			return AppendResponse{Term: n.term, MatchCount: len(n.entries)}
		}
		n.entries = append(n.entries, fresh...)
	}

	match := req.PrevLogCount + len(req.Entries)
	if commit := min(req.LeaderCommit, match); commit > n.commitIndex {
		n.commitIndex = commit
		metrics.ConsensusCommitIndex.WithLabelValues(n.clusterID, n.id).Set(float64(commit))
	}
	n.checkInvariantsLocked()
	return AppendResponse{Term: n.term, Success: true, MatchCount: match}
}

// applyCommitted runs every committed but unapplied entry through the
// ApplyFunc in index order.
func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		entry := n.entries[n.lastApplied]
		if entry.Index != n.lastApplied {
			panic(fmt.Sprintf("consensus: node %s applying entry %d at position %d", n.id, entry.Index, n.lastApplied))
		}
		n.mu.Unlock()

		if n.apply != nil {
			n.apply(entry)
		}

		n.mu.Lock()
		n.lastApplied++
		if err := n.persistLocked(); err != nil {
			n.log.Error().Err(err).Int("last_applied", n.lastApplied).Msg("failed to persist apply progress")
		}
		n.checkInvariantsLocked()
		n.mu.Unlock()
		metrics.ConsensusApplied.WithLabelValues(n.clusterID, n.id).Inc()
	}
}

// observeTermLocked steps down to follower for a newer term.
func (n *Node) observeTermLocked(term uint64) {
	if term <= n.term {
		return
	}
	if n.role == Leader {
		n.log.Info().Uint64("term", n.term).Uint64("new_term", term).Msg("stepping down")
	}
	n.term = term
	n.role = Follower
	n.votedFor = ""
	n.leaderID = ""
	n.resetDeadlineLocked()
	if err := n.persistLocked(); err != nil {
		n.log.Error().Err(err).Msg("failed to persist term")
	}
	metrics.ConsensusTerm.WithLabelValues(n.clusterID, n.id).Set(float64(term))
}

func (n *Node) persistLocked() error {
	return n.store.SaveHardState(HardState{Term: n.term, VotedFor: n.votedFor, LastApplied: n.lastApplied})
}

func (n *Node) lastLogTermLocked() uint64 {
	if len(n.entries) == 0 {
		return 0
	}
	return n.entries[len(n.entries)-1].Term
}

func (n *Node) resetDeadlineLocked() {
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	n.deadline = time.Now().Add(n.cfg.ElectionTimeoutMin + rand.N(spread))
}

func (n *Node) checkInvariantsLocked() {
	if n.lastApplied > n.commitIndex || n.commitIndex > len(n.entries) {
		panic(fmt.Sprintf("consensus: node %s invariant broken: last applied %d, commit %d, log %d",
			n.id, n.lastApplied, n.commitIndex, len(n.entries)))
	}
}
