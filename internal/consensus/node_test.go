package consensus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appliedLog records the commands each node applies.
type appliedLog struct {
	mu      sync.Mutex
	applied map[string][]string
}

func newAppliedLog() *appliedLog {
	return &appliedLog{applied: make(map[string][]string)}
}

func (a *appliedLog) fn(id string) ApplyFunc {
	return func(e LogEntry) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.applied[id] = append(a.applied[id], string(e.Command))
	}
}

func (a *appliedLog) get(id string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied[id]...)
}

func testConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		RPCTimeout:         time.Second,
	}
}

func newTestGroup(t *testing.T, size int) (*Group, []*Node, *appliedLog) {
	t.Helper()
	g := NewGroup("cluster-test", testConfig(), zerolog.Nop())
	applied := newAppliedLog()
	nodes := make([]*Node, 0, size)
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("node-%d", i)
		n, err := g.Enroll(id, NewMemoryLogStore(), applied.fn(id))
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	return g, nodes, applied
}

func countLeaders(nodes []*Node) int {
	leaders := 0
	for _, n := range nodes {
		if n.IsLeader() {
			leaders++
		}
	}
	return leaders
}

func requireInvariants(t *testing.T, nodes []*Node) {
	t.Helper()
	for _, n := range nodes {
		st := n.Status()
		require.LessOrEqual(t, st.LastApplied, st.CommitIndex, "node %s", st.NodeID)
		require.LessOrEqual(t, st.CommitIndex, st.LogLength, "node %s", st.NodeID)
	}
}

func TestElectionSingleLeader(t *testing.T) {
	ctx := context.Background()
	g, nodes, _ := newTestGroup(t, 5)

	require.True(t, nodes[2].Campaign(ctx))

	assert.Equal(t, 1, countLeaders(nodes))
	leader, ok := g.Leader()
	require.True(t, ok)
	assert.Equal(t, "node-2", leader.ID())

	id, ok := g.TermLeader(1)
	require.True(t, ok)
	assert.Equal(t, "node-2", id)

	for _, n := range nodes {
		st := n.Status()
		assert.Equal(t, uint64(1), st.Term)
		assert.Equal(t, "node-2", st.LeaderID)
	}
}

func TestElectionRequiresMajority(t *testing.T) {
	ctx := context.Background()
	g, nodes, _ := newTestGroup(t, 5)

	// Two of five votes is not a majority.
	g.Network().Disconnect("node-2")
	g.Network().Disconnect("node-3")
	g.Network().Disconnect("node-4")

	assert.False(t, nodes[0].Campaign(ctx))
	assert.Equal(t, Follower, nodes[0].Status().Role)
	assert.Zero(t, countLeaders(nodes))

	// Three of five is.
	g.Network().Reconnect("node-2")
	assert.True(t, nodes[0].Campaign(ctx))
	assert.Equal(t, 1, countLeaders(nodes))
}

func TestIsolatedMinorityNeverElects(t *testing.T) {
	g, nodes, _ := newTestGroup(t, 5)
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		g.Network().Disconnect(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Run(ctx)
		}()
	}
	wg.Wait()

	assert.Zero(t, countLeaders(nodes))
	requireInvariants(t, nodes)
}

func TestSecondCandidateInSameTermLoses(t *testing.T) {
	ctx := context.Background()
	_, nodes, _ := newTestGroup(t, 3)

	require.True(t, nodes[0].Campaign(ctx))

	// node-1 already voted in term 1; a fresh candidacy moves to term 2.
	resp := nodes[1].HandleRequestVote(VoteRequest{Term: 1, CandidateID: "node-2"})
	assert.False(t, resp.Granted)
}

func TestProposeReplicatesAndCommits(t *testing.T) {
	ctx := context.Background()
	_, nodes, applied := newTestGroup(t, 5)
	require.True(t, nodes[0].Campaign(ctx))

	for i := 0; i < 3; i++ {
		res, err := nodes[0].Propose(ctx, []byte(fmt.Sprintf("cmd-%d", i)))
		require.NoError(t, err)
		assert.True(t, res.Committed)
		assert.Equal(t, i, res.Index)
		assert.Equal(t, uint64(1), res.Term)
	}

	want := []string{"cmd-0", "cmd-1", "cmd-2"}
	for _, n := range nodes {
		st := n.Status()
		assert.Equal(t, 3, st.LogLength, n.ID())
		assert.Equal(t, 3, st.CommitIndex, n.ID())
		assert.Equal(t, 3, st.LastApplied, n.ID())
		assert.Equal(t, want, applied.get(n.ID()), n.ID())
	}
	requireInvariants(t, nodes)
}

func TestProposeOnFollowerFails(t *testing.T) {
	_, nodes, _ := newTestGroup(t, 3)
	_, err := nodes[1].Propose(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestProposeWithoutMajorityDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	g, nodes, applied := newTestGroup(t, 3)
	require.True(t, nodes[0].Campaign(ctx))

	g.Network().Disconnect("node-1")
	g.Network().Disconnect("node-2")

	res, err := nodes[0].Propose(ctx, []byte("stranded"))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Empty(t, applied.get("node-0"))

	g.Network().Reconnect("node-1")
	nodes[0].Replicate(ctx)
	nodes[0].Replicate(ctx)

	assert.Equal(t, []string{"stranded"}, applied.get("node-0"))
	assert.Equal(t, []string{"stranded"}, applied.get("node-1"))
}

func TestStaleCandidateIsRejected(t *testing.T) {
	ctx := context.Background()
	g, nodes, _ := newTestGroup(t, 3)
	require.True(t, nodes[0].Campaign(ctx))

	g.Network().Disconnect("node-2")
	res, err := nodes[0].Propose(ctx, []byte("only-on-0-and-1"))
	require.NoError(t, err)
	require.True(t, res.Committed)
	g.Network().Reconnect("node-2")

	// node-2 has an empty log and must not win even with a higher term.
	assert.False(t, nodes[2].Campaign(ctx))
	assert.False(t, nodes[2].Campaign(ctx))
	assert.Equal(t, 0, nodes[2].Status().LogLength)

	// A node with the committed entry can still win.
	assert.True(t, nodes[1].Campaign(ctx))
	_, err = nodes[1].Propose(ctx, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, 2, nodes[2].Status().LogLength)
}

func TestFollowerConflictingEntriesAreReplaced(t *testing.T) {
	ctx := context.Background()
	g, nodes, applied := newTestGroup(t, 3)
	require.True(t, nodes[0].Campaign(ctx))

	// node-0 appends an entry nobody else sees.
	g.Network().Disconnect("node-0")
	res, err := nodes[0].Propose(ctx, []byte("lost"))
	require.NoError(t, err)
	require.False(t, res.Committed)

	require.True(t, nodes[1].Campaign(ctx))
	_, err = nodes[1].Propose(ctx, []byte("kept"))
	require.NoError(t, err)

	g.Network().Reconnect("node-0")
	nodes[1].Replicate(ctx)
	nodes[1].Replicate(ctx)

	entries := nodes[0].Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", string(entries[0].Command))
	assert.Equal(t, []string{"kept"}, applied.get("node-0"))
}

func TestRestartDoesNotReapply(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store := NewBadgerLogStore(db, "cluster-solo")
	var applied []string
	apply := func(e LogEntry) { applied = append(applied, string(e.Command)) }

	n, err := NewNode(NodeOptions{ID: "solo", ClusterID: "cluster-solo", Config: testConfig(), Store: store, Apply: apply, Transport: NewLocalNetwork()})
	require.NoError(t, err)
	require.True(t, n.Campaign(ctx))
	for _, c := range []string{"a", "b"} {
		res, err := n.Propose(ctx, []byte(c))
		require.NoError(t, err)
		require.True(t, res.Committed)
	}
	assert.Equal(t, []string{"a", "b"}, applied)

	restarted, err := NewNode(NodeOptions{ID: "solo", ClusterID: "cluster-solo", Config: testConfig(), Store: store, Apply: apply, Transport: NewLocalNetwork()})
	require.NoError(t, err)
	st := restarted.Status()
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "solo", st.VotedFor)
	assert.Equal(t, 2, st.LogLength)
	assert.Equal(t, 2, st.LastApplied)

	require.True(t, restarted.Campaign(ctx))
	_, err = restarted.Propose(ctx, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, applied)
}

func TestRunElectsExactlyOneLeader(t *testing.T) {
	g, nodes, _ := newTestGroup(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		_, ok := g.Leader()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	leader, _ := g.Leader()
	res, err := leader.Propose(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, res.Committed)

	cancel()
	wg.Wait()

	byTerm := map[uint64]int{}
	for _, n := range nodes {
		st := n.Status()
		if st.Role == Leader {
			byTerm[st.Term]++
		}
	}
	for term, count := range byTerm {
		assert.Equal(t, 1, count, "term %d", term)
	}
	requireInvariants(t, nodes)
}

// TestRandomOperations drives a group through random elections, proposals and
// replication rounds over a lossy network and checks the log invariants after
// every step. Applied sequences must agree across nodes.
func TestRandomOperations(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			g, nodes, applied := newTestGroup(t, 5)

			var rngMu sync.Mutex
			dropRate := 0.0
			g.Network().SetFilter(func(from, to string) bool {
				rngMu.Lock()
				defer rngMu.Unlock()
				return rng.Float64() >= dropRate
			})

			for step := 0; step < 200; step++ {
				rngMu.Lock()
				op := rng.IntN(10)
				target := nodes[rng.IntN(len(nodes))]
				if rng.IntN(20) == 0 {
					dropRate = []float64{0, 0.2, 0.5}[rng.IntN(3)]
				}
				rngMu.Unlock()

				switch {
				case op < 2:
					target.Campaign(ctx)
				case op < 6:
					if leader, ok := g.Leader(); ok {
						_, _ = leader.Propose(ctx, []byte(fmt.Sprintf("s%d-%d", seed, step)))
					}
				default:
					if leader, ok := g.Leader(); ok {
						leader.Replicate(ctx)
					}
				}
				requireInvariants(t, nodes)
			}

			var longest []string
			for _, n := range nodes {
				if a := applied.get(n.ID()); len(a) > len(longest) {
					longest = a
				}
			}
			for _, n := range nodes {
				a := applied.get(n.ID())
				if len(a) > 0 {
					assert.Equal(t, longest[:len(a)], a, "node %s applied a divergent sequence", n.ID())
				}
			}
		})
	}
}

func TestGroupEnrollRejectsDuplicate(t *testing.T) {
	g, _, _ := newTestGroup(t, 2)
	_, err := g.Enroll("node-0", nil, nil)
	assert.ErrorIs(t, err, ErrNodeExists)
	assert.Equal(t, []string{"node-0", "node-1"}, g.Members())
}

func TestGroupEnrollAfterLeaderCatchesUp(t *testing.T) {
	ctx := context.Background()
	g, nodes, applied := newTestGroup(t, 2)
	require.True(t, nodes[0].Campaign(ctx))
	_, err := nodes[0].Propose(ctx, []byte("before-join"))
	require.NoError(t, err)

	late, err := g.Enroll("node-2", NewMemoryLogStore(), applied.fn("node-2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node-0", "node-1"}, late.Status().Peers)

	_, err = nodes[0].Propose(ctx, []byte("after-join"))
	require.NoError(t, err)
	nodes[0].Replicate(ctx)

	assert.Equal(t, []string{"before-join", "after-join"}, applied.get("node-2"))
}

func TestLateJoinersCannotReelectFinishedTerm(t *testing.T) {
	ctx := context.Background()
	g, nodes, applied := newTestGroup(t, 1)
	require.True(t, nodes[0].Campaign(ctx))

	b, err := g.Enroll("node-1", NewMemoryLogStore(), applied.fn("node-1"))
	require.NoError(t, err)
	c, err := g.Enroll("node-2", NewMemoryLogStore(), applied.fn("node-2"))
	require.NoError(t, err)

	st := c.Status()
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "node-0", st.VotedFor)
	assert.Equal(t, "node-0", st.LeaderID)

	require.NotPanics(t, func() { b.Campaign(ctx) })
	assert.Equal(t, uint64(2), b.Status().Term)
	leader, ok := g.TermLeader(1)
	require.True(t, ok)
	assert.Equal(t, "node-0", leader)
	if id, ok := g.TermLeader(2); ok {
		assert.Equal(t, "node-1", id)
	}
}

func TestJoinDuringUnfinishedTermAbstains(t *testing.T) {
	ctx := context.Background()
	g, nodes, applied := newTestGroup(t, 3)
	g.Network().Disconnect("node-0")
	require.False(t, nodes[0].Campaign(ctx))

	late, err := g.Enroll("node-3", NewMemoryLogStore(), applied.fn("node-3"))
	require.NoError(t, err)
	st := late.Status()
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "node-3", st.VotedFor)
	assert.Empty(t, st.LeaderID)

	resp := late.HandleRequestVote(VoteRequest{Term: 1, CandidateID: "node-1"})
	assert.False(t, resp.Granted)
}
