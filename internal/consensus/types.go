// Package consensus implements the leader-based replicated log each cluster
// uses to agree on emergency commands.
//
// Every device in a cluster runs a Node. A Node with an expired election
// timeout campaigns for leadership; the leader appends proposed commands to
// its log, replicates them and commits an entry once a majority holds it.
// Committed entries are handed to the node's ApplyFunc exactly once and in
// index order.
//
// Indices are 0-based. CommitIndex and LastApplied are counts: entries
// [0, CommitIndex) are committed and [0, LastApplied) have been applied.
package consensus

import (
	"errors"
	"fmt"
	"time"
)

type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "unknown"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "follower":
		*r = Follower
	case "candidate":
		*r = Candidate
	case "leader":
		*r = Leader
	default:
		return fmt.Errorf("unknown role %q", text)
	}
	return nil
}

type LogEntry struct {
	Term    uint64 `json:"term"`
	Index   int    `json:"index"`
	Command []byte `json:"command"`
}

// ApplyFunc executes a committed entry.
type ApplyFunc func(entry LogEntry)

type VoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogTerm  uint64
	LastLogCount int
}

type VoteResponse struct {
	Term    uint64
	Granted bool
}

// AppendRequest carries entries starting at index PrevLogCount. An empty
// Entries slice is a heartbeat.
type AppendRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogCount int
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit int
}

type AppendResponse struct {
	Term    uint64
	Success bool
	// MatchCount is the follower's matching prefix length on success, and a
	// hint for where the leader should retry from on failure.
	MatchCount int
}

type ProposeResult struct {
	Index     int
	Term      uint64
	Committed bool
}

type Status struct {
	NodeID      string   `json:"node_id"`
	ClusterID   string   `json:"cluster_id"`
	Role        Role     `json:"state"`
	Term        uint64   `json:"current_term"`
	VotedFor    string   `json:"voted_for,omitempty"`
	LeaderID    string   `json:"leader_id,omitempty"`
	LogLength   int      `json:"log_length"`
	CommitIndex int      `json:"commit_index"`
	LastApplied int      `json:"last_applied"`
	Peers       []string `json:"peers"`
}

type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin * 2
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	return c
}

var (
	ErrNotLeader   = errors.New("node is not the leader")
	ErrUnreachable = errors.New("peer unreachable")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrNodeExists  = errors.New("node already in group")
)
