// Package raft implements the per-replica consensus state machine: role
// and term bookkeeping, the randomized election timer, the heartbeat/
// append-entries protocol, and vote counting. It is composed by
// internal/server.FileServer, which owns the single mutex this package's
// exported *Locked methods assume the caller already holds — see the
// "Locking discipline" note on Node.
package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
	"github.com/varunsly/raftfs/internal/transport"
	"github.com/varunsly/raftfs/pkg/metrics"
)

// ApplyFunc is invoked once per newly appended follower log entry, in log
// order, so the state-machine layer (the file map) stays converged with
// the leader's log. The leader does not go through ApplyFunc: it applies
// an entry to its own file map immediately, in the same locked section it
// calls AppendEntryLocked from, ahead of quorum acknowledgment.
type ApplyFunc func(entry consensus.LogEntry)

// Node is a single replica's consensus state.
//
// Locking discipline: Node owns no mutex of its own. It is constructed
// with a pointer to the single exclusive lock each replica serializes all
// of its consensus AND file state through. That lock is created and held
// by the composing internal/server.FileServer. Methods named *Locked
// assume the caller already holds it (used both by Node's own top-level
// methods and directly by FileServer, so a create/write/delete handler
// can check file-map state and append a log entry as one atomic section).
// All other exported methods acquire the lock themselves and are safe to
// call from anywhere.
type Node struct {
	mu *sync.Mutex

	id     consensus.NodeID
	cfg    consensus.Config
	peers  []consensus.NodeID
	bus    transport.Transport
	logger *zap.Logger
	mtr    *metrics.Metrics

	onApply ApplyFunc

	role        consensus.Role
	currentTerm consensus.Term
	votedFor    consensus.NodeID
	log         []consensus.LogEntry
	commitIndex consensus.LogIndex
	lastApplied consensus.LogIndex
	leaderID    consensus.NodeID

	nextIndex    map[consensus.NodeID]consensus.LogIndex
	matchIndex   map[consensus.NodeID]consensus.LogIndex
	votesGranted map[consensus.NodeID]bool

	lastHeartbeat   time.Time
	electionTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode constructs a replica in the initial follower role. mu is the
// single lock shared with the composing FileServer; onApply is called for
// every entry this node appends as a follower.
func NewNode(cfg consensus.Config, bus transport.Transport, logger *zap.Logger, mtr *metrics.Metrics, mu *sync.Mutex, onApply ApplyFunc) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		mu:           mu,
		id:           cfg.ReplicaID,
		cfg:          cfg,
		peers:        cfg.Peers(),
		bus:          bus,
		logger:       logger.With(zap.String("replica", string(cfg.ReplicaID))),
		mtr:          mtr,
		onApply:      onApply,
		role:         consensus.Follower,
		nextIndex:    make(map[consensus.NodeID]consensus.LogIndex),
		matchIndex:   make(map[consensus.NodeID]consensus.LogIndex),
		votesGranted: make(map[consensus.NodeID]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
	n.electionTimeout = n.randomElectionTimeout()
	n.lastHeartbeat = time.Now()

	bus.RegisterHandler(n.id, consensus.RequestVote, n.onRequestVote)
	bus.RegisterHandler(n.id, consensus.VoteResponse, n.onVoteResponse)
	bus.RegisterHandler(n.id, consensus.AppendEntries, n.onAppendEntries)
	bus.RegisterHandler(n.id, consensus.AppendEntriesResponse, n.onAppendEntriesResponse)

	return n
}

// Start launches the election-timer and message-processor loops. The
// heartbeat loop is started lazily, each time this node becomes leader
// (see becomeLeaderLocked).
func (n *Node) Start() {
	n.wg.Add(2)
	go n.electionLoop()
	go n.messageLoop()
}

// Stop marks the node stopped, a sticky terminal role, and cancels all
// of its loops.
func (n *Node) Stop() {
	n.mu.Lock()
	n.role = consensus.Stopped
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
}

func (n *Node) randomElectionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	return n.cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// --- read-only accessors: safe to call from anywhere, lock themselves ---

func (n *Node) ID() consensus.NodeID { return n.id }

func (n *Node) Role() consensus.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) Term() consensus.Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) LeaderID() consensus.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

func (n *Node) CommitIndex() consensus.LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// --- Locked accessors: caller must already hold the shared lock ---

func (n *Node) IsLeaderLocked() bool { return n.role == consensus.Leader }

func (n *Node) LeaderIDLocked() consensus.NodeID { return n.leaderID }

func (n *Node) TermLocked() consensus.Term { return n.currentTerm }

// AppendEntryLocked appends op as a new log entry in the current term and
// immediately ships it to every peer via append_entries, without waiting
// for quorum acknowledgment. This is a deliberate weakening: the leader's
// own apply (done by the caller, in the same locked section, before or
// after this call) happens before any peer has confirmed the entry.
func (n *Node) AppendEntryLocked(op consensus.Operation) consensus.LogEntry {
	entry := consensus.LogEntry{Term: n.currentTerm, Operation: op}
	n.log = append(n.log, entry)
	n.lastApplied = consensus.LogIndex(len(n.log))
	if n.mtr != nil {
		n.mtr.RecordLogEntryAppended()
	}

	n.logger.Debug("appended log entry",
		zap.String("op", string(op.Kind)),
		zap.String("filename", op.Filename),
		zap.Uint64("index", uint64(len(n.log))))

	n.broadcastAppendEntriesLocked()
	return entry
}

func (n *Node) stepDownLocked(term consensus.Term) {
	n.currentTerm = term
	n.votedFor = ""
	if n.role == consensus.Leader {
		n.logger.Info("stepping down from leader", zap.Uint64("term", uint64(term)))
	}
	n.role = consensus.Follower
}

func (n *Node) resetElectionDeadlineLocked() {
	n.lastHeartbeat = time.Now()
	n.electionTimeout = n.randomElectionTimeout()
}

func (n *Node) lastLogIndexLocked() consensus.LogIndex {
	return consensus.LogIndex(len(n.log))
}

func (n *Node) lastLogTermLocked() consensus.Term {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Term
}

// electionLoop fires startElection whenever the election timeout elapses
// without a heartbeat, polling at 100ms granularity.
func (n *Node) electionLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			if n.role == consensus.Stopped {
				n.mu.Unlock()
				return
			}
			timedOut := n.role != consensus.Leader && time.Since(n.lastHeartbeat) >= n.electionTimeout
			if timedOut {
				n.startElectionLocked()
			}
			n.mu.Unlock()
		}
	}
}

// messageLoop drains this replica's inbox at 100ms granularity and
// dispatches each message to its registered handler.
func (n *Node) messageLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for {
				if n.Role() == consensus.Stopped {
					return
				}
				msg, ok := n.bus.Receive(n.id)
				if !ok {
					break
				}
				if h, ok := n.bus.HandlerFor(n.id, msg.Type); ok {
					h(msg)
				} else {
					n.logger.Warn("no handler registered for message type", zap.String("type", string(msg.Type)))
				}
			}
		}
	}
}

// heartbeatLoop is started each time this node becomes leader. It keeps
// sending append_entries (heartbeat or real entries) every
// HeartbeatPeriod until the node steps down or stops.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			if n.role != consensus.Leader {
				n.mu.Unlock()
				return
			}
			n.broadcastAppendEntriesLocked()
			n.mu.Unlock()
		}
	}
}
