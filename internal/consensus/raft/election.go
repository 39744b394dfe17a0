package raft

import (
	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
)

// startElectionLocked transitions to candidate, increments the term, votes
// for itself, and broadcasts request_vote to every peer. Caller must hold
// the shared lock.
func (n *Node) startElectionLocked() {
	n.role = consensus.Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.votesGranted = map[consensus.NodeID]bool{n.id: true}
	n.resetElectionDeadlineLocked()

	if n.mtr != nil {
		n.mtr.RecordElectionStarted(uint64(n.currentTerm))
	}
	n.logger.Info("starting election", zap.Uint64("term", uint64(n.currentTerm)))

	args := consensus.RequestVoteArgs{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.lastLogIndexLocked(),
		LastLogTerm:  n.lastLogTermLocked(),
	}
	for _, peer := range n.peers {
		n.bus.Send(consensus.Message{Type: consensus.RequestVote, From: n.id, To: peer, Data: args}, peer)
	}

	if len(n.peers) == 0 {
		n.becomeLeaderLocked()
	}
}

// onRequestVote handles an incoming request_vote RPC.
func (n *Node) onRequestVote(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.RequestVoteArgs](msg.Data)
	if err != nil {
		n.logger.Warn("malformed request_vote payload", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}

	granted := false
	if args.Term == n.currentTerm &&
		(n.votedFor == "" || n.votedFor == args.CandidateID) &&
		n.logUpToDateLocked(args.LastLogIndex, args.LastLogTerm) {
		granted = true
		n.votedFor = args.CandidateID
		n.resetElectionDeadlineLocked()
		if n.mtr != nil {
			n.mtr.RecordVoteGranted()
		}
	}

	n.logger.Debug("handling request_vote",
		zap.String("candidate", string(args.CandidateID)),
		zap.Uint64("term", uint64(args.Term)),
		zap.Bool("granted", granted))

	resp := consensus.VoteResponseArgs{Term: n.currentTerm, VoteGranted: granted}
	n.bus.Send(consensus.Message{Type: consensus.VoteResponse, From: n.id, To: args.CandidateID, Data: resp}, args.CandidateID)
}

// logUpToDateLocked implements the election restriction: a candidate's log
// must be at least as up to date as ours, compared by last term then length.
func (n *Node) logUpToDateLocked(lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) bool {
	ourLastTerm := n.lastLogTermLocked()
	if lastLogTerm != ourLastTerm {
		return lastLogTerm > ourLastTerm
	}
	return lastLogIndex >= n.lastLogIndexLocked()
}

// onVoteResponse handles an incoming vote_response. Because the bus never
// tags a reply with who sent it beyond the envelope's From field, it is
// read off msg.From instead of the payload.
func (n *Node) onVoteResponse(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.VoteResponseArgs](msg.Data)
	if err != nil {
		n.logger.Warn("malformed vote_response payload", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
		return
	}
	if n.role != consensus.Candidate || args.Term != n.currentTerm {
		return
	}
	if !args.VoteGranted {
		return
	}

	n.votesGranted[msg.From] = true
	if len(n.votesGranted) > (len(n.peers)+1)/2 {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked transitions to leader, resets per-peer replication
// progress, and kicks off a heartbeat loop for this leadership term; the
// loop exits on its first tick after the node is no longer leader.
func (n *Node) becomeLeaderLocked() {
	n.role = consensus.Leader
	n.leaderID = n.id
	for _, peer := range n.peers {
		n.nextIndex[peer] = n.lastLogIndexLocked() + 1
		n.matchIndex[peer] = 0
	}
	if n.mtr != nil {
		n.mtr.RecordBecameLeader()
	}
	n.logger.Info("became leader", zap.Uint64("term", uint64(n.currentTerm)))

	n.broadcastAppendEntriesLocked()

	n.wg.Add(1)
	go n.heartbeatLoop()
}
