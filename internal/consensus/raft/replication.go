package raft

import (
	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
)

// broadcastAppendEntriesLocked sends append_entries to every peer, each
// carrying whatever entries that peer is missing starting at its
// nextIndex. Caller must hold the shared lock and must be leader.
func (n *Node) broadcastAppendEntriesLocked() {
	for _, peer := range n.peers {
		n.sendAppendEntriesToLocked(peer)
	}
	if n.mtr != nil {
		n.mtr.RecordHeartbeatSent()
	}
}

func (n *Node) sendAppendEntriesToLocked(peer consensus.NodeID) {
	next, ok := n.nextIndex[peer]
	if !ok {
		next = n.lastLogIndexLocked() + 1
	}

	prevLogIndex := next - 1
	var prevLogTerm consensus.Term
	if prevLogIndex > 0 && int(prevLogIndex) <= len(n.log) {
		prevLogTerm = n.log[prevLogIndex-1].Term
	}

	var entries []consensus.LogEntry
	if int(next) <= len(n.log) {
		entries = append(entries, n.log[next-1:]...)
	}

	args := consensus.AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.bus.Send(consensus.Message{Type: consensus.AppendEntries, From: n.id, To: peer, Data: args}, peer)
}

// onAppendEntries handles an incoming append_entries RPC.
func (n *Node) onAppendEntries(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.AppendEntriesArgs](msg.Data)
	if err != nil {
		n.logger.Warn("malformed append_entries payload", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	resp := consensus.AppendEntriesResponseArgs{Term: n.currentTerm, Success: false}

	if args.Term < n.currentTerm {
		n.bus.Send(consensus.Message{Type: consensus.AppendEntriesResponse, From: n.id, To: args.LeaderID, Data: resp}, args.LeaderID)
		return
	}

	n.resetElectionDeadlineLocked()

	if args.Term > n.currentTerm || (args.Term == n.currentTerm && n.role == consensus.Candidate) {
		n.stepDownLocked(args.Term)
	}
	n.leaderID = args.LeaderID

	if !n.logMatchesLocked(args.PrevLogIndex, args.PrevLogTerm) {
		resp.Term = n.currentTerm
		resp.XLen = consensus.LogIndex(len(n.log))
		if int(args.PrevLogIndex) <= len(n.log) {
			resp.XTerm = n.log[args.PrevLogIndex-1].Term
			resp.XIndex = args.PrevLogIndex
			for resp.XIndex > 1 && n.log[resp.XIndex-2].Term == resp.XTerm {
				resp.XIndex--
			}
		}
		n.bus.Send(consensus.Message{Type: consensus.AppendEntriesResponse, From: n.id, To: args.LeaderID, Data: resp}, args.LeaderID)
		return
	}

	n.resolveConflictsLocked(args.PrevLogIndex, args.Entries)
	before := len(n.log)
	n.appendNewEntriesLocked(args.PrevLogIndex, args.Entries)

	for i := before; i < len(n.log); i++ {
		if n.onApply != nil {
			n.onApply(n.log[i])
		}
	}
	n.lastApplied = consensus.LogIndex(len(n.log))

	if args.LeaderCommit > n.commitIndex {
		lastNew := args.PrevLogIndex + consensus.LogIndex(len(args.Entries))
		n.commitIndex = minIndex(args.LeaderCommit, lastNew)
	}

	resp.Term = n.currentTerm
	resp.Success = true
	resp.MatchIndex = args.PrevLogIndex + consensus.LogIndex(len(args.Entries))
	n.bus.Send(consensus.Message{Type: consensus.AppendEntriesResponse, From: n.id, To: args.LeaderID, Data: resp}, args.LeaderID)
}

func (n *Node) logMatchesLocked(prevLogIndex consensus.LogIndex, prevLogTerm consensus.Term) bool {
	if prevLogIndex == 0 {
		return true
	}
	if int(prevLogIndex) > len(n.log) {
		return false
	}
	return n.log[prevLogIndex-1].Term == prevLogTerm
}

func (n *Node) resolveConflictsLocked(prevLogIndex consensus.LogIndex, entries []consensus.LogEntry) {
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) <= len(n.log) && n.log[logIndex-1].Term != entry.Term {
			n.log = n.log[:logIndex-1]
			break
		}
	}
}

func (n *Node) appendNewEntriesLocked(prevLogIndex consensus.LogIndex, entries []consensus.LogEntry) {
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) > len(n.log) {
			n.log = append(n.log, entry)
		}
	}
}

// onAppendEntriesResponse handles an append_entries reply on the leader.
func (n *Node) onAppendEntriesResponse(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.AppendEntriesResponseArgs](msg.Data)
	if err != nil {
		n.logger.Warn("malformed append_entries_response payload", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != consensus.Leader {
		return
	}

	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
		return
	}

	peer := msg.From
	if args.Success {
		if args.MatchIndex > n.matchIndex[peer] {
			n.matchIndex[peer] = args.MatchIndex
		}
		n.nextIndex[peer] = args.MatchIndex + 1
		n.updateCommitIndexLocked()
		return
	}

	if args.XTerm != 0 {
		if last := n.findLastIndexOfTermLocked(args.XTerm); last != 0 {
			n.nextIndex[peer] = last + 1
		} else {
			n.nextIndex[peer] = args.XIndex
		}
	} else {
		n.nextIndex[peer] = args.XLen + 1
	}
	if n.nextIndex[peer] < 1 {
		n.nextIndex[peer] = 1
	}
	n.sendAppendEntriesToLocked(peer)
}

func (n *Node) findLastIndexOfTermLocked(term consensus.Term) consensus.LogIndex {
	for i := len(n.log) - 1; i >= 0; i-- {
		if n.log[i].Term == term {
			return consensus.LogIndex(i + 1)
		}
	}
	return 0
}

// updateCommitIndexLocked advances commitIndex to the highest index
// replicated on a majority of replicas within the current term.
func (n *Node) updateCommitIndexLocked() {
	for idx := consensus.LogIndex(len(n.log)); idx > n.commitIndex; idx-- {
		if n.log[idx-1].Term != n.currentTerm {
			continue
		}
		count := 1
		for _, matched := range n.matchIndex {
			if matched >= idx {
				count++
			}
		}
		if count > (len(n.peers)+1)/2 {
			n.commitIndex = idx
			break
		}
	}
}

func minIndex(a, b consensus.LogIndex) consensus.LogIndex {
	if a < b {
		return a
	}
	return b
}
