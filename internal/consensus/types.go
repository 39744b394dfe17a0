// Package consensus defines the wire-level types shared by the raft node,
// the file server, and the client stub: node identity, terms, log entries,
// the message envelope, and the typed RPC payloads carried inside it.
package consensus

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeID identifies a replica or a client on the transport bus.
type NodeID string

// Term is a consensus epoch. At most one leader exists per term.
type Term uint64

// LogIndex is a 1-based position in a replica's log.
type LogIndex uint64

// Role is a replica's position in the consensus protocol.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Stopped
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MessageType discriminates the payload carried by a Message.
type MessageType string

const (
	RequestVote            MessageType = "request_vote"
	VoteResponse           MessageType = "vote_response"
	AppendEntries          MessageType = "append_entries"
	AppendEntriesResponse  MessageType = "append_entries_response"
	CreateFile             MessageType = "create_file"
	CreateFileResponse     MessageType = "create_file_response"
	ReadFile               MessageType = "read_file"
	ReadFileResponse       MessageType = "read_file_response"
	WriteFile              MessageType = "write_file"
	WriteFileResponse      MessageType = "write_file_response"
	DeleteFile             MessageType = "delete_file"
	DeleteFileResponse     MessageType = "delete_file_response"
	RequestLease           MessageType = "request_lease"
	RequestLeaseResponse   MessageType = "request_lease_response"
	ReleaseLease           MessageType = "release_lease"
	ReleaseLeaseResponse   MessageType = "release_lease_response"
)

// Message is the envelope exchanged over the transport bus: a discriminator
// plus an opaque payload. The transport never inspects Data; only the
// recipient's registered handler for Type does.
type Message struct {
	Type MessageType
	From NodeID
	To   NodeID
	Data any
}

// OperationKind names one of the three mutating file operations a log
// entry can carry.
type OperationKind string

const (
	OpCreateFile OperationKind = "create_file"
	OpWriteFile  OperationKind = "write_file"
	OpDeleteFile OperationKind = "delete_file"
)

// Operation is the state-machine command an entry replicates.
type Operation struct {
	Kind     OperationKind
	Filename string
	Content  string
}

// LogEntry is an append-only record of an operation and the term in which
// it was appended. Its index is its 1-based position in the log.
type LogEntry struct {
	Term      Term
	Operation Operation
}

// --- Typed RPC payloads, marshaled into Message.Data ---

type RequestVoteArgs struct {
	Term         Term
	CandidateID  NodeID
	LastLogIndex LogIndex
	LastLogTerm  Term
}

type VoteResponseArgs struct {
	Term        Term
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         Term
	LeaderID     NodeID
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

type AppendEntriesResponseArgs struct {
	Term    Term
	Success bool
	// MatchIndex is the highest index the follower confirms having when
	// Success is true; used by the leader to advance nextIndex/matchIndex
	// without re-deriving it from entry counts.
	MatchIndex LogIndex
	// XTerm/XIndex/XLen let a rejecting follower tell the leader exactly
	// where its log diverges, so the leader can jump nextIndex back in one
	// round trip instead of decrementing by one entry at a time.
	XTerm  Term
	XIndex LogIndex
	XLen   LogIndex
}

type CreateFileArgs struct {
	Filename string
	ClientID NodeID
}

type CreateFileResponseArgs struct {
	Success bool
}

type ReadFileArgs struct {
	Filename string
	ClientID NodeID
}

type ReadFileResponseArgs struct {
	Content string
}

type WriteFileArgs struct {
	Filename string
	Content  string
	ClientID NodeID
}

type WriteFileResponseArgs struct {
	Success bool
}

type DeleteFileArgs struct {
	Filename string
	ClientID NodeID
}

type DeleteFileResponseArgs struct {
	Success bool
}

type RequestLeaseArgs struct {
	Filename string
	Duration time.Duration
	LesseeID NodeID
	ClientID NodeID
}

type RequestLeaseResponseArgs struct {
	Granted bool
}

type ReleaseLeaseArgs struct {
	Filename string
	LesseeID NodeID
	ClientID NodeID
}

type ReleaseLeaseResponseArgs struct {
	Released bool
}

// Config is the cluster-wide configuration every replica is constructed
// with. See internal/config for the env-driven loader that produces one.
type Config struct {
	ReplicaID            NodeID
	Replicas             []NodeID
	HeartbeatPeriod      time.Duration
	ElectionTimeoutMin   time.Duration
	ElectionTimeoutMax   time.Duration
	ClientRequestTimeout time.Duration
	LeaseSweepPeriod     time.Duration
}

// DecodeArgs recovers a typed payload from a Message.Data value. Data
// arrives already-typed when the sender and receiver share a Bus, or as
// json.RawMessage when it crossed a NATSBus — DecodeArgs handles both by
// round-tripping through JSON.
func DecodeArgs[T any](data any) (T, error) {
	var out T
	if typed, ok := data.(T); ok {
		return typed, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return out, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal args: %w", err)
	}
	return out, nil
}

// Peers returns the configured replica set minus this replica's own ID.
func (c Config) Peers() []NodeID {
	peers := make([]NodeID, 0, len(c.Replicas))
	for _, id := range c.Replicas {
		if id != c.ReplicaID {
			peers = append(peers, id)
		}
	}
	return peers
}
