// Package server implements the file-server layer that sits on top of a
// consensus node: it accepts client RPCs, enforces leader-only writes
// (forwarding otherwise), applies ordered log entries to the file state
// model, manages leases, persists file state via the sink, and replies to
// clients, using context for lifecycle and zap for structured logging
// throughout.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
	"github.com/varunsly/raftfs/internal/consensus/raft"
	"github.com/varunsly/raftfs/internal/store"
	"github.com/varunsly/raftfs/internal/transport"
	"github.com/varunsly/raftfs/pkg/metrics"
)

// FileServer is one replica: a consensus node composed with the
// replicated file map, both guarded by the single mutex it owns. See
// raft.Node's "Locking discipline" doc comment for why Node itself holds
// no mutex of its own.
type FileServer struct {
	id     consensus.NodeID
	mu     *sync.Mutex
	node   *raft.Node
	bus    transport.Transport
	sink   store.Sink
	logger *zap.Logger
	mtr    *metrics.Metrics

	files map[string]*store.File

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	leaseSweepPeriod time.Duration
}

// New assembles a replica: its consensus node, its file map, and its
// message handlers, all sharing one lock.
func New(cfg consensus.Config, bus transport.Transport, sink store.Sink, logger *zap.Logger, mtr *metrics.Metrics) *FileServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	mu := &sync.Mutex{}
	fs := &FileServer{
		id:               cfg.ReplicaID,
		mu:               mu,
		bus:              bus,
		sink:             sink,
		logger:           logger.With(zap.String("replica", string(cfg.ReplicaID))),
		mtr:              mtr,
		files:            make(map[string]*store.File),
		ctx:              ctx,
		cancel:           cancel,
		leaseSweepPeriod: cfg.LeaseSweepPeriod,
	}
	fs.node = raft.NewNode(cfg, bus, logger, mtr, mu, fs.applyLocked)

	bus.RegisterHandler(fs.id, consensus.CreateFile, fs.onCreateFile)
	bus.RegisterHandler(fs.id, consensus.ReadFile, fs.onReadFile)
	bus.RegisterHandler(fs.id, consensus.WriteFile, fs.onWriteFile)
	bus.RegisterHandler(fs.id, consensus.DeleteFile, fs.onDeleteFile)
	bus.RegisterHandler(fs.id, consensus.RequestLease, fs.onRequestLease)
	bus.RegisterHandler(fs.id, consensus.ReleaseLease, fs.onReleaseLease)

	return fs
}

// Node exposes the underlying consensus node, for the HTTP debug surface
// and the CLI driver to inspect role/term/leader.
func (fs *FileServer) Node() *raft.Node { return fs.node }

// Metrics exposes this replica's metric set, for the HTTP debug surface's
// /metrics route to serve its own registry rather than the process-global
// default.
func (fs *FileServer) Metrics() *metrics.Metrics { return fs.mtr }

// InspectFile returns filename's current content, for the debug HTTP
// surface. Not part of the client RPC path.
func (fs *FileServer) InspectFile(filename string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[filename]
	if !ok {
		return "", false
	}
	return f.LatestContent(), true
}

// Start launches the consensus node's loops and the lease sweeper.
func (fs *FileServer) Start() {
	fs.node.Start()
	fs.wg.Add(1)
	go fs.leaseSweepLoop()
}

// Stop cancels the lease sweeper and stops the consensus node.
func (fs *FileServer) Stop() {
	fs.cancel()
	fs.wg.Wait()
	fs.node.Stop()
}

// applyLocked is raft.Node's ApplyFunc: it converges a follower's file map
// with a newly appended log entry. Caller (raft.Node, mid-AppendEntries)
// already holds fs.mu.
func (fs *FileServer) applyLocked(entry consensus.LogEntry) {
	op := entry.Operation
	switch op.Kind {
	case consensus.OpCreateFile:
		if _, exists := fs.files[op.Filename]; !exists {
			fs.files[op.Filename] = store.NewFile(op.Filename, string(fs.id))
		}
	case consensus.OpWriteFile:
		if f, ok := fs.files[op.Filename]; ok {
			f.AddVersion(op.Content)
		}
	case consensus.OpDeleteFile:
		delete(fs.files, op.Filename)
	}

	fs.logger.Debug("applied replicated log entry",
		zap.String("op", string(op.Kind)), zap.String("filename", op.Filename))

	// Persistence does file/network I/O; never do it while holding the
	// replica's single lock. Fire-and-forget with its own bounded timeout,
	// since this path has no client waiting on the result.
	go fs.persistAsync(op)
}

func (fs *FileServer) persistAsync(op consensus.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if op.Kind == consensus.OpDeleteFile {
		if err := fs.sink.Delete(ctx, op.Filename, string(fs.id)); err != nil {
			fs.logger.Error("failed to delete persisted file", zap.String("filename", op.Filename), zap.Error(err))
		}
		return
	}

	fs.mu.Lock()
	f, ok := fs.files[op.Filename]
	var rec store.PersistedFile
	if ok {
		rec = store.ToPersisted(f)
	}
	fs.mu.Unlock()
	if !ok {
		return
	}

	if err := fs.sink.Save(ctx, op.Filename, string(fs.id), rec); err != nil {
		fs.logger.Error("failed to persist file", zap.String("filename", op.Filename), zap.Error(err))
	}
}

// forwardOrDrop forwards msg to the known leader, or logs and drops it if
// no leader is currently known. Mutating requests are leader-only; a
// non-leader replica never applies one itself.
func (fs *FileServer) forwardOrDrop(msgType consensus.MessageType, data any, leaderID consensus.NodeID) {
	if leaderID == "" {
		fs.logger.Error("cannot forward request: no known leader", zap.String("type", string(msgType)))
		return
	}
	fs.bus.Send(consensus.Message{Type: msgType, From: fs.id, To: leaderID, Data: data}, leaderID)
}

func (fs *FileServer) onCreateFile(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.CreateFileArgs](msg.Data)
	if err != nil {
		fs.logger.Warn("malformed create_file payload", zap.Error(err))
		return
	}

	fs.mu.Lock()
	if !fs.node.IsLeaderLocked() {
		leaderID := fs.node.LeaderIDLocked()
		fs.mu.Unlock()
		fs.forwardOrDrop(consensus.CreateFile, args, leaderID)
		return
	}

	_, exists := fs.files[args.Filename]
	success := !exists
	var created *store.File
	if success {
		created = store.NewFile(args.Filename, string(fs.id))
		fs.files[args.Filename] = created
		fs.node.AppendEntryLocked(consensus.Operation{Kind: consensus.OpCreateFile, Filename: args.Filename})
	}
	fs.mu.Unlock()

	if created != nil {
		fs.persistNow(created)
	}

	outcome := "created"
	if !success {
		outcome = "already_exists"
	}
	if fs.mtr != nil {
		fs.mtr.RecordClientRequest("create_file", outcome)
	}
	fs.logger.Info("create_file", zap.String("filename", args.Filename), zap.Bool("success", success))

	fs.bus.Send(consensus.Message{
		Type: consensus.CreateFileResponse, From: fs.id, To: args.ClientID,
		Data: consensus.CreateFileResponseArgs{Success: success},
	}, args.ClientID)
}

func (fs *FileServer) onReadFile(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.ReadFileArgs](msg.Data)
	if err != nil {
		fs.logger.Warn("malformed read_file payload", zap.Error(err))
		return
	}

	fs.mu.Lock()
	var content string
	if f, ok := fs.files[args.Filename]; ok {
		content = f.LatestContent()
	} else {
		fs.logger.Warn("read_file: file not found", zap.String("filename", args.Filename))
	}
	fs.mu.Unlock()

	if fs.mtr != nil {
		fs.mtr.RecordClientRequest("read_file", "ok")
	}
	fs.bus.Send(consensus.Message{
		Type: consensus.ReadFileResponse, From: fs.id, To: args.ClientID,
		Data: consensus.ReadFileResponseArgs{Content: content},
	}, args.ClientID)
}

func (fs *FileServer) onWriteFile(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.WriteFileArgs](msg.Data)
	if err != nil {
		fs.logger.Warn("malformed write_file payload", zap.Error(err))
		return
	}

	fs.mu.Lock()
	if !fs.node.IsLeaderLocked() {
		leaderID := fs.node.LeaderIDLocked()
		fs.mu.Unlock()
		fs.forwardOrDrop(consensus.WriteFile, args, leaderID)
		return
	}

	f, ok := fs.files[args.Filename]
	var success bool
	if ok {
		f.AddVersion(args.Content)
		fs.node.AppendEntryLocked(consensus.Operation{Kind: consensus.OpWriteFile, Filename: args.Filename, Content: args.Content})
		success = true
	} else {
		fs.logger.Warn("write_file: file not found", zap.String("filename", args.Filename))
	}
	fs.mu.Unlock()

	if success {
		fs.persistNow(f)
	}

	outcome := "ok"
	if !success {
		outcome = "not_found"
	}
	if fs.mtr != nil {
		fs.mtr.RecordClientRequest("write_file", outcome)
	}

	// write_file on a missing file returns success=false rather than
	// silently dropping the reply.
	fs.bus.Send(consensus.Message{
		Type: consensus.WriteFileResponse, From: fs.id, To: args.ClientID,
		Data: consensus.WriteFileResponseArgs{Success: success},
	}, args.ClientID)
}

func (fs *FileServer) onDeleteFile(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.DeleteFileArgs](msg.Data)
	if err != nil {
		fs.logger.Warn("malformed delete_file payload", zap.Error(err))
		return
	}

	fs.mu.Lock()
	if !fs.node.IsLeaderLocked() {
		leaderID := fs.node.LeaderIDLocked()
		fs.mu.Unlock()
		fs.forwardOrDrop(consensus.DeleteFile, args, leaderID)
		return
	}

	_, exists := fs.files[args.Filename]
	if exists {
		delete(fs.files, args.Filename)
		fs.node.AppendEntryLocked(consensus.Operation{Kind: consensus.OpDeleteFile, Filename: args.Filename})
	} else {
		fs.logger.Warn("delete_file: file not found", zap.String("filename", args.Filename))
	}
	fs.mu.Unlock()

	if exists {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fs.sink.Delete(ctx, args.Filename, string(fs.id)); err != nil {
			fs.logger.Error("failed to delete persisted file", zap.String("filename", args.Filename), zap.Error(err))
		}
	}

	outcome := "deleted"
	if !exists {
		outcome = "not_found"
	}
	if fs.mtr != nil {
		fs.mtr.RecordClientRequest("delete_file", outcome)
	}
	fs.logger.Info("delete_file", zap.String("filename", args.Filename), zap.Bool("success", exists))

	fs.bus.Send(consensus.Message{
		Type: consensus.DeleteFileResponse, From: fs.id, To: args.ClientID,
		Data: consensus.DeleteFileResponseArgs{Success: exists},
	}, args.ClientID)
}

// onRequestLease grants or denies a lease. Leases are local to the
// contacted replica and not replicated through the log. The grant/deny
// result is always sent back to the caller.
func (fs *FileServer) onRequestLease(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.RequestLeaseArgs](msg.Data)
	if err != nil {
		fs.logger.Warn("malformed request_lease payload", zap.Error(err))
		return
	}

	fs.mu.Lock()
	var granted bool
	if f, ok := fs.files[args.Filename]; ok {
		granted = f.GrantLease(string(args.LesseeID), args.Duration, time.Now())
	} else {
		fs.logger.Warn("request_lease: file not found", zap.String("filename", args.Filename))
	}
	fs.mu.Unlock()

	if granted && fs.mtr != nil {
		fs.mtr.RecordLeaseGranted()
	}
	fs.logger.Info("request_lease", zap.String("filename", args.Filename),
		zap.String("lessee", string(args.LesseeID)), zap.Bool("granted", granted))

	fs.bus.Send(consensus.Message{
		Type: consensus.RequestLeaseResponse, From: fs.id, To: args.ClientID,
		Data: consensus.RequestLeaseResponseArgs{Granted: granted},
	}, args.ClientID)
}

func (fs *FileServer) onReleaseLease(msg consensus.Message) {
	args, err := consensus.DecodeArgs[consensus.ReleaseLeaseArgs](msg.Data)
	if err != nil {
		fs.logger.Warn("malformed release_lease payload", zap.Error(err))
		return
	}

	fs.mu.Lock()
	var released bool
	if f, ok := fs.files[args.Filename]; ok {
		released = f.ReleaseLease(string(args.LesseeID))
	} else {
		fs.logger.Warn("release_lease: file not found", zap.String("filename", args.Filename))
	}
	fs.mu.Unlock()

	fs.logger.Info("release_lease", zap.String("filename", args.Filename),
		zap.String("lessee", string(args.LesseeID)), zap.Bool("released", released))

	fs.bus.Send(consensus.Message{
		Type: consensus.ReleaseLeaseResponse, From: fs.id, To: args.ClientID,
		Data: consensus.ReleaseLeaseResponseArgs{Released: released},
	}, args.ClientID)
}

func (fs *FileServer) persistNow(f *store.File) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fs.sink.Save(ctx, f.Filename, string(fs.id), store.ToPersisted(f)); err != nil {
		fs.logger.Error("failed to persist file", zap.String("filename", f.Filename), zap.Error(err))
	}
}

// leaseSweepLoop clears expired leases at LeaseSweepPeriod.
func (fs *FileServer) leaseSweepLoop() {
	defer fs.wg.Done()
	ticker := time.NewTicker(fs.leaseSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-fs.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			fs.mu.Lock()
			for filename, f := range fs.files {
				if f.SweepExpiredLease(now) {
					fs.logger.Info("lease expired", zap.String("filename", filename))
					if fs.mtr != nil {
						fs.mtr.RecordLeaseExpired()
					}
				}
			}
			fs.mu.Unlock()
		}
	}
}
