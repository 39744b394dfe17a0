// Package transport provides the in-process message bus replicas and
// clients communicate over, plus a handler registry so a replica can bind
// a processing callback per message type.
package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
)

// Handler processes a message addressed to the recipient that registered
// it. Handlers run on the recipient's own message-processor goroutine; they
// must not block beyond a local Send.
type Handler func(msg consensus.Message)

// Transport is the messaging contract: best-effort, per-recipient-FIFO
// delivery between named endpoints. Bus (in-process) and NATSBus
// (cross-process) both satisfy it.
type Transport interface {
	Send(msg consensus.Message, recipient consensus.NodeID)
	Receive(self consensus.NodeID) (consensus.Message, bool)
	RegisterHandler(self consensus.NodeID, t consensus.MessageType, h Handler)
	HandlerFor(self consensus.NodeID, t consensus.MessageType) (Handler, bool)
}

// Bus is a process-local, mutex-guarded mailbox keyed by recipient ID. It
// never blocks and never errors: sends to an unknown recipient create that
// recipient's mailbox lazily, and messages simply accumulate until someone
// receives them. Handlers are registered per (recipient, type) pair, so
// many replicas can share one Bus without one's registration clobbering
// another's.
type Bus struct {
	mu       sync.Mutex
	mailbox  map[consensus.NodeID][]consensus.Message
	handlers map[consensus.NodeID]map[consensus.MessageType]Handler
	logger   *zap.Logger
}

// NewBus creates an empty in-process transport bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		mailbox:  make(map[consensus.NodeID][]consensus.Message),
		handlers: make(map[consensus.NodeID]map[consensus.MessageType]Handler),
		logger:   logger,
	}
}

// Send appends msg to recipient's FIFO mailbox. Never blocks, never fails.
func (b *Bus) Send(msg consensus.Message, recipient consensus.NodeID) {
	b.mu.Lock()
	b.mailbox[recipient] = append(b.mailbox[recipient], msg)
	b.mu.Unlock()

	b.logger.Debug("message sent",
		zap.String("type", string(msg.Type)),
		zap.String("from", string(msg.From)),
		zap.String("to", string(recipient)))
}

// Receive pops the oldest message addressed to self, if any.
func (b *Bus) Receive(self consensus.NodeID) (consensus.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.mailbox[self]
	if len(queue) == 0 {
		return consensus.Message{}, false
	}

	msg := queue[0]
	b.mailbox[self] = queue[1:]
	return msg, true
}

// RegisterHandler binds h as self's callback for messages of type t. Last
// writer wins for a given (self, t) pair.
func (b *Bus) RegisterHandler(self consensus.NodeID, t consensus.MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[self] == nil {
		b.handlers[self] = make(map[consensus.MessageType]Handler)
	}
	b.handlers[self][t] = h
}

// HandlerFor looks up the handler self registered for t, if any.
func (b *Bus) HandlerFor(self consensus.NodeID, t consensus.MessageType) (Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handlers[self][t]
	return h, ok
}

var _ Transport = (*Bus)(nil)
