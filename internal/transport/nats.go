package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/consensus"
)

// natsEnvelope is the wire shape of a Message over a NATS subject. Data is
// re-marshaled generically since the typed RPC payload structs in
// consensus.Message.Data vary by Type.
type natsEnvelope struct {
	Type consensus.MessageType `json:"type"`
	From consensus.NodeID      `json:"from"`
	To   consensus.NodeID      `json:"to"`
	Data json.RawMessage       `json:"data"`
}

// NATSBus is a Transport backed by NATS core pub/sub, one subject per
// recipient ("raftfs.inbox.<id>"). It gives the same FIFO-per-recipient,
// never-blocks, never-fails contract as Bus, but lets replicas run as
// separate processes instead of sharing one in-process Bus. Only the
// in-process Bus is exercised by this module's own tests; NATSBus exists
// for a real multi-process deployment.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu      sync.Mutex
	mailbox map[consensus.NodeID][]consensus.Message
	subs    map[consensus.NodeID]*nats.Subscription

	handlerMu sync.Mutex
	handlers  map[consensus.NodeID]map[consensus.MessageType]Handler
}

// NewNATSBus connects to url and returns a ready-to-use NATSBus.
func NewNATSBus(url string, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	return &NATSBus{
		conn:     conn,
		logger:   logger,
		mailbox:  make(map[consensus.NodeID][]consensus.Message),
		subs:     make(map[consensus.NodeID]*nats.Subscription),
		handlers: make(map[consensus.NodeID]map[consensus.MessageType]Handler),
	}, nil
}

func subject(id consensus.NodeID) string {
	return fmt.Sprintf("raftfs.inbox.%s", id)
}

// Join subscribes self to its inbox subject so Receive can start draining
// it. A replica/client must Join before any peer's Send to it is observed.
func (n *NATSBus) Join(self consensus.NodeID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[self]; ok {
		return nil
	}

	sub, err := n.conn.Subscribe(subject(self), func(m *nats.Msg) {
		var env natsEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			n.logger.Warn("dropping malformed nats message", zap.Error(err))
			return
		}

		msg := consensus.Message{Type: env.Type, From: env.From, To: env.To, Data: env.Data}

		n.mu.Lock()
		n.mailbox[self] = append(n.mailbox[self], msg)
		n.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject(self), err)
	}

	n.subs[self] = sub
	return nil
}

// Send publishes msg to recipient's NATS subject. Never blocks; publish
// errors are logged, not returned, matching the transport's never-fails
// contract.
func (n *NATSBus) Send(msg consensus.Message, recipient consensus.NodeID) {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		n.logger.Error("failed to marshal message payload", zap.Error(err))
		return
	}

	env := natsEnvelope{Type: msg.Type, From: msg.From, To: recipient, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("failed to marshal nats envelope", zap.Error(err))
		return
	}

	if err := n.conn.Publish(subject(recipient), payload); err != nil {
		n.logger.Error("failed to publish to nats", zap.String("subject", subject(recipient)), zap.Error(err))
	}
}

// Receive pops the oldest message delivered to self's subscription.
func (n *NATSBus) Receive(self consensus.NodeID) (consensus.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	queue := n.mailbox[self]
	if len(queue) == 0 {
		return consensus.Message{}, false
	}

	msg := queue[0]
	n.mailbox[self] = queue[1:]
	return msg, true
}

func (n *NATSBus) RegisterHandler(self consensus.NodeID, t consensus.MessageType, h Handler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	if n.handlers[self] == nil {
		n.handlers[self] = make(map[consensus.MessageType]Handler)
	}
	n.handlers[self][t] = h
}

func (n *NATSBus) HandlerFor(self consensus.NodeID, t consensus.MessageType) (Handler, bool) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	h, ok := n.handlers[self][t]
	return h, ok
}

// Close drains subscriptions and closes the underlying NATS connection.
func (n *NATSBus) Close() {
	n.mu.Lock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.mu.Unlock()

	n.conn.Close()
}

var _ Transport = (*NATSBus)(nil)
