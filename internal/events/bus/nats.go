package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/logger"
)

// NatsBus implements Bus over a NATS connection, for deployments where the
// worker-pool manager and task-graph engine run as separate processes
// sharing one logical bus. Unlike MemoryBus, Publish is asynchronous: it
// returns once the message is handed to the NATS connection, and handlers
// run later on NATS delivery goroutines. NATS keeps per-publisher ordering
// within a subject; there is no total FIFO order across subjects. Handler
// calls are serialized with a per-bus mutex, so no two handlers of one
// NatsBus run at the same time.
//
// Payloads are marshaled as JSON envelopes; the concrete payload type is
// therefore reconstructed on the subscriber side via the registered codec,
// not via Go's runtime type — callers that need a NatsBus must register
// payload types with RegisterPayloadType before subscribing to topics that
// carry rich payloads.
type NatsBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	mu      sync.Mutex
	subs    map[string][]*nats.Subscription
	codecMu sync.RWMutex
	codecs  map[string]func([]byte) (interface{}, error)
}

// NewNatsBus connects to the given NATS URL and returns a Bus backed by it.
func NewNatsBus(url string, log *logger.Logger) (*NatsBus, error) {
	if log == nil {
		log = logger.Default()
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NatsBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "event-bus-nats")),
		subs:   make(map[string][]*nats.Subscription),
		codecs: make(map[string]func([]byte) (interface{}, error)),
	}, nil
}

// RegisterPayloadType teaches the bus how to decode a subject's payload
// back into a Go value before invoking subscriber handlers.
func (b *NatsBus) RegisterPayloadType(event string, decode func([]byte) (interface{}, error)) {
	b.codecMu.Lock()
	defer b.codecMu.Unlock()
	b.codecs[event] = decode
}

// Publish marshals payload as JSON and publishes it to the NATS subject
// named event.
func (b *NatsBus) Publish(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to marshal event payload", zap.String("event", event), zap.Error(err))
		return
	}
	if err := b.conn.Publish(event, data); err != nil {
		b.logger.Error("failed to publish event", zap.String("event", event), zap.Error(err))
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// Subscribe registers handler against the NATS subject named event.
// Handler calls are serialized per bus, since NATS delivers messages on
// its own goroutines.
func (b *NatsBus) Subscribe(event string, handler Handler) Subscription {
	b.codecMu.RLock()
	decode := b.codecs[event]
	b.codecMu.RUnlock()

	sub, err := b.conn.Subscribe(event, func(msg *nats.Msg) {
		var payload interface{}
		if decode != nil {
			p, err := decode(msg.Data)
			if err != nil {
				b.logger.Error("failed to decode event payload", zap.String("event", event), zap.Error(err))
				return
			}
			payload = p
		} else {
			var raw map[string]interface{}
			_ = json.Unmarshal(msg.Data, &raw)
			payload = raw
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if err := handler(event, payload); err != nil {
			b.logger.Error("event handler error", zap.String("event", event), zap.Error(err))
		}
	})
	if err != nil {
		b.logger.Error("failed to subscribe", zap.String("event", event), zap.Error(err))
		return &natsSubscription{}
	}

	b.mu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	return &natsSubscription{sub: sub}
}

// Close closes the NATS connection without draining it first.
func (b *NatsBus) Close() {
	b.conn.Close()
}
