package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"riskpipe/internal/config"
)

// Gateway owns the bus connection lifecycle: bounded-retry connect with
// idempotent topic declaration, durable JSON publishing, and a
// single-flight manual-ack consume loop that reconnects forever on
// mid-stream loss.
type Gateway struct {
	cfg         config.BusConfig
	logger      *slog.Logger
	state       atomic.Int32
	mu          sync.Mutex
	writers     map[string]*kafka.Writer
	OnReconnect func()
}

func NewGateway(cfg config.BusConfig, logger *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, logger: logger, writers: make(map[string]*kafka.Writer)}
}

func (g *Gateway) State() State {
	return State(g.state.Load())
}

func (g *Gateway) setState(to State) {
	from := State(g.state.Swap(int32(to)))
	if from == to || g.logger == nil {
		return
	}
	if !ValidTransition(from, to) {
		g.logger.Warn("unexpected bus state transition", "from", from.String(), "to", to.String())
		return
	}
	g.logger.Info("bus state change", "from", from.String(), "to", to.String())
}

// Connect dials the bus with bounded retries and declares every topic
// the pipeline uses. Exhausting the retry budget is fatal: the gateway
// enters FatalDisconnected and the error surfaces to the caller.
func (g *Gateway) Connect(ctx context.Context) error {
	g.setState(StateConnecting)
	var lastErr error
	for attempt := 1; attempt <= g.cfg.ConnectRetries; attempt++ {
		err := g.declareTopics(ctx)
		if err == nil {
			g.setState(StateConnected)
			return nil
		}
		lastErr = err
		if g.logger != nil {
			g.logger.Warn("bus connect failed",
				"attempt", attempt, "retries", g.cfg.ConnectRetries, "err", err)
		}
		if !sleep(ctx, g.cfg.ConnectDelay) {
			g.setState(StateFatalDisconnected)
			return ctx.Err()
		}
	}
	g.setState(StateFatalDisconnected)
	return fmt.Errorf("bus unreachable after %d attempts: %w", g.cfg.ConnectRetries, lastErr)
}

func (g *Gateway) declareTopics(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", g.cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer ctrlConn.Close()
	topics := make([]kafka.TopicConfig, 0, len(g.cfg.Topics.All()))
	for _, topic := range g.cfg.Topics.All() {
		topics = append(topics, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
	}
	if err := ctrlConn.CreateTopics(topics...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

func (g *Gateway) writer(topic string) *kafka.Writer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(g.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	g.writers[topic] = w
	return w
}

// Publish writes v as a JSON record. RequireAll acks keep alert and
// recommendation publications durable across a broker restart.
func (g *Gateway) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := kafka.Message{Value: data}
	if key != "" {
		msg.Key = []byte(key)
	}
	return g.writer(topic).WriteMessages(ctx, msg)
}

// Consume runs a single-flight fetch/handle/commit loop on topic. The
// commit (the ack) happens only after handler returns, and it always
// happens, including for payloads the handler chose to drop, so poison
// messages are not redelivered forever. A lost connection moves the
// gateway to Reconnecting and the loop resumes once the bus is back;
// only context cancellation ends it.
func (g *Gateway) Consume(ctx context.Context, topic string, handler func(context.Context, []byte)) error {
	for {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:       g.cfg.Brokers,
			GroupID:       g.cfg.GroupID,
			Topic:         topic,
			MinBytes:      1,
			MaxBytes:      10e6,
			QueueCapacity: g.cfg.Prefetch,
		})
		err := g.consumeWith(ctx, reader, handler)
		_ = reader.Close()
		if ctx.Err() != nil {
			g.setState(StateDisconnected)
			return ctx.Err()
		}
		if g.logger != nil {
			g.logger.Warn("bus connection lost, reconnecting", "topic", topic, "err", err)
		}
		g.setState(StateReconnecting)
		if g.OnReconnect != nil {
			g.OnReconnect()
		}
		if !g.reconnect(ctx) {
			g.setState(StateDisconnected)
			return ctx.Err()
		}
		g.setState(StateConnected)
	}
}

func (g *Gateway) consumeWith(ctx context.Context, reader *kafka.Reader, handler func(context.Context, []byte)) error {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		handler(ctx, m.Value)
		if err := reader.CommitMessages(ctx, m); err != nil {
			return err
		}
	}
}

// reconnect loops until topic re-declaration succeeds or the context is
// cancelled. Unlike first connect there is no retry budget: mid-stream
// loss pauses processing, it never crashes the process.
func (g *Gateway) reconnect(ctx context.Context) bool {
	for {
		if !sleep(ctx, g.cfg.ReconnectDelay) {
			return false
		}
		if err := g.declareTopics(ctx); err == nil {
			return true
		} else if g.logger != nil {
			g.logger.Warn("bus reconnect attempt failed", "err", err)
		}
	}
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for topic, w := range g.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.writers, topic)
	}
	return firstErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
