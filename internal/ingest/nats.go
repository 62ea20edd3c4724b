package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/envelope"
	"github.com/vedacore/streamgateway/internal/metrics"
)

// NATSConfig configures the producer-ingest connection. Only core NATS
// pub/sub is used, no JetStream: the resume store already covers replay
// for reconnecting clients, so ingest-side redelivery would be redundant.
type NATSConfig struct {
	URL           string
	SubjectPrefix string // subjects subscribed: "<prefix>.>"
}

// envelopeIn is the wire shape external producers publish: a bare
// {topic, payload, event?} JSON body per NATS message.
type envelopeIn struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Event   string          `json:"event"`
}

// NATSIngest subscribes to a wildcard subject and forwards every message
// into the broker via Publisher.
type NATSIngest struct {
	cfg       NATSConfig
	publisher Publisher
	m         metrics.Metrics
	logger    *zap.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSIngest dials cfg.URL. Connection failures are returned to the
// caller; the core runs without producer ingest if this is never started.
func NewNATSIngest(cfg NATSConfig, publisher Publisher, m metrics.Metrics, logger *zap.Logger) (*NATSIngest, error) {
	if m == nil {
		m = metrics.NoOp{}
	}
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second*2),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("ingest: nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if logger != nil {
				logger.Info("ingest: nats reconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSIngest{cfg: cfg, publisher: publisher, m: m, logger: logger, conn: conn}, nil
}

// Start subscribes to "<prefix>.>" and forwards each message.
func (n *NATSIngest) Start(ctx context.Context) error {
	subject := n.cfg.SubjectPrefix + ".>"
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		n.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	n.sub = sub
	return nil
}

func (n *NATSIngest) handle(ctx context.Context, msg *nats.Msg) {
	var in envelopeIn
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		n.m.IncIngestErrors("nats")
		if n.logger != nil {
			n.logger.Warn("ingest: malformed nats message", zap.String("subject", msg.Subject), zap.Error(err))
		}
		return
	}
	if in.Topic == "" {
		return
	}
	if len(in.Payload) > envelope.MaxPayloadBytes {
		n.m.IncIngestErrors("nats")
		if n.logger != nil {
			n.logger.Warn("ingest: oversize payload rejected",
				zap.String("topic", in.Topic), zap.Int("bytes", len(in.Payload)))
		}
		return
	}
	if _, err := n.publisher.Publish(ctx, in.Topic, in.Payload, in.Event, 1); err != nil {
		n.m.IncIngestErrors("nats")
		if n.logger != nil {
			n.logger.Warn("ingest: publish from nats failed", zap.String("topic", in.Topic), zap.Error(err))
		}
		return
	}
	n.m.IncIngestMessages("nats")
}

// Close unsubscribes and closes the connection without draining it.
func (n *NATSIngest) Close() error {
	if n.sub != nil {
		n.sub.Unsubscribe()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
