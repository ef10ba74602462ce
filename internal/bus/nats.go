package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
)

// JetStreamBus implements Bus over NATS JetStream. Messages are persisted to
// the configured stream and consumed through durable queue consumers with
// explicit acks, so an orchestrator or agent restart replays what was not
// acknowledged.
type JetStreamBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config config.NATSConfig
	logger *logger.Logger
}

// NewJetStreamBus connects to NATS, enables JetStream, and ensures the
// stream exists.
func NewJetStreamBus(cfg config.NATSConfig, log *logger.Logger) (*JetStreamBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
			} else {
				log.Error("NATS error", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	b := &JetStreamBus{conn: conn, js: js, config: cfg, logger: log}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("Connected to NATS JetStream",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream),
	)
	return b, nil
}

// ensureStream creates the stream if it does not exist yet. Existing streams
// are left untouched so operator tuning survives restarts.
func (b *JetStreamBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.config.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", b.config.Stream, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       b.config.Stream,
		Subjects:   StreamSubjects,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardOld,
		MaxAge:     b.config.MessageMaxAge(),
		Storage:    nats.FileStorage,
		Duplicates: b.config.DuplicateWindow(),
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", b.config.Stream, err)
	}

	b.logger.Info("Created JetStream stream",
		zap.String("stream", b.config.Stream),
		zap.Strings("subjects", StreamSubjects),
	)
	return nil
}

// Publish persists a message to the stream and waits for the broker's
// confirm. Publishing without a confirm is not offered: a dispatch that the
// broker never stored must surface as an error, not silence.
func (b *JetStreamBus) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}

	ack, err := b.js.Publish(subject, data, opts...)
	if err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("subject", subject),
			zap.String("msg_id", msgID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	if ack.Duplicate {
		b.logger.Debug("Publish deduplicated by broker",
			zap.String("subject", subject),
			zap.String("msg_id", msgID),
		)
		return nil
	}

	b.logger.Debug("Published message",
		zap.String("subject", subject),
		zap.String("msg_id", msgID),
		zap.Uint64("sequence", ack.Sequence),
	)
	return nil
}

// QueueSubscribe creates a durable queue consumer. The durable name is
// derived from the queue group so the consumer's position survives restarts.
func (b *JetStreamBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	sub, err := b.js.QueueSubscribe(subject, queue, b.createMsgHandler(handler),
		nats.Durable(QueueFor(queue)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.config.AckWait()),
		nats.MaxDeliver(b.config.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("Queue subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue),
	)
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler adapts a Handler to the ack protocol: nil acks, error
// naks for redelivery.
func (b *JetStreamBus) createMsgHandler(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := context.Background()
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			fields := []zap.Field{
				zap.String("subject", msg.Subject),
				zap.Error(err),
			}
			if meta, metaErr := msg.Metadata(); metaErr == nil {
				fields = append(fields, zap.Uint64("delivery_attempt", meta.NumDelivered))
			}
			b.logger.Error("Handler failed, message will be redelivered", fields...)
			if nakErr := msg.Nak(); nakErr != nil {
				b.logger.Warn("Failed to nak message", zap.Error(nakErr))
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Warn("Failed to ack message",
				zap.String("subject", msg.Subject),
				zap.Error(ackErr),
			)
		}
	}
}

// Close drains the connection, letting in-flight handlers finish.
func (b *JetStreamBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS connection closed")
}

// IsConnected returns whether the NATS connection is active.
func (b *JetStreamBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
