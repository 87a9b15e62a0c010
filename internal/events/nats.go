package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/config"
	"github.com/orchestrd/orchestrd/internal/logger"
)

// NATSBus implements Bus over a NATS connection, for multi-replica
// deployments where subscribers may live on a different process than the
// dispatcher that published the notification.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus connects to NATS with the same reconnect/backoff options the
// rest of this corpus configures.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	log = log.WithFields(zap.String("component", "events-nats-bus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, log: log}, nil
}

// Publish marshals n and publishes it to subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("events: marshal notification: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Subscribe registers an async NATS subscription for subject.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.log.Error("unmarshal notification", zap.Error(err))
			return
		}
		if err := handler(context.Background(), n); err != nil {
			b.log.Error("notification handler failed", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (b *NATSBus) Close() {
	_ = b.conn.Drain()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}
