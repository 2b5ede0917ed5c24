package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/config"
	"github.com/malamar-dev/malamar/internal/common/logger"
)

// NATSMirror republishes every local bus event to a NATS subject, letting
// external consumers observe Malamar activity. It is one-way: nothing is
// consumed from NATS back into the process.
type NATSMirror struct {
	conn   *nats.Conn
	sub    Subscription
	prefix string
	logger *logger.Logger
}

// NewNATSMirror connects to NATS and subscribes to all events on the local bus.
func NewNATSMirror(cfg config.NATSConfig, local EventBus, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	m := &NATSMirror{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: log,
	}
	m.sub = local.Subscribe("*", m.forward)

	log.Info("Mirroring events to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", cfg.SubjectPrefix),
	)
	return m, nil
}

// forward publishes one local event to NATS. Publish failures are logged and
// dropped; the mirror never affects local delivery.
func (m *NATSMirror) forward(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal event for NATS",
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return
	}

	subject := m.prefix + "." + event.Type
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to mirror event to NATS",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Close unsubscribes from the local bus and drains the NATS connection.
func (m *NATSMirror) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	if m.conn != nil {
		_ = m.conn.Drain()
	}
}
