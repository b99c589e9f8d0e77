package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arcov/conclave/internal/logging"
)

// Event is the wire shape published to the broadcast channel.
type Event struct {
	Source      string         `json:"source"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Significant bool           `json:"significant"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NATSReporter publishes events to a NATS subject per execution. Publish
// failures are logged and dropped; the engine is never blocked or failed
// by the broadcast channel.
type NATSReporter struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *logging.Logger
}

// NewNATSReporter connects to the given NATS URL.
func NewNATSReporter(url, subjectPrefix string, logger *logging.Logger) (*NATSReporter, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "conclave.status"
	}
	return &NATSReporter{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger.WithComponent("status"),
	}, nil
}

// Publish sends the event to <prefix>.<source>. Errors are swallowed.
func (r *NATSReporter) Publish(ctx context.Context, source, message string, metadata map[string]any, significant bool) {
	payload, err := json.Marshal(Event{
		Source:      source,
		Message:     message,
		Metadata:    metadata,
		Significant: significant,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("status event marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}

	subject := r.subjectPrefix + "." + source
	if err := r.conn.Publish(subject, payload); err != nil {
		r.logger.Warn("status publish failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

// Close drains the connection.
func (r *NATSReporter) Close() {
	r.conn.Close()
}
