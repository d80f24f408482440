package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/odvcencio/browserd/pkg/logging"
)

// NATSForwarder bridges published events onto NATS subjects so other
// services can consume browser telemetry without holding a WebSocket.
// Subjects are <prefix>.<type>, e.g. browserd.events.console.
type NATSForwarder struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSForwarder connects to the NATS server at url. The connection
// retries in the background so a broker restart does not take the
// daemon down with it.
func NewNATSForwarder(url, prefix string, logger *logging.Logger) (*NATSForwarder, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("browserd-events"),
	)
	if err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "browserd.events"
	}

	return &NATSForwarder{
		nc:     nc,
		prefix: prefix,
		logger: logger,
	}, nil
}

// ForwardEvent publishes the event as JSON. Publish failures are
// logged and dropped; the in-process fan-out must not stall on the
// broker.
func (f *NATSForwarder) ForwardEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := f.prefix + "." + strings.ToLower(string(ev.Type))
	if err := f.nc.Publish(subject, data); err != nil {
		f.logger.Warn(logging.CategoryEvents, "nats_publish_failed", "failed to forward event", map[string]any{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

// Close flushes pending messages and closes the connection.
func (f *NATSForwarder) Close() {
	if f.nc == nil {
		return
	}
	_ = f.nc.Flush()
	f.nc.Close()
}
