package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cartridge/signal/internal/types"
)

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("signalctl"))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Close closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// PublishRunStatus publishes run status events to NATS
func (n *NATSPublisher) PublishRunStatus(ctx context.Context, event RunStatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", n.subject).Msg("Failed to publish run status")
		return err
	}

	// Routing keys for alerting.
	routingKey := ""
	switch {
	case event.State == string(types.RunStateInterrupted):
		routingKey = n.subject + ".interrupted"
	case event.State == string(types.RunStateFailed):
		routingKey = n.subject + ".error"
	case event.HealthStatus == string(types.RunHealthStalled):
		routingKey = n.subject + ".stalled"
	}
	if routingKey != "" {
		if err := n.conn.Publish(routingKey, data); err != nil {
			n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("run_id", event.RunID).
		Str("state", event.State).
		Str("subject", n.subject).
		Msg("Published run status event")
	return nil
}

// PublishEpisode publishes episode summaries to NATS
func (n *NATSPublisher) PublishEpisode(ctx context.Context, event EpisodeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := n.subject + ".episodes"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish episode event")
		return err
	}
	n.logger.Debug().
		Str("run_id", event.RunID).
		Int("episode", event.Episode).
		Str("subject", subject).
		Msg("Published episode event")
	return nil
}
