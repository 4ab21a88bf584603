package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/metric"
)

// DefaultSubjectPrefix is the first subject token of runtime events.
const DefaultSubjectPrefix = "govclock.events"

// Conn is the publishing side of a NATS connection. natsclient.Client
// satisfies it.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes JSON events to <prefix>.<kind>.<component>.
type NATSPublisher struct {
	conn    Conn
	prefix  string
	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewNATSPublisher creates a publisher; an empty prefix uses
// DefaultSubjectPrefix.
func NewNATSPublisher(conn Conn, prefix string, metrics *metric.Metrics, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:    conn,
		prefix:  strings.TrimSuffix(prefix, "."),
		metrics: metrics,
		logger:  logger,
	}
}

// Subject returns the subject an event is published on. Wildcard and
// whitespace characters in the component id are replaced with '_'.
func (p *NATSPublisher) Subject(ev Event) string {
	component := strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, ev.ComponentID)
	return fmt.Sprintf("%s.%s.%s", p.prefix, ev.Kind, component)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "NATSPublisher", "Publish", "check context")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.metrics.RecordEventPublished(string(ev.Kind), err)
		return errors.WrapInvalid(err, "NATSPublisher", "Publish", "marshal event")
	}

	subject := p.Subject(ev)
	err = p.conn.Publish(ctx, subject, data)
	p.metrics.RecordEventPublished(string(ev.Kind), err)
	if err != nil {
		p.logger.Debug("Event publish failed", "subject", subject, "error", err)
		return errors.Wrap(err, "NATSPublisher", "Publish", "publish to "+subject)
	}
	return nil
}
