// Package events publishes domain events for records created through the
// WhatsApp intake, so downstream CRM consumers can react to them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RecordCreated is published once a domain record exists.
type RecordCreated struct {
	Kind      string            `json:"kind"`
	RecordID  string            `json:"record_id"`
	FlowID    string            `json:"flow_id"`
	AccountID *string           `json:"account_id,omitempty"`
	Phone     string            `json:"phone"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"created_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishRecordCreated(ctx context.Context, evt RecordCreated) error
	Close()
}

// NATSPublisher publishes on "<prefix>.<kind>.created".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// Connect dials url and returns a publisher owning the connection.
func Connect(url, prefix string, log *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("crm-intake-bot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "intake"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject used for records of kind.
func (p *NATSPublisher) Subject(kind string) string {
	return p.prefix + "." + kind + ".created"
}

func (p *NATSPublisher) PublishRecordCreated(ctx context.Context, evt RecordCreated) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(evt.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(evt.Kind), err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.owned {
		p.nc.Close()
	}
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishRecordCreated(context.Context, RecordCreated) error { return nil }
func (Nop) Close()                                                    {}
