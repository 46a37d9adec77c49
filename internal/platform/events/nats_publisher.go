package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	domain "github.com/campusdash/api/internal/domain"
)

const defaultSubjectPrefix = "delivery"

type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes delivery events on subjects of the form <prefix>.<shopId>.<eventType>.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NATSConfig describes how to reach the NATS server.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NewNATSPublisher connects to NATS and returns a publisher bound to the connection.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{nats.MaxReconnects(-1)}
	if name := strings.TrimSpace(cfg.Name); name != "" {
		opts = append(opts, nats.Name(name))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSPublisher(conn, cfg.SubjectPrefix), nil
}

func newNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event of the given type for the shop is published on.
func (p *NATSPublisher) Subject(shopID, eventType string) string {
	shop := strings.ReplaceAll(subjectToken(shopID), ".", "_")
	if shop == "" {
		shop = "_"
	}
	return p.prefix + "." + shop + "." + subjectToken(eventType)
}

// Publish sends the event and flushes so delivery failures surface to the caller.
func (p *NATSPublisher) Publish(ctx context.Context, event domain.DeliveryEvent) error {
	if p == nil || p.conn == nil {
		return errors.New("nats event publisher: not initialised")
	}

	msg, data, err := encode(event)
	if err != nil {
		return err
	}

	out := nats.NewMsg(p.Subject(msg.ShopID, msg.Type))
	out.Data = data
	for key, value := range attributes(msg) {
		out.Header.Set(key, value)
	}

	if err := p.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("publish delivery event %s: %w", msg.Type, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush delivery event %s: %w", msg.Type, err)
	}
	return nil
}

// Close drops the underlying connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.conn.Close()
	return nil
}

// subjectToken keeps NATS wildcards and separators out of a single subject token.
func subjectToken(value string) string {
	value = strings.TrimSpace(value)
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, value)
}
