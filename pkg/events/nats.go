// Package events bridges engine events and NATS.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/lx"
)

// DefaultSubjectPrefix is prepended to every published event type.
const DefaultSubjectPrefix = "perp.events"

// Connect dials NATS with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher forwards committed engine events to NATS as JSON, one subject
// per event type (perp.events.position_opened, ...).
type Publisher struct {
	conn      Conn
	prefix    string
	log       log.Logger
	published func()
}

var _ lx.EventSink = (*Publisher)(nil)

func NewPublisher(conn Conn, prefix string, logger log.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    logger,
	}
}

// OnPublished registers a callback run after each successful publish.
func (p *Publisher) OnPublished(fn func()) {
	p.published = fn
}

// Subject returns the subject events of type t are published on.
func (p *Publisher) Subject(t lx.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish implements lx.EventSink. Failures are logged, never returned to
// the engine.
func (p *Publisher) Publish(ev lx.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", "subject", subject, "error", err)
		return
	}
	if p.published != nil {
		p.published()
	}
}
