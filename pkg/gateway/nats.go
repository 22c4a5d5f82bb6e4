package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ovalboard/lapboard-service-go/log"
)

// NatsPublisher republishes viewer envelopes on a subject so other
// consumers (recorders, secondary boards) can tap the live feed.
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
	log     *log.Logger
}

// NewNatsPublisher connects to the broker. The subject gets the envelope
// type appended, e.g. lapboard.live.snapshot.
func NewNatsPublisher(url, subject string) (*NatsPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	return &NatsPublisher{
		conn:    conn,
		subject: subject,
		log:     log.Default().Named("nats"),
	}, nil
}

func (p *NatsPublisher) Publish(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Warn("envelope marshal failed", log.ErrorField(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", p.subject, env.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("publish failed",
			log.String("subject", subject), log.ErrorField(err))
	}
}

func (p *NatsPublisher) Close() {
	p.conn.Close()
}
