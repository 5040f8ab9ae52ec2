package bus

import (
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors events onto a NATS deployment for in-cluster
// consumers. Topic separators are rewritten to subject tokens.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATS connects to the given NATS URL.
func NewNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish maps the slash-separated topic to a NATS subject and sends.
// QoS has no NATS equivalent and is ignored.
func (p *NATSPublisher) Publish(topic string, payload []byte, _ byte) error {
	if !p.nc.IsConnected() {
		return ErrNotConnected
	}
	subject := strings.ReplaceAll(topic, "/", ".")
	return p.nc.Publish(subject, payload)
}

func (p *NATSPublisher) Connected() bool {
	return p.nc.IsConnected()
}

func (p *NATSPublisher) Close() {
	p.nc.Close()
}
