// Package bus is the downstream side of the gateway: everything the
// core needs from a message bus is the Publisher contract below.
package bus

import (
	"errors"
	"log"
)

// ErrNotConnected is returned when a publish is attempted while the
// transport is down. The caller logs and drops; nothing is queued.
var ErrNotConnected = errors.New("bus: not connected")

// Publisher is the publish-capable handle the gate talks to.
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
	Connected() bool
	Close()
}

// Tee publishes every message to a primary publisher and mirrors it to
// a secondary one. Mirror failures are logged, never propagated.
type Tee struct {
	Primary Publisher
	Mirror  Publisher
}

// NewTee combines a primary publisher with a best-effort mirror.
func NewTee(primary, mirror Publisher) *Tee {
	return &Tee{Primary: primary, Mirror: mirror}
}

func (t *Tee) Publish(topic string, payload []byte, qos byte) error {
	err := t.Primary.Publish(topic, payload, qos)
	if t.Mirror != nil {
		if merr := t.Mirror.Publish(topic, payload, qos); merr != nil {
			log.Printf("[Bus] Mirror publish to %s failed: %v", topic, merr)
		}
	}
	return err
}

func (t *Tee) Connected() bool {
	return t.Primary.Connected()
}

func (t *Tee) Close() {
	t.Primary.Close()
	if t.Mirror != nil {
		t.Mirror.Close()
	}
}
