package bus

import (
	"crypto/tls"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/xid"
)

// MQTTPublisher drives the MQTT broker connection. Publishes while
// disconnected are dropped; the paho client reconnects on its own.
type MQTTPublisher struct {
	client mqtt.Client
}

// MQTTOptions carries the broker settings the publisher needs.
type MQTTOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
	ClientID string

	// AnnounceTopic, when set, receives a connected notice each time
	// the broker session is (re)established.
	AnnounceTopic string
}

// NewMQTT connects to the broker. A failed initial connect is reported
// but the client keeps retrying in the background, so the gateway can
// start before its broker does.
func NewMQTT(o MQTTOptions) (*MQTTPublisher, error) {
	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = "pettracker-gateway-" + xid.New().String()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second)
	if o.User != "" {
		opts.SetUsername(o.User)
		opts.SetPassword(o.Password)
	}
	if o.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("[Bus] Connected to MQTT broker %s:%d", o.Host, o.Port)
		if o.AnnounceTopic != "" {
			notice := fmt.Sprintf(`{"status":"connected","timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))
			c.Publish(o.AnnounceTopic, 0, false, []byte(notice))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[Bus] MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok || token.Error() != nil {
		log.Printf("[Bus] MQTT broker %s:%d not reachable yet, retrying in background", o.Host, o.Port)
	}
	return &MQTTPublisher{client: client}, nil
}

// Publish sends one message at the given QoS. It never blocks on
// delivery; an unreachable broker drops the message.
func (p *MQTTPublisher) Publish(topic string, payload []byte, qos byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, qos, false, payload)
	if token.WaitTimeout(5 * time.Second) && token.Error() != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *MQTTPublisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
