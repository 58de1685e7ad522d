// Package events publishes sample status changes to an MQTT broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/domain/sampleresults"
)

const defaultPublishTimeout = 5 * time.Second

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Publisher sends one QoS 1, non-retained message per status change to
// <prefix>/samples/<sample uuid>/status.
type Publisher struct {
	client mqtt.Client
	prefix string
	logger zerolog.Logger
}

// Connect dials the broker and returns a Publisher on the connection.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return NewPublisher(client, cfg.TopicPrefix, logger), nil
}

func NewPublisher(client mqtt.Client, prefix string, logger zerolog.Logger) *Publisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "lis"
	}
	return &Publisher{client: client, prefix: prefix, logger: logger.With().Str("component", "mqtt").Logger()}
}

func (p *Publisher) Topic(sampleUUID string) string {
	return p.prefix + "/samples/" + sampleUUID + "/status"
}

// PublishStatusChange waits for the broker acknowledgement or ctx, whichever
// comes first. Without a deadline on ctx it waits at most five seconds.
func (p *Publisher) PublishStatusChange(ctx context.Context, ev sampleresults.StatusChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	topic := p.Topic(ev.SampleUUID)
	token := p.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Str("to", string(ev.ToStatus)).Msg("status event published")
	return nil
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
