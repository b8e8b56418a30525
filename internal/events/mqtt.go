package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
)

const publishTimeout = 5 * time.Second

// MQTTOptions configures the MQTT publisher
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// MQTTPublisher publishes device events to <prefix>/<device>/<kind> and
// the readings they carry to <prefix>/<device>/reading. Actions arrive on
// <prefix>/<device>/action with the action name as payload.
type MQTTPublisher struct {
	client  mqtt.Client
	opts    MQTTOptions
	actions Actioner
	logger  zerolog.Logger
}

// NewMQTTPublisher builds a publisher with an auto reconnecting client.
// actions may be nil to ignore remote requests.
func NewMQTTPublisher(opts MQTTOptions, actions Actioner, logger zerolog.Logger) *MQTTPublisher {
	p := &MQTTPublisher{
		opts:    opts,
		actions: actions,
		logger:  logger.With().Str("component", "mqtt").Logger(),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	// subscriptions are lost with a clean session, renew them on every connect
	co.SetOnConnectHandler(func(c mqtt.Client) {
		p.logger.Info().Str("broker", opts.Broker).Msg("MQTT connected")
		p.subscribe(c)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = mqtt.NewClient(co)
	return p
}

// Connect waits for the first connection to the broker
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	for {
		if token.WaitTimeout(200 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	p.logger.Info().Msg("MQTT disconnected")
}

// Publish implements session.Publisher. It never blocks the caller.
func (p *MQTTPublisher) Publish(ev models.DeviceEvent) {
	if !p.client.IsConnected() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}
	p.send(p.topic(ev.Address, string(ev.Kind)), data, ev.Kind == models.EventStatus && p.opts.Retain)

	if ev.Reading != nil && !ev.Reading.Empty() {
		model, _ := models.ParseModel(ev.Model)
		data, err := json.Marshal(models.NewReadingMessage(ev.Reading, model))
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to marshal reading")
			return
		}
		p.send(p.topic(ev.Address, "reading"), data, p.opts.Retain)
	}
}

func (p *MQTTPublisher) send(topic string, data []byte, retain bool) {
	token := p.client.Publish(topic, p.opts.QoS, retain, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn().Str("topic", topic).Msg("Publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("Publish failed")
		}
	}()
}

func (p *MQTTPublisher) topic(address, leaf string) string {
	return p.opts.TopicPrefix + "/" + DeviceToken(address) + "/" + leaf
}

func (p *MQTTPublisher) subscribe(c mqtt.Client) {
	if p.actions == nil {
		return
	}
	filter := p.opts.TopicPrefix + "/+/action"
	token := c.Subscribe(filter, p.opts.QoS, p.handleAction)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			p.logger.Error().Err(token.Error()).Str("topic", filter).Msg("Subscribe failed")
		}
	}()
}

func (p *MQTTPublisher) handleAction(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 {
		return
	}
	address, err := ParseDeviceToken(parts[len(parts)-2])
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ignoring action")
		return
	}
	action, err := models.ParseAction(string(msg.Payload()))
	if err != nil {
		p.logger.Warn().Err(err).Str("device", address).Msg("Ignoring action")
		return
	}

	if err := p.actions.RequestAction(address, action); err != nil {
		p.logger.Warn().Err(err).Str("device", address).Str("action", action.String()).Msg("Action rejected")
		return
	}
	p.logger.Info().Str("device", address).Str("action", action.String()).Msg("Action requested over MQTT")
}
