package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
)

// natsConn is the part of *nats.Conn the bridge uses
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridge publishes events on <prefix>.event.<device>.<kind> and
// serves action requests on <prefix>.action.<device>.<action>. Requests
// with a reply subject get {"status":"ok"} or {"error":...} back.
type NATSBridge struct {
	nc      natsConn
	prefix  string
	actions Actioner
	logger  zerolog.Logger
	sub     *nats.Subscription
}

// ConnectNATS opens a connection that keeps reconnecting forever
func ConnectNATS(url, token string, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("plantmon"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NewNATSBridge creates a bridge over an open connection
func NewNATSBridge(nc natsConn, prefix string, actions Actioner, logger zerolog.Logger) *NATSBridge {
	return &NATSBridge{
		nc:      nc,
		prefix:  prefix,
		actions: actions,
		logger:  logger.With().Str("component", "nats").Logger(),
	}
}

// Start subscribes to action requests
func (b *NATSBridge) Start() error {
	if b.actions == nil {
		return nil
	}
	sub, err := b.nc.Subscribe(b.prefix+".action.*.*", b.handleAction)
	if err != nil {
		return fmt.Errorf("subscribe actions: %w", err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", sub.Subject).Msg("NATS bridge started")
	return nil
}

// Stop drops the action subscription
func (b *NATSBridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

// Publish implements session.Publisher
func (b *NATSBridge) Publish(ev models.DeviceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}
	subject := b.EventSubject(ev.Address, ev.Kind)
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Publish failed")
	}
}

// EventSubject is the subject events of a device and kind are published on
func (b *NATSBridge) EventSubject(address string, kind models.EventKind) string {
	return b.prefix + ".event." + DeviceToken(address) + "." + string(kind)
}

// parseActionSubject splits <prefix>.action.<device>.<action>
func (b *NATSBridge) parseActionSubject(subject string) (string, models.Action, error) {
	rest, ok := strings.CutPrefix(subject, b.prefix+".action.")
	if !ok {
		return "", 0, fmt.Errorf("unexpected subject %q", subject)
	}
	token, name, ok := strings.Cut(rest, ".")
	if !ok {
		return "", 0, fmt.Errorf("unexpected subject %q", subject)
	}
	address, err := ParseDeviceToken(token)
	if err != nil {
		return "", 0, err
	}
	action, err := models.ParseAction(name)
	if err != nil {
		return "", 0, err
	}
	return address, action, nil
}

func (b *NATSBridge) handleAction(msg *nats.Msg) {
	address, action, err := b.parseActionSubject(msg.Subject)
	if err == nil {
		err = b.actions.RequestAction(address, action)
	}

	if err != nil {
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Action rejected")
	} else {
		b.logger.Info().Str("device", address).Str("action", action.String()).Msg("Action requested over NATS")
	}

	if msg.Reply == "" {
		return
	}
	reply := map[string]string{"status": "ok"}
	if err != nil {
		reply = map[string]string{"error": err.Error()}
	}
	data, _ := json.Marshal(reply)
	if err := b.nc.Publish(msg.Reply, data); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to reply")
	}
}
