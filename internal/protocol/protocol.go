// Package protocol holds the per-model BLE decoders. A decoder never talks
// to the radio itself: it inspects the per-attempt Exchange, answers which
// services to open, and turns each payload into an Outcome carrying the
// next commands to issue.
package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/models"
)

// CommandKind is the radio operation a Command asks for
type CommandKind int

const (
	CommandRead CommandKind = iota
	CommandWrite
	CommandSubscribe
)

func (k CommandKind) String() string {
	switch k {
	case CommandRead:
		return "read"
	case CommandWrite:
		return "write"
	case CommandSubscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is one radio operation issued by a decoder
type Command struct {
	Kind    CommandKind
	Service uuid.UUID
	Char    uuid.UUID
	Data    []byte
	Ack     bool
}

// Read asks for the value of a characteristic
func Read(svc, ch uuid.UUID) Command {
	return Command{Kind: CommandRead, Service: svc, Char: ch}
}

// Write writes data and waits for the device acknowledgement
func Write(svc, ch uuid.UUID, data []byte) Command {
	return Command{Kind: CommandWrite, Service: svc, Char: ch, Data: data, Ack: true}
}

// WriteNoAck writes data without response
func WriteNoAck(svc, ch uuid.UUID, data []byte) Command {
	return Command{Kind: CommandWrite, Service: svc, Char: ch, Data: data}
}

// Subscribe enables notifications on a characteristic
func Subscribe(svc, ch uuid.UUID) Command {
	return Command{Kind: CommandSubscribe, Service: svc, Char: ch}
}

func (c Command) String() string {
	if c.Kind == CommandWrite {
		return fmt.Sprintf("%s %s [%s] ack=%t", c.Kind, c.Char, hex.EncodeToString(c.Data), c.Ack)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Char)
}

// PayloadKind says how a payload reached the decoder
type PayloadKind int

const (
	PayloadRead PayloadKind = iota
	PayloadWritten
	PayloadNotify
	PayloadDescriptorWritten
)

// Payload is a radio result handed to a decoder
type Payload struct {
	Kind    PayloadKind
	Service uuid.UUID
	Char    uuid.UUID
	Data    []byte
}

// OutcomeKind classifies what a decoder made of a payload
type OutcomeKind int

const (
	OutcomeIgnored OutcomeKind = iota
	OutcomeNeedMore
	OutcomeReading
	OutcomeComplete
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeNeedMore:
		return "need_more"
	case OutcomeReading:
		return "reading"
	case OutcomeComplete:
		return "complete"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of OnPayload.
// Commands are queued after any already pending ones.
type Outcome struct {
	Kind       OutcomeKind
	Commands   []Command
	Disconnect bool
	Discard    bool
	Err        error
}

// Ignored means the payload changed nothing
func Ignored() Outcome {
	return Outcome{Kind: OutcomeIgnored}
}

// NeedMore asks for further commands before a result is available
func NeedMore(cmds ...Command) Outcome {
	return Outcome{Kind: OutcomeNeedMore, Commands: cmds}
}

// ReadingReady reports that Exchange.Reading holds a new sample.
// With disconnect false the link stays open for more samples.
func ReadingReady(disconnect bool, cmds ...Command) Outcome {
	return Outcome{Kind: OutcomeReading, Disconnect: disconnect, Commands: cmds}
}

// Discarded is a finished reading that must not be persisted
func Discarded() Outcome {
	return Outcome{Kind: OutcomeReading, Disconnect: true, Discard: true}
}

// Complete ends a non-reading action successfully
func Complete() Outcome {
	return Outcome{Kind: OutcomeComplete, Disconnect: true}
}

// Failed aborts the current attempt
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("%w: %w", models.ErrProtocol, err)}
}

// Decoder is the per-model protocol logic
type Decoder interface {
	Model() models.Model
	Supports(a models.Action) bool
	// SelectServices lists the services to open for the current action
	SelectServices(x *Exchange) []uuid.UUID
	// OnServiceReady returns the first commands for an opened service
	OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error)
	OnPayload(x *Exchange, p Payload) Outcome
}

// AdvertisementParser is implemented by decoders of models that
// broadcast measurements
type AdvertisementParser interface {
	ParseAdvertisement(r *models.SensorReading, data []byte) bool
}

var decoders = map[models.Model]Decoder{
	models.ModelHygrotempSquare:   squareDecoder{},
	models.ModelHygrotempCGG1:     cgg1Decoder{},
	models.ModelRopot:             ropotDecoder{},
	models.ModelParrotPot:         parrotPotDecoder{},
	models.ModelWP6003:            wp6003Decoder{},
	models.ModelGeigerCounter:     geigerDecoder{},
	models.ModelHiGrow:            higrowDecoder{},
	models.ModelAirQualityMonitor: airQualityDecoder{},
	models.ModelFlowerCare:        flowerCareDecoder{},
}

// For returns the decoder of a model
func For(m models.Model) (Decoder, bool) {
	d, ok := decoders[m]
	return d, ok
}

// Models lists the models with a decoder
func Models() []models.Model {
	out := make([]models.Model, 0, len(decoders))
	for m := range decoders {
		out = append(out, m)
	}
	return out
}

func contains(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
