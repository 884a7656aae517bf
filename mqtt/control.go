package mqtt

import (
	"errors"
	"fmt"
	"log/slog"

	"cardpool/suppress"
)

// DefaultSuppressSource is used when a suppress message names no source.
const DefaultSuppressSource = "mqtt"

func SuppressTopic(clientID string) string { return "cardpool/control/" + clientID + "/suppress" }
func CancelTopic(clientID string) string   { return "cardpool/control/" + clientID + "/cancel" }
func EventTopic(clientID string) string    { return "cardpool/status/" + clientID + "/event" }
func ReaderTopic(clientID string) string   { return "cardpool/status/" + clientID + "/reader" }
func PingTopic(clientID string) string     { return "cardpool/status/" + clientID + "/ping" }
func PresenceTopic(clientID string) string { return "cardpool/status/" + clientID + "/online" }

var ErrUnknownTopic = errors.New("mqtt: unknown topic")

// Control turns messages on the control topics into suppression
// requests and cancels.
type Control struct {
	clientID string
	bus      *suppress.Bus
	cancel   func() bool
	log      *slog.Logger
}

func NewControl(clientID string, bus *suppress.Bus, cancel func() bool, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Control{clientID: clientID, bus: bus, cancel: cancel, log: logger}
}

// Topics lists the topics Handle understands.
func (c *Control) Topics() []string {
	return []string{SuppressTopic(c.clientID), CancelTopic(c.clientID)}
}

// Handle processes one message.
func (c *Control) Handle(topic string, payload []byte) error {
	switch topic {
	case SuppressTopic(c.clientID):
		var msg suppress.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode suppress message: %w", err)
		}
		if msg.Source == "" {
			msg.Source = DefaultSuppressSource
		}
		c.log.Info("remote suppression", "source", msg.Source, "suppressed", msg.Suppressed)
		c.bus.Publish(msg)
		return nil
	case CancelTopic(c.clientID):
		if c.cancel != nil && c.cancel() {
			c.log.Info("pending staff tap cancelled remotely")
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(p Publisher, topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	p.Publish(topic, b)
	return nil
}
