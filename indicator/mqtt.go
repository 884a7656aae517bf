package indicator

import (
	"time"

	"cardpool/mqtt"
)

type eventPayload struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	*Info
}

type readerPayload struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// MQTT implements Indicator by publishing status messages.
type MQTT struct {
	pub      mqtt.Publisher
	clientID string
	now      func() time.Time
}

func NewMQTT(pub mqtt.Publisher, clientID string) *MQTT {
	return &MQTT{pub: pub, clientID: clientID, now: time.Now}
}

func (m *MQTT) event(name string, info *Info) {
	mqtt.PublishJSON(m.pub, mqtt.EventTopic(m.clientID), eventPayload{Event: name, At: m.now(), Info: info})
}

func (m *MQTT) reader(connected bool) {
	mqtt.PublishJSON(m.pub, mqtt.ReaderTopic(m.clientID), readerPayload{Connected: connected, At: m.now()})
}

func (m *MQTT) Idle()               {}
func (m *MQTT) Waiting(info *Info)  { m.event("waiting", info) }
func (m *MQTT) Accepted(info *Info) { m.event("accepted", info) }
func (m *MQTT) Rejected(info *Info) { m.event("rejected", info) }
func (m *MQTT) Connected()          { m.reader(true) }
func (m *MQTT) ConnectionLost()     { m.reader(false) }
func (m *MQTT) Shutdown()           { m.event("shutdown", nil) }
func (m *MQTT) Release() error      { return nil }
