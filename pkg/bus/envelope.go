package bus

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Endpoint names one of the three logical peers of the bus.
type Endpoint string

const (
	EndpointObserver    Endpoint = "observer"
	EndpointControl     Endpoint = "control"
	EndpointCoordinator Endpoint = "coordinator"
)

func (e Endpoint) Valid() bool {
	switch e {
	case EndpointObserver, EndpointControl, EndpointCoordinator:
		return true
	}
	return false
}

// Topic is the watermill topic carrying messages to the endpoint.
func (e Endpoint) Topic() string { return "tabtrail." + string(e) }

// Message is the tagged payload exchanged between endpoints.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a Message. A nil data yields no payload.
func NewMessage(action string, data any) (Message, error) {
	if data == nil {
		return Message{Action: action}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, errors.Wrapf(err, "bus: marshal %s payload", action)
	}
	return Message{Action: action, Data: raw}, nil
}

// Sender identifies where an inbound message came from. For observer-bound
// deliveries TabID addresses the target tab instead.
type Sender struct {
	Origin     Endpoint
	TabID      int
	URL        string
	FavIconURL string
}

func (s Sender) HasTab() bool { return s.TabID > 0 }

// Envelope is one delivery on the bus.
type Envelope struct {
	ID      string
	To      Endpoint
	Sender  Sender
	Message Message
}

const (
	metaOrigin     = "origin"
	metaTabID      = "tab_id"
	metaURL        = "tab_url"
	metaFavIconURL = "tab_fav_icon_url"
)

func toWatermill(env Envelope) (*message.Message, error) {
	payload, err := json.Marshal(env.Message)
	if err != nil {
		return nil, errors.Wrap(err, "bus: marshal message")
	}
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(metaOrigin, string(env.Sender.Origin))
	if env.Sender.HasTab() {
		msg.Metadata.Set(metaTabID, strconv.Itoa(env.Sender.TabID))
	}
	if env.Sender.URL != "" {
		msg.Metadata.Set(metaURL, env.Sender.URL)
	}
	if env.Sender.FavIconURL != "" {
		msg.Metadata.Set(metaFavIconURL, env.Sender.FavIconURL)
	}
	return msg, nil
}

func fromWatermill(to Endpoint, msg *message.Message) (Envelope, error) {
	env := Envelope{
		ID: msg.UUID,
		To: to,
		Sender: Sender{
			Origin:     Endpoint(msg.Metadata.Get(metaOrigin)),
			URL:        msg.Metadata.Get(metaURL),
			FavIconURL: msg.Metadata.Get(metaFavIconURL),
		},
	}
	if raw := msg.Metadata.Get(metaTabID); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "bus: invalid tab id %q", raw)
		}
		env.Sender.TabID = id
	}
	if err := json.Unmarshal(msg.Payload, &env.Message); err != nil {
		return Envelope{}, errors.Wrap(err, "bus: unmarshal message")
	}
	return env, nil
}
