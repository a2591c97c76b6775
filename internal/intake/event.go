package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/notifier"
)

// ErrPoison marks a message that can never be processed. It is dropped
// without requeue.
var ErrPoison = errors.New("intake: poison message")

// Envelope is the wire format published by platform services.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type Meta struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Source     string    `json:"source,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// Event is the data payload: a create request plus an optional contact
// card refreshed before delivery.
type Event struct {
	notifier.Request
	Contact *Contact `json:"contact,omitempty"`
}

type Contact struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// Decode parses one message body. A missing data.type falls back to
// meta.event_type, then to the last segment of the routing key
// ("notification.comment" yields "comment"). Decoding failures wrap
// ErrPoison.
func Decode(body []byte, routingKey string) (Envelope, Event, error) {
	var env Envelope
	if err := strictUnmarshal(body, &env); err != nil {
		return Envelope{}, Event{}, fmt.Errorf("%w: envelope: %v", ErrPoison, err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return env, Event{}, fmt.Errorf("%w: missing data", ErrPoison)
	}
	var ev Event
	if err := strictUnmarshal(env.Data, &ev); err != nil {
		return env, Event{}, fmt.Errorf("%w: data: %v", ErrPoison, err)
	}
	if ev.Type == "" {
		ev.Type = domain.Type(eventType(env.Meta.EventType, routingKey))
	}
	if ev.Contact != nil && ev.Contact.user(0) == (domain.User{}) {
		ev.Contact = nil
	}
	return env, ev, nil
}

func (c Contact) user(id int64) domain.User {
	return domain.User{
		ID:          id,
		Name:        strings.TrimSpace(c.Name),
		Email:       strings.TrimSpace(c.Email),
		Phone:       strings.TrimSpace(c.Phone),
		DeviceToken: strings.TrimSpace(c.DeviceToken),
	}
}

func eventType(metaType, routingKey string) string {
	for _, s := range []string{metaType, routingKey} {
		s = strings.TrimSpace(s)
		if i := strings.LastIndexByte(s, '.'); i >= 0 {
			s = s[i+1:]
		}
		if s != "" && s != "#" && s != "*" {
			return s
		}
	}
	return ""
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
