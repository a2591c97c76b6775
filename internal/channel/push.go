package channel

import (
	"context"
	"strings"

	"notifyd/internal/domain"
)

type PushMessage struct {
	Token    string
	Title    string
	Body     string
	Priority domain.Priority
	Data     map[string]any
}

// PushGateway delivers one message to a device.
type PushGateway interface {
	Push(ctx context.Context, m PushMessage) (string, error)
}

type Push struct {
	*base
	gw PushGateway
}

func NewPush(gw PushGateway, opt Options) *Push {
	return &Push{base: newBase(domain.ChannelPush, opt), gw: gw}
}

func (p *Push) Send(ctx context.Context, n domain.Notification, u domain.User) domain.DeliveryResult {
	token := strings.TrimSpace(u.DeviceToken)
	if token == "" {
		return Failure(p.ch, missing(CodeMissingToken, "device token"))
	}
	data := map[string]any{
		"notification_id": n.ID,
		"type":            string(n.Type),
	}
	for k, v := range n.Data {
		data[k] = v
	}
	return p.deliver(ctx, n, func(ctx context.Context) (string, error) {
		return p.gw.Push(ctx, PushMessage{
			Token:    token,
			Title:    n.Title,
			Body:     n.Message,
			Priority: n.Priority,
			Data:     data,
		})
	})
}
