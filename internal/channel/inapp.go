package channel

import (
	"context"

	"notifyd/internal/domain"
)

// InApp always succeeds: the stored notification is the artifact.
type InApp struct {
	*base
}

func NewInApp(opt Options) *InApp {
	return &InApp{base: newBase(domain.ChannelInApp, opt)}
}

func (a *InApp) Send(ctx context.Context, n domain.Notification, _ domain.User) domain.DeliveryResult {
	return a.deliver(ctx, n, func(context.Context) (string, error) {
		return "stored:" + n.ID, nil
	})
}
