package channel

import (
	"context"
	"strings"

	"notifyd/internal/domain"
)

// SMSMaxRunes is the provider-safe body length before the ellipsis.
const SMSMaxRunes = 150

type SMSGateway interface {
	SendSMS(ctx context.Context, phone, text string) (string, error)
}

type SMS struct {
	*base
	gw SMSGateway
}

func NewSMS(gw SMSGateway, opt Options) *SMS {
	return &SMS{base: newBase(domain.ChannelSMS, opt), gw: gw}
}

func (s *SMS) Send(ctx context.Context, n domain.Notification, u domain.User) domain.DeliveryResult {
	phone := strings.TrimSpace(u.Phone)
	if phone == "" {
		return Failure(s.ch, missing(CodeMissingPhone, "phone number"))
	}
	text := truncate(smsText(n), SMSMaxRunes)
	return s.deliver(ctx, n, func(ctx context.Context) (string, error) {
		return s.gw.SendSMS(ctx, phone, text)
	})
}

func smsText(n domain.Notification) string {
	title := strings.TrimSpace(n.Title)
	msg := strings.TrimSpace(n.Message)
	switch {
	case title == "":
		return msg
	case msg == "":
		return title
	}
	return title + ": " + msg
}

func truncate(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit]) + "..."
}
