// Package logsink is a development gateway that logs every message instead
// of calling a provider. It satisfies every channel gateway interface.
package logsink

import (
	"context"

	"github.com/google/uuid"

	"notifyd/internal/channel"
	logx "notifyd/pkg/logx"
)

type Gateway struct {
	log logx.Logger
}

func New(log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{log: log}
}

func (g *Gateway) Push(ctx context.Context, m channel.PushMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	g.log.Info("push", logx.String("token", m.Token), logx.String("title", m.Title), logx.String("id", id))
	return id, nil
}

func (g *Gateway) SendMail(ctx context.Context, m channel.Mail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	g.log.Info("mail", logx.String("to", m.To), logx.String("subject", m.Subject), logx.Int("html_bytes", len(m.HTML)), logx.String("id", id))
	return id, nil
}

func (g *Gateway) SendSMS(ctx context.Context, phone, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	g.log.Info("sms", logx.String("phone", phone), logx.String("text", text), logx.String("id", id))
	return id, nil
}
