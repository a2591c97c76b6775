package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/channel"
	"notifyd/internal/transport/logsink"
	"notifyd/internal/transport/smtp"
	logx "notifyd/pkg/logx"
)

func TestOpenDefaultsToLog(t *testing.T) {
	t.Parallel()
	gw, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &logsink.Gateway{}, gw.Mail)
	assert.IsType(t, &logsink.Gateway{}, gw.SMS)
	assert.IsType(t, &logsink.Gateway{}, gw.Push)

	id, err := gw.SMS.SendSMS(context.Background(), "0912", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = gw.Mail.SendMail(context.Background(), channel.Mail{To: "a@b.c"})
	require.NoError(t, err)
}

func TestOpenSelectsDrivers(t *testing.T) {
	t.Parallel()
	gw, err := Open(Config{Email: EmailConfig{Driver: "SMTP", SMTP: smtp.Config{Host: "mail.example.com", From: "a@example.com"}}}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &smtp.Mailer{}, gw.Mail)

	_, err = Open(Config{SMS: SMSConfig{Driver: "kavenegar"}}, logx.Nop())
	require.Error(t, err, "missing api key")

	_, err = Open(Config{Push: PushConfig{Driver: "fcm"}}, logx.Nop())
	require.Error(t, err)
}

func TestLogSinkHonorsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := logsink.New(logx.Nop()).Push(ctx, channel.PushMessage{Token: "1"})
	assert.ErrorIs(t, err, context.Canceled)
}
