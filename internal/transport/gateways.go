// Package transport selects the provider gateway behind each channel
// adapter from configuration.
package transport

import (
	"fmt"
	"strings"

	"notifyd/internal/channel"
	"notifyd/internal/transport/kavenegar"
	"notifyd/internal/transport/logsink"
	"notifyd/internal/transport/smtp"
	"notifyd/internal/transport/telegram"
	logx "notifyd/pkg/logx"
)

const (
	DriverLog       = "log"
	DriverSMTP      = "smtp"
	DriverKavenegar = "kavenegar"
	DriverTelegram  = "telegram"
)

type Config struct {
	Email EmailConfig
	SMS   SMSConfig
	Push  PushConfig
}

type EmailConfig struct {
	Driver string
	SMTP   smtp.Config
}

type SMSConfig struct {
	Driver    string
	Kavenegar kavenegar.Config
}

type PushConfig struct {
	Driver   string
	Telegram telegram.Config
}

// Gateways holds one gateway per outbound medium.
type Gateways struct {
	Mail channel.MailGateway
	SMS  channel.SMSGateway
	Push channel.PushGateway
}

func Open(cfg Config, log logx.Logger) (Gateways, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		gw  Gateways
		err error
	)
	sink := logsink.New(log.With(logx.String("comp", "gateway.log")))

	switch driver(cfg.Email.Driver) {
	case DriverLog:
		gw.Mail = sink
	case DriverSMTP:
		if gw.Mail, err = smtp.New(cfg.Email.SMTP, log.With(logx.String("comp", "gateway.smtp"))); err != nil {
			return Gateways{}, fmt.Errorf("email gateway: %w", err)
		}
	default:
		return Gateways{}, fmt.Errorf("unknown email driver %q", cfg.Email.Driver)
	}

	switch driver(cfg.SMS.Driver) {
	case DriverLog:
		gw.SMS = sink
	case DriverKavenegar:
		if gw.SMS, err = kavenegar.New(cfg.SMS.Kavenegar, log.With(logx.String("comp", "gateway.kavenegar"))); err != nil {
			return Gateways{}, fmt.Errorf("sms gateway: %w", err)
		}
	default:
		return Gateways{}, fmt.Errorf("unknown sms driver %q", cfg.SMS.Driver)
	}

	switch driver(cfg.Push.Driver) {
	case DriverLog:
		gw.Push = sink
	case DriverTelegram:
		if gw.Push, err = telegram.New(cfg.Push.Telegram, log.With(logx.String("comp", "gateway.telegram"))); err != nil {
			return Gateways{}, fmt.Errorf("push gateway: %w", err)
		}
	default:
		return Gateways{}, fmt.Errorf("unknown push driver %q", cfg.Push.Driver)
	}
	return gw, nil
}

func driver(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DriverLog
	}
	return s
}
