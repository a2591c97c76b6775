// Package smtp delivers composed mail over SMTP with STARTTLS or implicit TLS.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/channel"
	logx "notifyd/pkg/logx"
)

const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// Security is one of starttls (default), tls, none.
	Security string
}

type Mailer struct {
	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Mailer, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	switch strings.ToLower(cfg.Security) {
	case "", SecurityStartTLS:
		cfg.Security = SecurityStartTLS
	case SecurityTLS, SecurityNone:
		cfg.Security = strings.ToLower(cfg.Security)
	default:
		return nil, fmt.Errorf("smtp security %q: want starttls, tls or none", cfg.Security)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.Security == SecurityTLS {
			cfg.Port = 465
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mailer{cfg: cfg, log: log, now: time.Now}, nil
}

// SendMail returns the generated Message-ID as the provider response.
func (m *Mailer) SendMail(ctx context.Context, msg channel.Mail) (string, error) {
	raw, id, err := m.build(msg)
	if err != nil {
		return "", err
	}

	c, err := m.dial(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if m.cfg.Security == SecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return "", errors.New("smtp server does not offer STARTTLS")
		}
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return "", fmt.Errorf("starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
				return "", fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return "", fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return "", classifyRcpt(err)
	}
	w, err := c.Data()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	_ = c.Quit()
	return id, nil
}

func (m *Mailer) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	d := &net.Dialer{}

	var (
		conn net.Conn
		err  error
	)
	if m.cfg.Security == SecurityTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: m.cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// classifyRcpt turns a 55x recipient refusal into a permanent rejection.
func classifyRcpt(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 550 && te.Code <= 553 {
		return channel.Reject(fmt.Errorf("rcpt to: %w", err))
	}
	return fmt.Errorf("rcpt to: %w", err)
}

// build renders a multipart/alternative message with plain-text first.
func (m *Mailer) build(msg channel.Mail) ([]byte, string, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, "", channel.Reject(fmt.Errorf("recipient: %w", err))
	}
	to.Name = msg.Name
	from := mail.Address{Name: m.cfg.FromName, Address: m.cfg.From}

	domain := m.cfg.Host
	if at := strings.LastIndex(m.cfg.From, "@"); at >= 0 {
		domain = m.cfg.From[at+1:]
	}
	id := "<" + uuid.NewString() + "@" + domain + ">"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	parts := []struct{ ctype, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", p.ctype)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write([]byte(p.content)); err != nil {
			return nil, "", err
		}
		if err := qw.Close(); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	var out bytes.Buffer
	headers := []string{
		"From: " + from.String(),
		"To: " + to.String(),
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + m.now().Format(time.RFC1123Z),
		"Message-ID: " + id,
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + mw.Boundary(),
	}
	out.WriteString(strings.Join(headers, "\r\n"))
	out.WriteString("\r\n\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), id, nil
}
