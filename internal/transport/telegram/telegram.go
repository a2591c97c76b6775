// Package telegram delivers push notifications as Telegram bot messages.
// A user's device token is the numeric chat id that started the bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/channel"
	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (local bot-api server, tests).
	URL string
	// Offline skips the getMe handshake on startup.
	Offline bool
}

type Gateway struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{bot: b, log: log}, nil
}

// Push sends one HTML message and returns "chat:message" ids.
func (g *Gateway) Push(ctx context.Context, m channel.PushMessage) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(m.Token), 10, 64)
	if err != nil {
		return "", channel.Reject(fmt.Errorf("device token %q is not a chat id", m.Token))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		DisableNotification:   m.Priority == domain.PriorityLow,
	}
	msg, err := g.bot.Send(&tele.Chat{ID: chatID}, render(m), opts)
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%d:%d", chatID, msg.ID), nil
}

func render(m channel.PushMessage) string {
	var b strings.Builder
	if m.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(m.Title))
		b.WriteString("</b>\n\n")
	}
	b.WriteString(html.EscapeString(m.Body))
	if u, ok := m.Data["url"].(string); ok && u != "" {
		b.WriteString("\n\n")
		b.WriteString(fmt.Sprintf(`<a href="%s">Open</a>`, html.EscapeString(u)))
	}
	s := b.String()
	if rs := []rune(s); len(rs) > textLimit {
		// Cut the plain body instead of risking a broken tag.
		s = html.EscapeString(string([]rune(m.Body)[:min(len([]rune(m.Body)), textLimit-10)])) + "..."
	}
	return s
}

// classify treats "the user can't be reached" answers as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated):
		return channel.Reject(err)
	}
	return fmt.Errorf("telegram: %w", err)
}
