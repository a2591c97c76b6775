// Package kavenegar sends SMS through the Kavenegar REST API.
package kavenegar

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kavenegar/kavenegar-go"

	"notifyd/internal/channel"
	logx "notifyd/pkg/logx"
)

type Config struct {
	APIKey string
	Sender string
}

// sendFunc performs one blocking API call and returns the message id.
type sendFunc func(phone, text string) (string, error)

type Gateway struct {
	send sendFunc
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("kavenegar api key is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	api := kavenegar.New(cfg.APIKey)
	send := func(phone, text string) (string, error) {
		res, err := api.Message.Send(cfg.Sender, []string{phone}, text, nil)
		if err != nil {
			return "", err
		}
		if len(res) == 0 {
			return "", errors.New("kavenegar: empty response")
		}
		return fmt.Sprintf("%d", res[0].MessageID), nil
	}
	return &Gateway{send: send, log: log}, nil
}

type sendResult struct {
	id  string
	err error
}

// SendSMS returns the Kavenegar message id. The client has no context
// support, so the call runs in its own goroutine and is abandoned on timeout.
func (g *Gateway) SendSMS(ctx context.Context, phone, text string) (string, error) {
	done := make(chan sendResult, 1)
	go func() {
		id, err := g.send(phone, text)
		if err != nil {
			g.log.Debug("kavenegar send failed", logx.Err(err))
			done <- sendResult{err: classify(err)}
			return
		}
		done <- sendResult{id: id}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.id, r.err
	}
}

// classify treats API-level refusals (bad receptor, blocked sender) as
// permanent and transport failures as transient.
func classify(err error) error {
	switch e := err.(type) {
	case *kavenegar.APIError:
		return channel.Reject(fmt.Errorf("kavenegar api: %w", e))
	case *kavenegar.HTTPError:
		return fmt.Errorf("kavenegar http: %w", e)
	default:
		return fmt.Errorf("kavenegar: %w", err)
	}
}
