package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/domain"
)

type fakeSMS struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSMS) SendSMS(ctx context.Context, phone, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

type fakeMail struct {
	last Mail
	err  error
}

func (f *fakeMail) SendMail(ctx context.Context, m Mail) (string, error) {
	f.last = m
	return "queued", f.err
}

type pushFunc func(ctx context.Context, m PushMessage) (string, error)

func (f pushFunc) Push(ctx context.Context, m PushMessage) (string, error) { return f(ctx, m) }

func notification() domain.Notification {
	return domain.Notification{
		ID:      "n1",
		UserID:  1,
		Type:    domain.TypeNewArticle,
		Title:   "Fresh article",
		Message: "Soil health in spring",
		Data:    map[string]any{"url": "https://example.com/a/1"},
	}
}

func TestMissingContactIsPermanent(t *testing.T) {
	t.Parallel()
	sms := &fakeSMS{}
	mail := &fakeMail{}
	calledPush := false
	push := pushFunc(func(ctx context.Context, m PushMessage) (string, error) {
		calledPush = true
		return "", nil
	})

	tests := []struct {
		name    string
		adapter Adapter
		code    string
	}{
		{"sms", NewSMS(sms, Options{}), CodeMissingPhone},
		{"email", NewEmail(mail, Options{}), CodeMissingEmail},
		{"push", NewPush(push, Options{}), CodeMissingToken},
	}
	for _, tt := range tests {
		res := tt.adapter.Send(context.Background(), notification(), domain.User{ID: 1})
		assert.False(t, res.Success, tt.name)
		assert.True(t, res.Permanent, tt.name)
		assert.Equal(t, tt.code, res.Error, tt.name)
	}
	assert.Empty(t, sms.calls, "no provider call without a phone")
	assert.Empty(t, mail.last.To)
	assert.False(t, calledPush)
}

func TestSMSTruncation(t *testing.T) {
	t.Parallel()
	sms := &fakeSMS{}
	a := NewSMS(sms, Options{})
	n := notification()
	n.Title = ""
	n.Message = strings.Repeat("ب", 200)

	res := a.Send(context.Background(), n, domain.User{Phone: "09120000000"})
	require.True(t, res.Success)
	assert.Equal(t, "msg-1", res.ProviderResponse)
	require.Len(t, sms.calls, 1)
	assert.Equal(t, SMSMaxRunes+3, len([]rune(sms.calls[0])))
	assert.True(t, strings.HasSuffix(sms.calls[0], "..."))

	n.Message = "short"
	a.Send(context.Background(), n, domain.User{Phone: "0912"})
	assert.Equal(t, "short", sms.calls[1])
}

func TestEmailComposesBothVariants(t *testing.T) {
	t.Parallel()
	mail := &fakeMail{}
	a := NewEmail(mail, Options{})
	res := a.Send(context.Background(), notification(), domain.User{Name: "Sara", Email: " sara@example.com "})
	require.True(t, res.Success)

	assert.Equal(t, "sara@example.com", mail.last.To)
	assert.Equal(t, "Fresh article", mail.last.Subject)
	assert.Contains(t, mail.last.Text, "Hi Sara")
	assert.Contains(t, mail.last.Text, "https://example.com/a/1")
	assert.Contains(t, mail.last.HTML, "<h2>Fresh article</h2>")
	assert.Contains(t, mail.last.HTML, `href="https://example.com/a/1"`)
}

func TestEmailEscapesHTML(t *testing.T) {
	t.Parallel()
	n := notification()
	n.Message = "<script>x</script>"
	m, err := ComposeMail(n, domain.User{Email: "a@b.c"})
	require.NoError(t, err)
	assert.NotContains(t, m.HTML, "<script>")
	assert.Contains(t, m.Text, "<script>")
}

func TestProviderErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		code      string
		permanent bool
	}{
		{"transient", errors.New("503 unavailable"), CodeProviderError, false},
		{"rejected", Reject(errors.New("invalid receptor")), CodeProviderRejected, true},
		{"deadline", context.DeadlineExceeded, CodeTimeout, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewSMS(&fakeSMS{err: tt.err}, Options{})
			res := a.Send(context.Background(), notification(), domain.User{Phone: "0912"})
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Error)
			assert.Equal(t, tt.permanent, res.Permanent)
		})
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	push := pushFunc(func(ctx context.Context, m PushMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	a := NewPush(push, Options{Timeout: 20 * time.Millisecond})
	res := a.Send(context.Background(), notification(), domain.User{DeviceToken: "42"})
	assert.False(t, res.Success)
	assert.Equal(t, CodeTimeout, res.Error)
	assert.False(t, res.Permanent)
}

func TestPanicBecomesInternalError(t *testing.T) {
	t.Parallel()
	push := pushFunc(func(ctx context.Context, m PushMessage) (string, error) { panic("driver bug") })
	res := NewPush(push, Options{}).Send(context.Background(), notification(), domain.User{DeviceToken: "42"})
	assert.False(t, res.Success)
	assert.Equal(t, CodeInternal, res.Error)
	assert.False(t, res.Permanent)
}

func TestPushCarriesPayload(t *testing.T) {
	t.Parallel()
	var got PushMessage
	push := pushFunc(func(ctx context.Context, m PushMessage) (string, error) {
		got = m
		return "ok", nil
	})
	res := NewPush(push, Options{}).Send(context.Background(), notification(), domain.User{DeviceToken: " 42 "})
	require.True(t, res.Success)
	assert.Equal(t, "42", got.Token)
	assert.Equal(t, "n1", got.Data["notification_id"])
	assert.Equal(t, "https://example.com/a/1", got.Data["url"])
}

func TestInAppAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	res := NewInApp(Options{}).Send(context.Background(), notification(), domain.User{})
	assert.True(t, res.Success)
	assert.Equal(t, domain.ChannelInApp, res.Channel)
}

func TestRateLimitHonorsDeadline(t *testing.T) {
	t.Parallel()
	sms := &fakeSMS{}
	a := NewSMS(sms, Options{Limits: Limits{RPS: 0.001, Burst: 1}, Timeout: 50 * time.Millisecond})
	u := domain.User{Phone: "0912"}
	require.True(t, a.Send(context.Background(), notification(), u).Success)

	res := a.Send(context.Background(), notification(), u)
	assert.False(t, res.Success)
	assert.Equal(t, CodeRateLimited, res.Error)
	assert.Len(t, sms.calls, 1)

	a.Configure(time.Second, Limits{})
	assert.True(t, a.Send(context.Background(), notification(), u).Success)
}

func TestNewSetIndexesByChannel(t *testing.T) {
	t.Parallel()
	s := NewSet(NewInApp(Options{}), NewSMS(&fakeSMS{}, Options{}), nil)
	assert.Len(t, s, 2)
	assert.Equal(t, domain.ChannelSMS, s[domain.ChannelSMS].Channel())
}

func (f *fakeSMS) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	sms := &fakeSMS{err: errors.New("502 bad gateway")}
	a := NewSMS(sms, Options{Limits: Limits{CircuitTrip: 2, CircuitCooldown: 50 * time.Millisecond}})
	u := domain.User{Phone: "0912"}
	ctx := context.Background()

	for range 2 {
		res := a.Send(ctx, notification(), u)
		assert.Equal(t, CodeProviderError, res.Error)
	}
	res := a.Send(ctx, notification(), u)
	assert.Equal(t, CodeCircuitOpen, res.Error)
	assert.False(t, res.Permanent)
	assert.Equal(t, 2, sms.count(), "open circuit skips the provider")

	sms.setErr(nil)
	require.Eventually(t, func() bool {
		return a.Send(ctx, notification(), u).Success
	}, time.Second, 20*time.Millisecond)
}

func TestCircuitIgnoresPermanentRejections(t *testing.T) {
	t.Parallel()
	sms := &fakeSMS{err: Reject(errors.New("invalid receptor"))}
	a := NewSMS(sms, Options{Limits: Limits{CircuitTrip: 1}})
	for range 3 {
		res := a.Send(context.Background(), notification(), domain.User{Phone: "0912"})
		assert.Equal(t, CodeProviderRejected, res.Error)
	}
	assert.Equal(t, 3, sms.count())
}

func TestBreakerCooldownGrowsAndCaps(t *testing.T) {
	t.Parallel()
	b := newBreaker(1, time.Second)
	now := time.Unix(1_700_000_000, 0)

	b.record(now, true)
	open, until := b.open(now)
	require.True(t, open)
	assert.Equal(t, now.Add(time.Second), until)

	b.record(now, true)
	_, until = b.open(now)
	assert.Equal(t, now.Add(2*time.Second), until)

	for range 20 {
		b.record(now, true)
	}
	_, until = b.open(now)
	assert.Equal(t, now.Add(maxCooldown), until)

	b.record(now, false)
	open, _ = b.open(now)
	assert.False(t, open)

	var disabled *breaker
	open, _ = disabled.open(now)
	assert.False(t, open)
	assert.Nil(t, newBreaker(0, time.Second))
}
