package domain

import (
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels lists every supported channel in dispatch order.
var Channels = []Channel{ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS}

func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// ParseChannel accepts the canonical names plus "inapp" / "in-app".
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return ChannelPush, nil
	case "email", "mail":
		return ChannelEmail, nil
	case "sms":
		return ChannelSMS, nil
	case "in_app", "inapp", "in-app":
		return ChannelInApp, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// OrDefault maps an empty priority to normal.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityNormal
	}
	return p
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusRead    Status = "read"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusRead:
		return true
	}
	return false
}

type Notification struct {
	ID          string         `json:"id"`
	UserID      int64          `json:"user_id"`
	Type        Type           `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Channels    []Channel      `json:"channels"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (n Notification) Clone() Notification {
	cp := n
	if n.Data != nil {
		cp.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	cp.Channels = append([]Channel(nil), n.Channels...)
	cp.ScheduledAt = cloneTime(n.ScheduledAt)
	cp.SentAt = cloneTime(n.SentAt)
	cp.ReadAt = cloneTime(n.ReadAt)
	cp.ExpiresAt = cloneTime(n.ExpiresAt)
	return cp
}

// Expired reports whether the notification passed its expiry at now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// Due reports whether a scheduled notification may be dispatched at now.
func (n Notification) Due(now time.Time) bool {
	return n.ScheduledAt == nil || !n.ScheduledAt.After(now)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }

// User is the contact view of a platform user needed for delivery.
type User struct {
	ID          int64  `json:"id"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}
