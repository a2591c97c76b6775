package domain

import (
	"fmt"
	"strings"
	"time"
)

// Preferences controls which channels and types reach a user and when.
type Preferences struct {
	UserID     int64         `json:"user_id"`
	Email      bool          `json:"email"`
	Push       bool          `json:"push"`
	SMS        bool          `json:"sms"`
	InApp      bool          `json:"in_app"`
	Types      map[Type]bool `json:"types,omitempty"`
	QuietStart *TimeOfDay    `json:"quiet_hours_start,omitempty"`
	QuietEnd   *TimeOfDay    `json:"quiet_hours_end,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// DefaultPreferences enables every channel except SMS, with no quiet hours.
func DefaultPreferences(userID int64, now time.Time) Preferences {
	return Preferences{
		UserID:    userID,
		Email:     true,
		Push:      true,
		SMS:       false,
		InApp:     true,
		Types:     map[Type]bool{},
		Timezone:  "UTC",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p Preferences) Clone() Preferences {
	cp := p
	if p.Types != nil {
		cp.Types = make(map[Type]bool, len(p.Types))
		for k, v := range p.Types {
			cp.Types[k] = v
		}
	}
	if p.QuietStart != nil {
		v := *p.QuietStart
		cp.QuietStart = &v
	}
	if p.QuietEnd != nil {
		v := *p.QuietEnd
		cp.QuietEnd = &v
	}
	return cp
}

// ChannelEnabled reports the per-channel flag.
func (p Preferences) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelEmail:
		return p.Email
	case ChannelPush:
		return p.Push
	case ChannelSMS:
		return p.SMS
	case ChannelInApp:
		return p.InApp
	}
	return false
}

// TypeEnabled applies the per-type override map. Types without an entry are enabled.
func (p Preferences) TypeEnabled(t Type) bool {
	if p.Types == nil {
		return true
	}
	v, ok := p.Types[t]
	if !ok {
		return true
	}
	return v
}

// HasQuietHours reports whether a non-empty quiet window is configured.
func (p Preferences) HasQuietHours() bool {
	return p.QuietStart != nil && p.QuietEnd != nil && *p.QuietStart != *p.QuietEnd
}

// PreferencesPatch is a partial update; nil fields are left unchanged.
type PreferencesPatch struct {
	Email      *bool         `json:"email,omitempty"`
	Push       *bool         `json:"push,omitempty"`
	SMS        *bool         `json:"sms,omitempty"`
	InApp      *bool         `json:"in_app,omitempty"`
	Types      map[Type]bool `json:"types,omitempty"`
	QuietStart *string       `json:"quiet_hours_start,omitempty"`
	QuietEnd   *string       `json:"quiet_hours_end,omitempty"`
	Timezone   *string       `json:"timezone,omitempty"`
}

// Apply merges the patch into p. Empty quiet-hours strings clear the window.
func (pp PreferencesPatch) Apply(p *Preferences) error {
	if pp.Email != nil {
		p.Email = *pp.Email
	}
	if pp.Push != nil {
		p.Push = *pp.Push
	}
	if pp.SMS != nil {
		p.SMS = *pp.SMS
	}
	if pp.InApp != nil {
		p.InApp = *pp.InApp
	}
	if len(pp.Types) > 0 {
		if p.Types == nil {
			p.Types = map[Type]bool{}
		}
		for t, v := range pp.Types {
			if !t.Known() {
				return fmt.Errorf("unknown notification type %q", t)
			}
			p.Types[t] = v
		}
	}
	var err error
	if pp.QuietStart != nil {
		if p.QuietStart, err = parseOptionalTimeOfDay(*pp.QuietStart); err != nil {
			return fmt.Errorf("quiet_hours_start: %w", err)
		}
	}
	if pp.QuietEnd != nil {
		if p.QuietEnd, err = parseOptionalTimeOfDay(*pp.QuietEnd); err != nil {
			return fmt.Errorf("quiet_hours_end: %w", err)
		}
	}
	if pp.Timezone != nil {
		tz := strings.TrimSpace(*pp.Timezone)
		if tz == "" {
			tz = "UTC"
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
		p.Timezone = tz
	}
	return nil
}

func parseOptionalTimeOfDay(s string) (*TimeOfDay, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
