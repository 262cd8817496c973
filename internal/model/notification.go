package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChatA Channel = "chat-a"
	ChannelChatB Channel = "chat-b"
)

// KnownChannel reports whether c is one of the supported channels.
func KnownChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelChatA, ChannelChatB:
		return true
	}
	return false
}

// NotificationPreference routes events for one (user, project) pair. A nil
// SpeciesAllowlist means all species.
type NotificationPreference struct {
	ID               uuid.UUID      `db:"id"`
	UserID           uuid.UUID      `db:"user_id"`
	ProjectID        uuid.UUID      `db:"project_id"`
	Enabled          bool           `db:"enabled"`
	NotifySpecies    bool           `db:"notify_species"`
	SpeciesChannels  pq.StringArray `db:"species_channels"`
	SpeciesAllowlist pq.StringArray `db:"species_allowlist"`
	NotifyLowBattery bool           `db:"notify_low_battery"`
	BatteryChannels  pq.StringArray `db:"battery_channels"`
	BatteryThreshold int            `db:"battery_threshold"`
	NotifySystem     bool           `db:"notify_system"`
	SystemChannels   pq.StringArray `db:"system_channels"`
	EmailAddress     string         `db:"email_address"`
	ChatARecipient   string         `db:"chat_a_recipient"`
	ChatBRecipient   string         `db:"chat_b_recipient"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// ChannelsFor returns the configured channel set for an event type. A
// preference may route an event to zero, one, or several channels.
func (p *NotificationPreference) ChannelsFor(t EventType) []Channel {
	var raw []string
	switch t {
	case EventSpeciesDetection:
		raw = p.SpeciesChannels
	case EventLowBattery:
		raw = p.BatteryChannels
	case EventSystemHealth:
		raw = p.SystemChannels
	}
	out := make([]Channel, 0, len(raw))
	for _, c := range raw {
		ch := Channel(c)
		if KnownChannel(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// AllowsSpecies applies the allow-list; nil means every species matches.
func (p *NotificationPreference) AllowsSpecies(species string) bool {
	if p.SpeciesAllowlist == nil {
		return true
	}
	for _, s := range p.SpeciesAllowlist {
		if s == species {
			return true
		}
	}
	return false
}

// RecipientFor returns the bound channel identity, empty if unbound.
func (p *NotificationPreference) RecipientFor(c Channel) string {
	switch c {
	case ChannelEmail:
		return p.EmailAddress
	case ChannelChatA:
		return p.ChatARecipient
	case ChannelChatB:
		return p.ChatBRecipient
	}
	return ""
}

// SetRecipient binds a channel identity on the preference row.
func (p *NotificationPreference) SetRecipient(c Channel, identity string) {
	switch c {
	case ChannelEmail:
		p.EmailAddress = identity
	case ChannelChatA:
		p.ChatARecipient = identity
	case ChannelChatB:
		p.ChatBRecipient = identity
	}
}

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// NotificationLog is the append-only delivery audit trail: exactly one row
// per targeted (event, user, channel) tuple, reaching exactly one terminal
// status.
type NotificationLog struct {
	ID           uuid.UUID          `db:"id"`
	EventID      uuid.UUID          `db:"event_id"`
	UserID       uuid.UUID          `db:"user_id"`
	EventType    EventType          `db:"event_type"`
	Channel      Channel            `db:"channel"`
	Status       NotificationStatus `db:"status"`
	Recipient    string             `db:"recipient"`
	Subject      string             `db:"subject"`
	Message      string             `db:"message"`
	Trigger      json.RawMessage    `db:"trigger_payload"`
	ErrorMessage *string            `db:"error_message"`
	CreatedAt    time.Time          `db:"created_at"`
	SentAt       *time.Time         `db:"sent_at"`
}
