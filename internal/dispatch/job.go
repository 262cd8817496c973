package dispatch

import (
	"github.com/google/uuid"
)

// Job is one delivery to one recipient on one channel. The stream it is
// published to selects the channel.
type Job struct {
	NotificationLogID uuid.UUID `json:"notification_log_id" validate:"required"`
	Recipient         string    `json:"recipient" validate:"required"`
	MessageText       string    `json:"message_text" validate:"required"`
	Subject           string    `json:"subject,omitempty"`
	AttachmentPath    string    `json:"attachment_path,omitempty"`
}
