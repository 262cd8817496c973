package dispatch

import (
	"context"
	"io"
	"path"

	gomail "gopkg.in/gomail.v2"

	"github.com/fernwatch/camtrap/internal/config"
	"github.com/fernwatch/camtrap/internal/model"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
)

// EmailChannel sends plain-text mail over SMTP.
type EmailChannel struct {
	cfg config.EmailConfig
}

func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() model.Channel { return model.ChannelEmail }

func (c *EmailChannel) Configured() bool {
	return c.cfg.SMTPHost != "" && c.cfg.From != ""
}

func (c *EmailChannel) Send(ctx context.Context, job Job, attachment []byte) error {
	m := gomail.NewMessage()
	m.SetHeader("From", c.cfg.From)
	m.SetHeader("To", job.Recipient)
	subject := job.Subject
	if subject == "" {
		subject = "Camera trap notification"
	}
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", job.MessageText)

	if len(attachment) > 0 {
		name := path.Base(job.AttachmentPath)
		m.Attach(name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(attachment)
			return err
		}))
	}

	dialer := gomail.NewDialer(c.cfg.SMTPHost, c.cfg.SMTPPort, c.cfg.Username, c.cfg.Password)

	done := make(chan error, 1)
	go func() { done <- dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return pkgerrors.Transient("email send cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			return pkgerrors.Transient("email send failed", err)
		}
	}
	return nil
}
