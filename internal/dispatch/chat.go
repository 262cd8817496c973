package dispatch

import (
	"context"
	"fmt"
	"io"
	"log"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/fernwatch/camtrap/internal/config"
	"github.com/fernwatch/camtrap/internal/model"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
)

// ChatChannel delivers to a chat provider through a shoutrrr service URL.
// The configured template carries the provider credentials; the recipient id
// from the job fills the %s placeholder.
type ChatChannel struct {
	name model.Channel
	cfg  config.ChatConfig
}

func NewChatChannel(name model.Channel, cfg config.ChatConfig) *ChatChannel {
	return &ChatChannel{name: name, cfg: cfg}
}

func (c *ChatChannel) Name() model.Channel { return c.name }

func (c *ChatChannel) Configured() bool {
	return c.cfg.URLTemplate != ""
}

func (c *ChatChannel) Send(ctx context.Context, job Job, attachment []byte) error {
	url := fmt.Sprintf(c.cfg.URLTemplate, job.Recipient)

	sender, err := shoutrrr.CreateSender(url)
	if err != nil {
		return pkgerrors.Configuration("invalid chat service URL", err)
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	body := job.MessageText
	// Chat providers get a storage reference instead of inline bytes.
	if len(attachment) > 0 && job.AttachmentPath != "" {
		body = fmt.Sprintf("%s (image: %s)", body, job.AttachmentPath)
	}

	params := stypes.Params{}
	if job.Subject != "" {
		params.SetTitle(job.Subject)
	}

	done := make(chan error, 1)
	go func() {
		for _, sendErr := range sender.Send(body, &params) {
			if sendErr != nil {
				done <- sendErr
				return
			}
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return pkgerrors.Transient("chat send cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			return pkgerrors.Transient("chat send failed", err)
		}
	}
	return nil
}
