package dispatch

import (
	"context"

	"github.com/fernwatch/camtrap/internal/model"
)

// Channel is the abstract send capability of one messaging provider. One
// implementation per provider; the shared worker loop owns polling, audit
// logging, and failure isolation.
type Channel interface {
	Name() model.Channel
	// Configured reports whether credentials are present. An unconfigured
	// channel is a permanent delivery failure: retrying cannot succeed
	// without operator configuration.
	Configured() bool
	// Send delivers the message, with optional attachment bytes.
	Send(ctx context.Context, job Job, attachment []byte) error
}
