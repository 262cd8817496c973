package notifier

import (
	"fmt"

	"github.com/fernwatch/camtrap/internal/model"
)

// Rendered is a channel-appropriate message built from the trigger payload.
type Rendered struct {
	Subject        string
	Body           string
	AttachmentPath string
}

// Render builds the outgoing message for one event and channel. Email gets a
// subject line; chat channels get a single text body. HTML templating is out
// of scope; these are plain-text messages.
func Render(event model.Event, channel model.Channel) (Rendered, error) {
	r, err := render(event)
	if err != nil {
		return Rendered{}, err
	}
	if channel != model.ChannelEmail {
		// Chat channels carry the subject inline.
		r.Body = r.Subject + ": " + r.Body
		r.Subject = ""
	}
	return r, nil
}

func render(event model.Event) (Rendered, error) {
	switch event.Type {
	case model.EventSpeciesDetection:
		p, err := event.SpeciesDetection()
		if err != nil {
			return Rendered{}, err
		}
		body := fmt.Sprintf("%s detected (%.0f%% confidence)", p.Species, p.Confidence*100)
		return Rendered{
			Subject:        fmt.Sprintf("Species detected: %s", p.Species),
			Body:           body,
			AttachmentPath: p.StoragePath,
		}, nil

	case model.EventLowBattery:
		p, err := event.LowBattery()
		if err != nil {
			return Rendered{}, err
		}
		name := p.CameraName
		if name == "" {
			name = p.CameraID.String()
		}
		return Rendered{
			Subject: fmt.Sprintf("Low battery: %s", name),
			Body:    fmt.Sprintf("Camera %s battery at %d%%", name, p.BatteryPercent),
		}, nil

	case model.EventSystemHealth:
		p, err := event.SystemHealth()
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{
			Subject: fmt.Sprintf("System health: %s", p.Component),
			Body:    fmt.Sprintf("%s: %s", p.Component, p.Detail),
		}, nil
	}
	return Rendered{}, fmt.Errorf("unknown event type %q", event.Type)
}
