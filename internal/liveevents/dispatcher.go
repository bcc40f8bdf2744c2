package liveevents

import (
	"context"
	"time"

	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/notify"
	"go.uber.org/fx"
)

// Module provides the hub. The fanout dispatcher is installed with
// fx.Decorate at the application root so every domain service publishes
// through it transparently.
var Module = fx.Module("liveevents",
	fx.Provide(NewHub),
)

// Fanout forwards every notification to the configured dispatcher and
// mirrors it onto the circle's live stream.
type Fanout struct {
	base  notify.Dispatcher
	hub   *Hub
	clock clock.Clock
}

func NewFanout(base notify.Dispatcher, hub *Hub, clk clock.Clock) notify.Dispatcher {
	return &Fanout{base: base, hub: hub, clock: clk}
}

func (f *Fanout) Dispatch(ctx context.Context, msg notify.Message) {
	if f.base != nil {
		f.base.Dispatch(ctx, msg)
	}
	if f.hub == nil || msg.CircleID == 0 {
		return
	}

	profiles := make([]string, 0, len(msg.ProfileIDs))
	for _, id := range msg.ProfileIDs {
		profiles = append(profiles, id.String())
	}
	f.hub.Publish(msg.CircleID.String(), LiveEvent{
		Event:      string(msg.Event),
		CircleID:   msg.CircleID.String(),
		ProfileIDs: profiles,
		Detail:     msg.Detail,
		OccurredAt: f.clock.Now().UTC().Format(time.RFC3339),
	})
}
