// Package notify dispatches member notifications through the external
// notification collaborator. Delivery mechanics (push, SMS) are out of scope.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Event string

const (
	EventContributionLate Event = "contribution_late"
	EventDefaultRecorded  Event = "default_recorded"
	EventGraceReminder    Event = "grace_reminder"
	EventDefaultResolved  Event = "default_resolved"
	EventPayoutCompleted  Event = "payout_completed"
	EventPayoutFailed     Event = "payout_failed"
	EventSharedLoss       Event = "shared_loss_applied"
)

type Message struct {
	Event      Event
	CircleID   snowflake.ID
	ProfileIDs []snowflake.ID
	Detail     map[string]any
}

// Dispatcher sends notifications; failures are logged, never fatal to the
// financial flow that triggered them.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

var Module = fx.Module("notify",
	fx.Provide(New),
)

func New(cfg config.Config, log *zap.Logger) Dispatcher {
	if cfg.NotificationEndpoint == "" {
		return &logDispatcher{log: log.Named("notify")}
	}
	return &httpDispatcher{
		base: cfg.NotificationEndpoint,
		http: &http.Client{Timeout: 5 * time.Second},
		log:  log.Named("notify.http"),
	}
}

type httpDispatcher struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func (d *httpDispatcher) Dispatch(ctx context.Context, msg Message) {
	profiles := make([]string, 0, len(msg.ProfileIDs))
	for _, id := range msg.ProfileIDs {
		profiles = append(profiles, id.String())
	}
	payload, err := json.Marshal(map[string]any{
		"event":       string(msg.Event),
		"circle_id":   msg.CircleID.String(),
		"profile_ids": profiles,
		"detail":      msg.Detail,
	})
	if err != nil {
		d.log.Warn("notification payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/v1/notifications", bytes.NewReader(payload))
	if err != nil {
		d.log.Warn("notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		d.log.Warn("notification dispatch", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.Warn("notification dispatch", zap.Error(fmt.Errorf("status %d", resp.StatusCode)))
	}
}

type logDispatcher struct {
	log *zap.Logger
}

func (d *logDispatcher) Dispatch(ctx context.Context, msg Message) {
	d.log.Info("notification",
		zap.String("event", string(msg.Event)),
		zap.String("circle_id", msg.CircleID.String()),
		zap.Int("recipients", len(msg.ProfileIDs)),
	)
}
