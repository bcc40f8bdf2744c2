// Package transfer wraps the opaque external settlement collaborator. The
// engine only says "move X from the circle to this member" and receives
// success or failure; wire protocols stay behind this boundary.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrTransferFailed marks a collaborator-reported failure. Timeouts are
// reported identically so they count toward the same retry budget.
var ErrTransferFailed = errors.New("transfer_failed")

// Request identifies one idempotent transfer. ReferenceID is the payout ID so
// the collaborator can deduplicate replays.
type Request struct {
	ReferenceID snowflake.ID
	CircleID    snowflake.ID
	RecipientID snowflake.ID
	AmountMinor int64
}

// Service initiates transfers against the settlement collaborator.
type Service interface {
	Execute(ctx context.Context, req Request) error
}

// Module provides the transfer collaborator, falling back to a local no-op
// when no endpoint is configured.
var Module = fx.Module("transfer",
	fx.Provide(New),
)

func New(cfg config.Config, log *zap.Logger) Service {
	if cfg.TransferEndpoint == "" {
		return NewNoop(log)
	}
	return &httpClient{
		base: cfg.TransferEndpoint,
		http: &http.Client{Timeout: time.Duration(cfg.Engine.TransferTimeoutSec) * time.Second},
		log:  log.Named("transfer.http"),
	}
}

type httpClient struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func (c *httpClient) Execute(ctx context.Context, req Request) error {
	payload, err := json.Marshal(map[string]any{
		"reference_id": req.ReferenceID.String(),
		"circle_id":    req.CircleID.String(),
		"recipient_id": req.RecipientID.String(),
		"amount_minor": req.AmountMinor,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Timeouts and transport failures are indistinguishable from an
		// explicit failure for retry purposes.
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrTransferFailed, resp.StatusCode)
	}
	return nil
}

// Noop acknowledges every transfer; used for development and tests.
type Noop struct {
	log *zap.Logger
}

func NewNoop(log *zap.Logger) *Noop {
	return &Noop{log: log.Named("transfer.noop")}
}

func (n *Noop) Execute(ctx context.Context, req Request) error {
	n.log.Debug("transfer acknowledged locally",
		zap.String("reference_id", req.ReferenceID.String()),
		zap.Int64("amount_minor", req.AmountMinor),
	)
	return nil
}
