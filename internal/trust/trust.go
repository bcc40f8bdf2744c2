// Package trust talks to the external trust-score collaborator. Scores are
// consumed here, never computed: the engine reads them for ranking and risk
// capping and writes penalties/downgrades back after delinquency events.
package trust

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

// Service is the trust-score read/write collaborator.
type Service interface {
	// Score returns the member's trust score in [0,1].
	Score(ctx context.Context, profileID snowflake.ID) (float64, error)
	// MonthlyIncome returns the external income signal in minor units.
	// ok is false when no signal is available for the profile.
	MonthlyIncome(ctx context.Context, profileID snowflake.ID) (income int64, ok bool, err error)
	// ApplyPenalty reduces the member's score by the given points.
	ApplyPenalty(ctx context.Context, profileID snowflake.ID, points float64, reason string) error
	// TierDowngrade signals a tier drop after repeated late contributions.
	TierDowngrade(ctx context.Context, profileID snowflake.ID, reason string) error
}

// Module provides the trust collaborator, falling back to a local no-op
// client when no endpoint is configured (development and tests).
var Module = fx.Module("trust",
	fx.Provide(New),
)

func New(cfg config.Config, log *zap.Logger) Service {
	if cfg.TrustScoreEndpoint == "" {
		return NewNoop(log)
	}
	return &httpClient{
		base: cfg.TrustScoreEndpoint,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log.Named("trust.http"),
	}
}

type httpClient struct {
	base string
	http *http.Client
	log  *zap.Logger
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

type incomeResponse struct {
	MonthlyIncomeMinor int64 `json:"monthly_income_minor"`
	Available          bool  `json:"available"`
}

func (c *httpClient) Score(ctx context.Context, profileID snowflake.ID) (float64, error) {
	var resp scoreResponse
	if err := c.get(ctx, fmt.Sprintf("%s/v1/scores/%s", c.base, profileID), &resp); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

func (c *httpClient) MonthlyIncome(ctx context.Context, profileID snowflake.ID) (int64, bool, error) {
	var resp incomeResponse
	if err := c.get(ctx, fmt.Sprintf("%s/v1/income/%s", c.base, profileID), &resp); err != nil {
		return 0, false, err
	}
	return resp.MonthlyIncomeMinor, resp.Available, nil
}

func (c *httpClient) ApplyPenalty(ctx context.Context, profileID snowflake.ID, points float64, reason string) error {
	return c.post(ctx, fmt.Sprintf("%s/v1/scores/%s/penalty", c.base, profileID), map[string]any{
		"points": points,
		"reason": reason,
	})
}

func (c *httpClient) TierDowngrade(ctx context.Context, profileID snowflake.ID, reason string) error {
	return c.post(ctx, fmt.Sprintf("%s/v1/scores/%s/downgrade", c.base, profileID), map[string]any{
		"reason": reason,
	})
}

func (c *httpClient) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trust collaborator: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trust collaborator: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Noop is a local stand-in used when no collaborator endpoint is configured.
type Noop struct {
	log *zap.Logger
}

func NewNoop(log *zap.Logger) *Noop {
	return &Noop{log: log.Named("trust.noop")}
}

func (n *Noop) Score(ctx context.Context, profileID snowflake.ID) (float64, error) {
	return 0.5, nil
}

func (n *Noop) MonthlyIncome(ctx context.Context, profileID snowflake.ID) (int64, bool, error) {
	return 0, false, nil
}

func (n *Noop) ApplyPenalty(ctx context.Context, profileID snowflake.ID, points float64, reason string) error {
	n.log.Debug("trust penalty skipped", zap.String("profile_id", profileID.String()), zap.Float64("points", points))
	return nil
}

func (n *Noop) TierDowngrade(ctx context.Context, profileID snowflake.ID, reason string) error {
	n.log.Debug("tier downgrade skipped", zap.String("profile_id", profileID.String()), zap.String("reason", reason))
	return nil
}
