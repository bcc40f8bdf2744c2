package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	"github.com/tandahq/rueda/internal/notify"
	obsmetrics "github.com/tandahq/rueda/internal/observability/metrics"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	"github.com/tandahq/rueda/internal/transfer"
	"github.com/tandahq/rueda/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Engine      config.EngineConfig
	TransferSvc transfer.Service
	Notifier    notify.Dispatcher
	LedgerSvc   ledgerdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	engine      config.EngineConfig
	transferSvc transfer.Service
	notifier    notify.Dispatcher
	ledgerSvc   ledgerdomain.Service

	payoutrepo repository.Repository[payoutdomain.Payout]
}

func NewService(p ServiceParam) payoutdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payout.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		engine:      p.Engine,
		transferSvc: p.TransferSvc,
		notifier:    p.Notifier,
		ledgerSvc:   p.LedgerSvc,

		payoutrepo: repository.ProvideStore[payoutdomain.Payout](p.DB),
	}
}

func (s *Service) Schedule(ctx context.Context, cycleID string) (payoutdomain.Payout, error) {
	id, err := parseID(cycleID)
	if err != nil {
		return payoutdomain.Payout{}, err
	}

	var payout payoutdomain.Payout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.cycleByID(ctx, tx, id)
		if err != nil {
			return err
		}

		existing, err := s.payoutrepo.WithTrx(tx).FindOne(ctx, &payoutdomain.Payout{CycleID: id})
		if err != nil {
			return err
		}
		if existing != nil {
			payout = *existing
			return payoutdomain.ErrAlreadyScheduled
		}

		var circle circledomain.Circle
		if err := tx.WithContext(ctx).Raw(`SELECT * FROM circles WHERE id = ?`, cycle.CircleID).Scan(&circle).Error; err != nil {
			return err
		}
		if circle.ID == 0 {
			return circledomain.ErrNotFound
		}
		if cycle.RecipientID == 0 {
			return circledomain.ErrRecipientUnresolved
		}

		var memberCount int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM members WHERE circle_id = ? AND active = ?`,
			circle.ID, true,
		).Scan(&memberCount).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		payout = payoutdomain.Payout{
			ID:          s.genID.Generate(),
			CircleID:    circle.ID,
			CycleID:     cycle.ID,
			RecipientID: cycle.RecipientID,
			AmountMinor: circle.AmountMinor * memberCount,
			Status:      payoutdomain.StatusScheduled,
			ScheduledAt: cycle.DueAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return s.payoutrepo.WithTrx(tx).Create(ctx, &payout)
	})
	if err != nil {
		return payout, err
	}
	return payout, nil
}

func (s *Service) CheckEligibility(ctx context.Context, cycleID string) (payoutdomain.Eligibility, error) {
	id, err := parseID(cycleID)
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}
	return s.checkEligibility(ctx, s.db, id)
}

// checkEligibility has no side effects so it can run both as a standalone
// preview and as the gate inside Execute's transaction.
func (s *Service) checkEligibility(ctx context.Context, tx *gorm.DB, cycleID snowflake.ID) (payoutdomain.Eligibility, error) {
	cycle, err := s.cycleByID(ctx, tx, cycleID)
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}

	var reasons []string
	if cycle.RecipientID == 0 {
		reasons = append(reasons, "recipient unresolved")
	}

	var contributions []contributiondomain.Contribution
	if err := tx.WithContext(ctx).Where("cycle_id = ?", cycleID).Find(&contributions).Error; err != nil {
		return payoutdomain.Eligibility{}, err
	}
	if len(contributions) == 0 {
		reasons = append(reasons, "no contributions recorded")
	}
	for _, c := range contributions {
		if c.Status.Terminal() {
			continue
		}
		if c.Status == contributiondomain.StatusLate && c.SettledAt != nil {
			continue
		}
		reasons = append(reasons, fmt.Sprintf("contribution %s is %s", c.ID, c.Status))
	}

	if cycle.RecipientID != 0 {
		var unresolved int64
		err := tx.WithContext(ctx).Raw(
			`SELECT COALESCE(unresolved_default, 0) FROM members WHERE id = ?`,
			cycle.RecipientID,
		).Scan(&unresolved).Error
		if err != nil {
			return payoutdomain.Eligibility{}, err
		}
		if unresolved > 0 {
			reasons = append(reasons, "recipient has an unresolved default")
		}
	}

	var open int64
	err = tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM defaults WHERE cycle_id = ? AND status IN (?, ?)`,
		cycleID, cascadedomain.StatusGracePeriod, cascadedomain.StatusDisputed,
	).Scan(&open).Error
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}
	if open > 0 {
		reasons = append(reasons, "cycle has an uncovered default")
	}

	return payoutdomain.Eligibility{Eligible: len(reasons) == 0, Reasons: reasons}, nil
}

func (s *Service) Execute(ctx context.Context, payoutID string) (payoutdomain.Payout, error) {
	id, err := parseID(payoutID)
	if err != nil {
		return payoutdomain.Payout{}, err
	}

	var payout payoutdomain.Payout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockPayout(ctx, tx, id)
		if err != nil {
			return err
		}
		// Scheduled and failed payouts step through pending on their way to
		// processing; anything the state machine refuses stops here.
		status := locked.Status
		if status != payoutdomain.StatusPending {
			if !status.CanTransition(payoutdomain.StatusPending) {
				return payoutdomain.ErrInvalidTransition
			}
			status = payoutdomain.StatusPending
		}
		if !status.CanTransition(payoutdomain.StatusProcessing) {
			return payoutdomain.ErrInvalidTransition
		}

		eligibility, err := s.checkEligibility(ctx, tx, locked.CycleID)
		if err != nil {
			return err
		}
		if !eligibility.Eligible {
			s.log.Info("payout held back",
				zap.String("payout_id", locked.ID.String()),
				zap.Strings("reasons", eligibility.Reasons),
			)
			return payoutdomain.ErrNotEligible
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payouts SET status = ?, updated_at = ? WHERE id = ?`,
			payoutdomain.StatusProcessing, now, locked.ID,
		).Error; err != nil {
			return err
		}

		// Reserve the pot before the transfer leaves the building.
		err = s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
			CircleID:   locked.CircleID,
			SourceType: ledgerdomain.SourceTypePayoutReserve,
			SourceID:   locked.ID,
			OccurredAt: now,
			Lines: []ledgerdomain.PostingLine{
				{Account: ledgerdomain.AccountCodeCirclePool, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: locked.AmountMinor},
				{Account: ledgerdomain.AccountCodePayoutPayable, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: locked.AmountMinor},
			},
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicatePosting) {
			return err
		}

		locked.Status = payoutdomain.StatusProcessing
		payout = *locked
		return nil
	})
	if err != nil {
		return payoutdomain.Payout{}, err
	}

	return s.disburse(ctx, payout)
}

// disburse calls the transfer collaborator with bounded retries and settles
// the payout either way.
func (s *Service) disburse(ctx context.Context, payout payoutdomain.Payout) (payoutdomain.Payout, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.engine.PayoutMaxRetries; attempt++ {
		attempts = attempt
		obsmetrics.Engine().IncPayoutAttempt()
		lastErr = s.transferSvc.Execute(ctx, transfer.Request{
			ReferenceID: payout.ID,
			CircleID:    payout.CircleID,
			RecipientID: payout.RecipientID,
			AmountMinor: payout.AmountMinor,
		})
		if lastErr == nil {
			break
		}
		s.log.Warn("transfer attempt failed",
			zap.String("payout_id", payout.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == s.engine.PayoutMaxRetries {
			break
		}
		backoff := time.Duration(s.engine.PayoutBackoffMs) * time.Millisecond * time.Duration(attempt)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(backoff):
			continue
		}
		break
	}

	if lastErr != nil {
		return s.markFailed(ctx, payout, attempts, lastErr)
	}
	return s.markCompleted(ctx, payout, attempts)
}

func (s *Service) markCompleted(ctx context.Context, payout payoutdomain.Payout, attempts int) (payoutdomain.Payout, error) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payouts SET status = ?, attempts = attempts + ?, last_error = '', completed_at = ?, updated_at = ? WHERE id = ?`,
			payoutdomain.StatusCompleted, attempts, now, now, payout.ID,
		).Error; err != nil {
			return err
		}

		err := s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
			CircleID:   payout.CircleID,
			SourceType: ledgerdomain.SourceTypePayout,
			SourceID:   payout.ID,
			OccurredAt: now,
			Lines: []ledgerdomain.PostingLine{
				{Account: ledgerdomain.AccountCodePayoutPayable, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: payout.AmountMinor},
				{Account: ledgerdomain.AccountCodeExternal, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: payout.AmountMinor},
			},
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicatePosting) {
			return err
		}

		return tx.WithContext(ctx).Exec(
			`UPDATE cycles SET status = ?, settled_at = ?, updated_at = ? WHERE id = ?`,
			circledomain.CycleStatusSettled, now, now, payout.CycleID,
		).Error
	})
	if err != nil {
		return payoutdomain.Payout{}, err
	}

	payout.Status = payoutdomain.StatusCompleted
	payout.Attempts += attempts
	payout.CompletedAt = &now

	obsmetrics.Engine().IncPayoutSettled(string(payoutdomain.StatusCompleted))
	s.notifyRecipient(ctx, payout, notify.EventPayoutCompleted)
	s.log.Info("payout completed",
		zap.String("payout_id", payout.ID.String()),
		zap.Int64("amount_minor", payout.AmountMinor),
		zap.Int("attempts", attempts),
	)
	return payout, nil
}

func (s *Service) markFailed(ctx context.Context, payout payoutdomain.Payout, attempts int, cause error) (payoutdomain.Payout, error) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE payouts SET status = ?, attempts = attempts + ?, last_error = ?, failed_at = ?, updated_at = ? WHERE id = ?`,
		payoutdomain.StatusFailed, attempts, cause.Error(), now, now, payout.ID,
	).Error
	if err != nil {
		return payoutdomain.Payout{}, err
	}

	payout.Status = payoutdomain.StatusFailed
	payout.Attempts += attempts
	payout.LastError = cause.Error()
	payout.FailedAt = &now

	obsmetrics.Engine().IncPayoutSettled(string(payoutdomain.StatusFailed))
	s.notifyRecipient(ctx, payout, notify.EventPayoutFailed)
	s.log.Error("payout failed",
		zap.String("payout_id", payout.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return payout, nil
}

func (s *Service) ExecuteDue(ctx context.Context, now time.Time) (int, error) {
	var due []payoutdomain.Payout
	err := s.db.WithContext(ctx).
		Where("status IN (?, ?) AND scheduled_at <= ?",
			payoutdomain.StatusScheduled, payoutdomain.StatusPending, now).
		Order("scheduled_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, p := range due {
		result, err := s.Execute(ctx, p.ID.String())
		if err != nil {
			if !errors.Is(err, payoutdomain.ErrNotEligible) {
				s.log.Warn("due payout execution failed",
					zap.String("payout_id", p.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		if result.Status == payoutdomain.StatusCompleted {
			executed++
		}
	}
	return executed, nil
}

func (s *Service) Cancel(ctx context.Context, payoutID string) (payoutdomain.Payout, error) {
	id, err := parseID(payoutID)
	if err != nil {
		return payoutdomain.Payout{}, err
	}

	var cancelled payoutdomain.Payout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := s.lockPayout(ctx, tx, id)
		if err != nil {
			return err
		}
		if !payout.Status.CanTransition(payoutdomain.StatusCancelled) {
			return payoutdomain.ErrInvalidTransition
		}
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payouts SET status = ?, updated_at = ? WHERE id = ?`,
			payoutdomain.StatusCancelled, now, payout.ID,
		).Error; err != nil {
			return err
		}
		payout.Status = payoutdomain.StatusCancelled
		cancelled = *payout
		return nil
	})
	if err != nil {
		return payoutdomain.Payout{}, err
	}
	obsmetrics.Engine().IncPayoutSettled(string(payoutdomain.StatusCancelled))
	return cancelled, nil
}

func (s *Service) GetByID(ctx context.Context, payoutID string) (payoutdomain.Payout, error) {
	id, err := parseID(payoutID)
	if err != nil {
		return payoutdomain.Payout{}, err
	}
	payout, err := s.payoutrepo.FindOne(ctx, &payoutdomain.Payout{ID: id})
	if err != nil {
		return payoutdomain.Payout{}, err
	}
	if payout == nil {
		return payoutdomain.Payout{}, payoutdomain.ErrNotFound
	}
	return *payout, nil
}

func (s *Service) ForCircle(ctx context.Context, circleID string) ([]payoutdomain.Payout, error) {
	id, err := parseID(circleID)
	if err != nil {
		return nil, err
	}
	var rows []payoutdomain.Payout
	err = s.db.WithContext(ctx).
		Where("circle_id = ?", id).
		Order("scheduled_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) notifyRecipient(ctx context.Context, payout payoutdomain.Payout, event notify.Event) {
	var profileID snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT profile_id FROM members WHERE id = ?`, payout.RecipientID,
	).Scan(&profileID).Error
	if err != nil || profileID == 0 {
		return
	}
	s.notifier.Dispatch(ctx, notify.Message{
		Event:      event,
		CircleID:   payout.CircleID,
		ProfileIDs: []snowflake.ID{profileID},
		Detail: map[string]any{
			"payout_id":    payout.ID.String(),
			"amount_minor": payout.AmountMinor,
		},
	})
}

func (s *Service) lockPayout(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*payoutdomain.Payout, error) {
	query := `SELECT * FROM payouts WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var payout payoutdomain.Payout
	if err := tx.WithContext(ctx).Raw(query, id).Scan(&payout).Error; err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, payoutdomain.ErrNotFound
	}
	return &payout, nil
}

func (s *Service) cycleByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*circledomain.Cycle, error) {
	var cycle circledomain.Cycle
	if err := tx.WithContext(ctx).Raw(`SELECT * FROM cycles WHERE id = ?`, id).Scan(&cycle).Error; err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, circledomain.ErrCycleNotFound
	}
	return &cycle, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, payoutdomain.ErrInvalidID
	}
	return id, nil
}
