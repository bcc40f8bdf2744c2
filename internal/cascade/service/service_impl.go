package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/internal/calendar"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	"github.com/tandahq/rueda/internal/notify"
	obsmetrics "github.com/tandahq/rueda/internal/observability/metrics"
	"github.com/tandahq/rueda/internal/trust"
	"github.com/tandahq/rueda/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Engine    config.EngineConfig
	TrustSvc  trust.Service
	Notifier  notify.Dispatcher
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	engine    config.EngineConfig
	trustSvc  trust.Service
	notifier  notify.Dispatcher
	ledgerSvc ledgerdomain.Service

	defaultrepo repository.Repository[cascadedomain.Default]
	gracerepo   repository.Repository[cascadedomain.GracePeriod]
	planrepo    repository.Repository[cascadedomain.PaymentPlan]
}

func NewService(p ServiceParam) cascadedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("cascade.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		engine:    p.Engine,
		trustSvc:  p.TrustSvc,
		notifier:  p.Notifier,
		ledgerSvc: p.LedgerSvc,

		defaultrepo: repository.ProvideStore[cascadedomain.Default](p.DB),
		gracerepo:   repository.ProvideStore[cascadedomain.GracePeriod](p.DB),
		planrepo:    repository.ProvideStore[cascadedomain.PaymentPlan](p.DB),
	}
}

func (s *Service) RecordDefault(ctx context.Context, contributionID string) error {
	id, err := parseID(contributionID)
	if err != nil {
		return err
	}

	var (
		created bool
		dflt    cascadedomain.Default
		member  *circledomain.Member
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contribution, err := s.lockContribution(ctx, tx, id)
		if err != nil {
			return err
		}
		if !contribution.Status.Delinquent() {
			return cascadedomain.ErrInvalidTransition
		}

		existing, err := s.defaultrepo.WithTrx(tx).FindOne(ctx, &cascadedomain.Default{ContributionID: id})
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		member, err = s.lockMember(ctx, tx, contribution.MemberID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		dflt = cascadedomain.Default{
			ID:             s.genID.Generate(),
			CircleID:       contribution.CircleID,
			CycleID:        contribution.CycleID,
			ContributionID: contribution.ID,
			MemberID:       contribution.MemberID,
			OwedMinor:      contribution.AmountMinor,
			Status:         cascadedomain.StatusGracePeriod,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.defaultrepo.WithTrx(tx).Create(ctx, &dflt); err != nil {
			return err
		}

		grace := cascadedomain.GracePeriod{
			ID:        s.genID.Generate(),
			DefaultID: dflt.ID,
			ExpiresAt: now.AddDate(0, 0, s.engine.GraceDays),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.gracerepo.WithTrx(tx).Create(ctx, &grace); err != nil {
			return err
		}

		unresolved := member.UnresolvedDefault + 1
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET unresolved_default = ?, standing = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			unresolved, standingFor(unresolved), now, member.ID,
		).Error; err != nil {
			return err
		}

		// The contribution reaches the final rung of the ladder together with
		// the default that records it.
		if err := s.setContributionStatus(ctx, tx, contribution.ID, contributiondomain.StatusDefaulted, now); err != nil {
			return err
		}

		created = true
		return nil
	})
	if err != nil || !created {
		return err
	}

	obsmetrics.Engine().IncDefaultRecorded()
	s.notifier.Dispatch(ctx, notify.Message{
		Event:      notify.EventDefaultRecorded,
		CircleID:   dflt.CircleID,
		ProfileIDs: []snowflake.ID{member.ProfileID},
		Detail: map[string]any{
			"default_id": dflt.ID.String(),
			"owed_minor": dflt.OwedMinor,
		},
	})

	if err := s.trustSvc.ApplyPenalty(ctx, member.ProfileID, s.engine.TrustPenaltyPoints, "contribution_default"); err != nil {
		s.log.Warn("trust penalty failed", zap.String("default_id", dflt.ID.String()), zap.Error(err))
	}
	if member.VouchedByID != nil {
		if voucher, err := s.memberByID(ctx, *member.VouchedByID); err == nil && voucher != nil {
			if err := s.trustSvc.ApplyPenalty(ctx, voucher.ProfileID, s.engine.VoucherPenalty, "vouched_member_default"); err != nil {
				s.log.Warn("voucher penalty failed", zap.String("default_id", dflt.ID.String()), zap.Error(err))
			}
		}
	}

	s.log.Info("default recorded",
		zap.String("default_id", dflt.ID.String()),
		zap.String("circle_id", dflt.CircleID.String()),
		zap.Int64("owed_minor", dflt.OwedMinor),
	)
	return nil
}

func (s *Service) Cover(ctx context.Context, defaultID string) (cascadedomain.CoverageBreakdown, error) {
	id, err := parseID(defaultID)
	if err != nil {
		return cascadedomain.CoverageBreakdown{}, err
	}

	var (
		breakdown  cascadedomain.CoverageBreakdown
		circleID   snowflake.ID
		sharedWith []snowflake.ID
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dflt, err := s.lockDefault(ctx, tx, id)
		if err != nil {
			return err
		}
		if dflt.Status.Terminal() || dflt.Status == cascadedomain.StatusCovered {
			return cascadedomain.ErrAlreadyResolved
		}
		if dflt.Status == cascadedomain.StatusDisputed {
			return cascadedomain.ErrDisputed
		}

		remaining := dflt.Remaining()
		if remaining < 0 {
			s.log.Error("coverage integrity violation, halting default",
				zap.String("default_id", dflt.ID.String()),
				zap.Int64("owed_minor", dflt.OwedMinor),
				zap.Int64("covered_minor", dflt.CoveredMinor),
				zap.Int64("recovered_minor", dflt.RecoveredMinor),
			)
			return cascadedomain.ErrIntegrityViolation
		}

		circleID = dflt.CircleID
		breakdown = cascadedomain.CoverageBreakdown{
			DefaultID: dflt.ID.String(),
			OwedMinor: dflt.OwedMinor,
		}

		if remaining > 0 {
			drawn, err := s.ledgerSvc.DrawUpTo(ctx, tx, circleID, ledgerdomain.AccountCodeReserveFund,
				remaining, ledgerdomain.SourceTypeReserveCoverage, dflt.ID)
			if err != nil {
				return err
			}
			breakdown.ReserveMinor = drawn
			remaining -= drawn
		}

		if remaining > 0 {
			voucherShare, err := s.coverFromVoucher(ctx, tx, dflt, remaining)
			if err != nil {
				return err
			}
			breakdown.VoucherMinor = voucherShare
			remaining -= voucherShare
		}

		if remaining > 0 {
			want := remaining
			if want > s.engine.InsuranceCapMinor {
				want = s.engine.InsuranceCapMinor
			}
			drawn, err := s.ledgerSvc.DrawUpTo(ctx, tx, circleID, ledgerdomain.AccountCodeInsuranceFund,
				want, ledgerdomain.SourceTypeInsuranceCoverage, dflt.ID)
			if err != nil {
				return err
			}
			breakdown.InsuranceMinor = drawn
			remaining -= drawn
		}

		if remaining > 0 {
			shared, members, err := s.shareLoss(ctx, tx, dflt, remaining)
			if err != nil {
				return err
			}
			breakdown.SharedMinor = shared
			sharedWith = members
			remaining -= shared
		}
		breakdown.RemainingMinor = remaining

		now := s.clock.Now()
		covered := dflt.OwedMinor - dflt.RecoveredMinor - remaining
		if err := tx.WithContext(ctx).Exec(
			`UPDATE defaults SET covered_minor = ?, status = ?, updated_at = ? WHERE id = ?`,
			covered, cascadedomain.StatusCovered, now, dflt.ID,
		).Error; err != nil {
			return err
		}
		return s.setContributionStatus(ctx, tx, dflt.ContributionID, contributiondomain.StatusCovered, now)
	})
	if err != nil {
		return cascadedomain.CoverageBreakdown{}, err
	}

	engineMetrics := obsmetrics.Engine()
	engineMetrics.AddCoverageDrawn("reserve", breakdown.ReserveMinor)
	engineMetrics.AddCoverageDrawn("voucher", breakdown.VoucherMinor)
	engineMetrics.AddCoverageDrawn("insurance", breakdown.InsuranceMinor)
	engineMetrics.AddCoverageDrawn("shared_loss", breakdown.SharedMinor)
	if breakdown.SharedMinor > 0 {
		engineMetrics.IncSharedLossApplied()
		s.notifier.Dispatch(ctx, notify.Message{
			Event:      notify.EventSharedLoss,
			CircleID:   circleID,
			ProfileIDs: sharedWith,
			Detail: map[string]any{
				"default_id":        breakdown.DefaultID,
				"shared_loss_minor": breakdown.SharedMinor,
			},
		})
	}

	s.log.Info("default covered",
		zap.String("default_id", breakdown.DefaultID),
		zap.Int64("reserve_minor", breakdown.ReserveMinor),
		zap.Int64("voucher_minor", breakdown.VoucherMinor),
		zap.Int64("insurance_minor", breakdown.InsuranceMinor),
		zap.Int64("shared_loss_minor", breakdown.SharedMinor),
	)
	return breakdown, nil
}

// coverFromVoucher collects the voucher's bounded share: a fraction of the
// owed amount, never more than what is still missing.
func (s *Service) coverFromVoucher(ctx context.Context, tx *gorm.DB, dflt *cascadedomain.Default, remaining int64) (int64, error) {
	member, err := s.memberByIDTx(ctx, tx, dflt.MemberID)
	if err != nil || member == nil || member.VouchedByID == nil {
		return 0, err
	}

	share := dflt.OwedMinor * int64(s.engine.VoucherShareBps) / 10000
	if share > remaining {
		share = remaining
	}
	if share <= 0 {
		return 0, nil
	}

	err = s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
		CircleID:   dflt.CircleID,
		SourceType: ledgerdomain.SourceTypeVoucherCoverage,
		SourceID:   dflt.ID,
		OccurredAt: s.clock.Now(),
		Lines: []ledgerdomain.PostingLine{
			{Account: ledgerdomain.AccountCodeExternal, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: share},
			{Account: ledgerdomain.AccountCodeCirclePool, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: share},
		},
	})
	if err != nil {
		return 0, err
	}
	return share, nil
}

// shareLoss socializes the final shortfall pro-rata across the other active
// members, with the division remainder on the first member.
func (s *Service) shareLoss(ctx context.Context, tx *gorm.DB, dflt *cascadedomain.Default, remaining int64) (int64, []snowflake.ID, error) {
	var members []circledomain.Member
	err := tx.WithContext(ctx).
		Where("circle_id = ? AND active = ? AND id <> ?", dflt.CircleID, true, dflt.MemberID).
		Order("joined_at ASC, id ASC").
		Find(&members).Error
	if err != nil {
		return 0, nil, err
	}
	if len(members) == 0 {
		return 0, nil, nil
	}

	per := remaining / int64(len(members))
	extra := remaining % int64(len(members))
	now := s.clock.Now()
	profiles := make([]snowflake.ID, 0, len(members))
	for i, m := range members {
		amount := per
		if i == 0 {
			amount += extra
		}
		if amount == 0 {
			continue
		}
		allocation := cascadedomain.LossAllocation{
			ID:          s.genID.Generate(),
			DefaultID:   dflt.ID,
			MemberID:    m.ID,
			AmountMinor: amount,
			CreatedAt:   now,
		}
		if err := tx.WithContext(ctx).Create(&allocation).Error; err != nil {
			return 0, nil, err
		}
		profiles = append(profiles, m.ProfileID)
	}

	err = s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
		CircleID:   dflt.CircleID,
		SourceType: ledgerdomain.SourceTypeSharedLoss,
		SourceID:   dflt.ID,
		OccurredAt: now,
		Lines: []ledgerdomain.PostingLine{
			{Account: ledgerdomain.AccountCodeSharedLoss, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: remaining},
			{Account: ledgerdomain.AccountCodeCirclePool, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: remaining},
		},
	})
	if err != nil {
		return 0, nil, err
	}
	return remaining, profiles, nil
}

func (s *Service) ExpireGracePeriods(ctx context.Context, now time.Time) (int, error) {
	var expired []struct {
		DefaultID snowflake.ID
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT d.id AS default_id
		 FROM defaults d
		 JOIN grace_periods g ON g.default_id = d.id
		 WHERE d.status = ? AND g.expires_at <= ?
		 ORDER BY g.expires_at ASC`,
		cascadedomain.StatusGracePeriod, now,
	).Scan(&expired).Error
	if err != nil {
		return 0, err
	}

	covered := 0
	for _, row := range expired {
		if _, err := s.Cover(ctx, row.DefaultID.String()); err != nil {
			s.log.Warn("grace expiry coverage failed",
				zap.String("default_id", row.DefaultID.String()),
				zap.Error(err),
			)
			continue
		}
		covered++
	}
	return covered, nil
}

func (s *Service) ExtendGracePeriod(ctx context.Context, defaultID, reason string) (cascadedomain.GracePeriod, error) {
	id, err := parseID(defaultID)
	if err != nil {
		return cascadedomain.GracePeriod{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return cascadedomain.GracePeriod{}, cascadedomain.ErrReasonRequired
	}

	var extended cascadedomain.GracePeriod
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dflt, err := s.lockDefault(ctx, tx, id)
		if err != nil {
			return err
		}
		if dflt.Status != cascadedomain.StatusGracePeriod {
			return cascadedomain.ErrInvalidTransition
		}

		grace, err := s.gracerepo.WithTrx(tx).FindOne(ctx, &cascadedomain.GracePeriod{DefaultID: id})
		if err != nil {
			return err
		}
		if grace == nil {
			return cascadedomain.ErrNotFound
		}
		if grace.Extensions >= s.engine.GraceExtensionCap {
			return cascadedomain.ErrGraceCapReached
		}

		now := s.clock.Now()
		grace.ExpiresAt = grace.ExpiresAt.AddDate(0, 0, s.engine.GraceDays)
		grace.Extensions++
		grace.UpdatedAt = now
		if grace.Metadata == nil {
			grace.Metadata = datatypes.JSONMap{}
		}
		reasons, _ := grace.Metadata["extension_reasons"].([]any)
		grace.Metadata["extension_reasons"] = append(reasons, reason)
		if err := tx.WithContext(ctx).Exec(
			`UPDATE grace_periods SET expires_at = ?, extensions = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			grace.ExpiresAt, grace.Extensions, grace.Metadata, now, grace.ID,
		).Error; err != nil {
			return err
		}
		extended = *grace
		return nil
	})
	if err != nil {
		return cascadedomain.GracePeriod{}, err
	}
	return extended, nil
}

func (s *Service) RecordRecovery(ctx context.Context, defaultID string, amountMinor int64, requestID string) (cascadedomain.Default, error) {
	id, err := parseID(defaultID)
	if err != nil {
		return cascadedomain.Default{}, err
	}
	reqID, err := parseID(requestID)
	if err != nil {
		return cascadedomain.Default{}, err
	}
	if amountMinor <= 0 {
		return cascadedomain.Default{}, cascadedomain.ErrInvalidAmount
	}

	var (
		updated  cascadedomain.Default
		resolved bool
		profile  snowflake.ID
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dflt, err := s.lockDefault(ctx, tx, id)
		if err != nil {
			return err
		}

		// A replayed resolution request already posted and accrued; return
		// the current state without crediting again.
		var replayed int64
		err = tx.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
			Where("source_type = ? AND source_id = ?", ledgerdomain.SourceTypeRecovery, reqID).
			Count(&replayed).Error
		if err != nil {
			return err
		}
		if replayed > 0 {
			updated = *dflt
			return nil
		}

		if dflt.Status.Terminal() || dflt.Status == cascadedomain.StatusDisputed {
			return cascadedomain.ErrInvalidTransition
		}
		if amountMinor > dflt.OwedMinor-dflt.RecoveredMinor {
			return cascadedomain.ErrInvalidAmount
		}

		// Before coverage the repayment refills the pool directly. After
		// coverage it reimburses the reserve fund that fronted the loss.
		target := ledgerdomain.AccountCodeCirclePool
		if dflt.Status == cascadedomain.StatusCovered {
			target = ledgerdomain.AccountCodeReserveFund
		}
		now := s.clock.Now()
		err = s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
			CircleID:   dflt.CircleID,
			SourceType: ledgerdomain.SourceTypeRecovery,
			SourceID:   reqID,
			OccurredAt: now,
			Lines: []ledgerdomain.PostingLine{
				{Account: ledgerdomain.AccountCodeExternal, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amountMinor},
				{Account: target, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amountMinor},
			},
		})
		if err != nil {
			return err
		}

		// Reimbursement shrinks the covered total once the uncovered gap is
		// consumed, so owed = covered + recovered + remaining at every step.
		uncovered := dflt.Remaining()
		dflt.RecoveredMinor += amountMinor
		if dflt.Status == cascadedomain.StatusCovered && amountMinor > uncovered {
			dflt.CoveredMinor -= amountMinor - uncovered
		}
		dflt.UpdatedAt = now
		fullyRecovered := dflt.RecoveredMinor == dflt.OwedMinor
		if fullyRecovered {
			dflt.Status = cascadedomain.StatusResolved
			dflt.ResolvedAt = &now
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE defaults SET covered_minor = ?, recovered_minor = ?, status = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
			dflt.CoveredMinor, dflt.RecoveredMinor, dflt.Status, dflt.ResolvedAt, now, dflt.ID,
		).Error; err != nil {
			return err
		}

		if err := s.settleInstallments(ctx, tx, dflt.ID, amountMinor, now); err != nil {
			return err
		}

		if fullyRecovered {
			if err := s.closeOutDefault(ctx, tx, dflt, now); err != nil {
				return err
			}
			member, err := s.memberByIDTx(ctx, tx, dflt.MemberID)
			if err != nil {
				return err
			}
			if member != nil {
				profile = member.ProfileID
			}
			resolved = true
		}
		updated = *dflt
		return nil
	})
	if err != nil {
		return cascadedomain.Default{}, err
	}

	if resolved {
		s.notifier.Dispatch(ctx, notify.Message{
			Event:      notify.EventDefaultResolved,
			CircleID:   updated.CircleID,
			ProfileIDs: []snowflake.ID{profile},
			Detail:     map[string]any{"default_id": updated.ID.String()},
		})
	}
	return updated, nil
}

func (s *Service) CreatePaymentPlan(ctx context.Context, defaultID string, installments int, requestID string) (cascadedomain.PaymentPlan, []cascadedomain.PlanInstallment, error) {
	id, err := parseID(defaultID)
	if err != nil {
		return cascadedomain.PaymentPlan{}, nil, err
	}
	reqID, err := parseID(requestID)
	if err != nil {
		return cascadedomain.PaymentPlan{}, nil, err
	}
	if installments < 2 || installments > 24 {
		return cascadedomain.PaymentPlan{}, nil, cascadedomain.ErrInvalidInstallment
	}

	var (
		plan cascadedomain.PaymentPlan
		rows []cascadedomain.PlanInstallment
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dflt, err := s.lockDefault(ctx, tx, id)
		if err != nil {
			return err
		}

		existing, err := s.planrepo.WithTrx(tx).FindOne(ctx, &cascadedomain.PaymentPlan{DefaultID: id})
		if err != nil {
			return err
		}
		if existing != nil {
			// A replayed creation returns the plan it already made.
			if existing.RequestID == reqID {
				plan = *existing
				return tx.WithContext(ctx).
					Where("payment_plan_id = ?", existing.ID).
					Order("sequence ASC").
					Find(&rows).Error
			}
			return cascadedomain.ErrPlanExists
		}

		if dflt.Status.Terminal() || dflt.Status == cascadedomain.StatusDisputed {
			return cascadedomain.ErrInvalidTransition
		}
		remaining := dflt.OwedMinor - dflt.RecoveredMinor
		if remaining <= 0 {
			return cascadedomain.ErrAlreadyResolved
		}

		var circle circledomain.Circle
		if err := tx.WithContext(ctx).Raw(`SELECT * FROM circles WHERE id = ?`, dflt.CircleID).Scan(&circle).Error; err != nil {
			return err
		}
		if circle.ID == 0 {
			return circledomain.ErrNotFound
		}

		now := s.clock.Now()
		plan = cascadedomain.PaymentPlan{
			ID:           s.genID.Generate(),
			DefaultID:    dflt.ID,
			RequestID:    reqID,
			Installments: installments,
			Status:       cascadedomain.PlanActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.planrepo.WithTrx(tx).Create(ctx, &plan); err != nil {
			return err
		}

		per := remaining / int64(installments)
		extra := remaining % int64(installments)
		for i := 1; i <= installments; i++ {
			amount := per
			if i == 1 {
				amount += extra
			}
			dueAt, err := calendar.Add(now, circle.Frequency, i)
			if err != nil {
				return err
			}
			row := cascadedomain.PlanInstallment{
				ID:            s.genID.Generate(),
				PaymentPlanID: plan.ID,
				Sequence:      i,
				AmountMinor:   amount,
				DueAt:         dueAt,
				CreatedAt:     now,
			}
			if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return cascadedomain.PaymentPlan{}, nil, err
	}
	return plan, rows, nil
}

func (s *Service) WriteOff(ctx context.Context, defaultID, mediatorMemberID string) (cascadedomain.Default, error) {
	return s.mediate(ctx, defaultID, mediatorMemberID, func(tx *gorm.DB, dflt *cascadedomain.Default, now time.Time) error {
		if !dflt.Status.CanTransition(cascadedomain.StatusWrittenOff) {
			return cascadedomain.ErrInvalidTransition
		}
		dflt.Status = cascadedomain.StatusWrittenOff
		dflt.ResolvedAt = &now
		if err := tx.WithContext(ctx).Exec(
			`UPDATE defaults SET status = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
			dflt.Status, now, now, dflt.ID,
		).Error; err != nil {
			return err
		}
		if err := s.setContributionStatus(ctx, tx, dflt.ContributionID, contributiondomain.StatusWrittenOff, now); err != nil {
			return err
		}
		return s.closeOutDefault(ctx, tx, dflt, now)
	})
}

func (s *Service) Dispute(ctx context.Context, defaultID, mediatorMemberID string) (cascadedomain.Default, error) {
	return s.mediate(ctx, defaultID, mediatorMemberID, func(tx *gorm.DB, dflt *cascadedomain.Default, now time.Time) error {
		if !dflt.Status.CanTransition(cascadedomain.StatusDisputed) {
			return cascadedomain.ErrInvalidTransition
		}
		dflt.Status = cascadedomain.StatusDisputed
		dflt.DisputedAt = &now
		return tx.WithContext(ctx).Exec(
			`UPDATE defaults SET status = ?, disputed_at = ?, updated_at = ? WHERE id = ?`,
			dflt.Status, now, now, dflt.ID,
		).Error
	})
}

func (s *Service) ResolveDispute(ctx context.Context, defaultID, mediatorMemberID string, upheld bool) (cascadedomain.Default, error) {
	return s.mediate(ctx, defaultID, mediatorMemberID, func(tx *gorm.DB, dflt *cascadedomain.Default, now time.Time) error {
		if dflt.Status != cascadedomain.StatusDisputed {
			return cascadedomain.ErrInvalidTransition
		}
		if upheld {
			// The default stands; consequences resume from the grace period.
			dflt.Status = cascadedomain.StatusGracePeriod
			dflt.DisputedAt = nil
			return tx.WithContext(ctx).Exec(
				`UPDATE defaults SET status = ?, disputed_at = NULL, updated_at = ? WHERE id = ?`,
				dflt.Status, now, dflt.ID,
			).Error
		}
		dflt.Status = cascadedomain.StatusResolved
		dflt.ResolvedAt = &now
		if err := tx.WithContext(ctx).Exec(
			`UPDATE defaults SET status = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
			dflt.Status, now, now, dflt.ID,
		).Error; err != nil {
			return err
		}
		if err := s.setContributionStatus(ctx, tx, dflt.ContributionID, contributiondomain.StatusCovered, now); err != nil {
			return err
		}
		return s.closeOutDefault(ctx, tx, dflt, now)
	})
}

func (s *Service) GetByID(ctx context.Context, defaultID string) (cascadedomain.Default, error) {
	id, err := parseID(defaultID)
	if err != nil {
		return cascadedomain.Default{}, err
	}
	dflt, err := s.defaultrepo.FindOne(ctx, &cascadedomain.Default{ID: id})
	if err != nil {
		return cascadedomain.Default{}, err
	}
	if dflt == nil {
		return cascadedomain.Default{}, cascadedomain.ErrNotFound
	}
	return *dflt, nil
}

func (s *Service) ForCircle(ctx context.Context, circleID string) ([]cascadedomain.Default, error) {
	id, err := parseID(circleID)
	if err != nil {
		return nil, err
	}
	var rows []cascadedomain.Default
	err = s.db.WithContext(ctx).
		Where("circle_id = ?", id).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mediate loads the default inside a transaction after verifying the acting
// member holds a mediating role in the circle.
func (s *Service) mediate(ctx context.Context, defaultID, mediatorMemberID string, apply func(tx *gorm.DB, dflt *cascadedomain.Default, now time.Time) error) (cascadedomain.Default, error) {
	id, err := parseID(defaultID)
	if err != nil {
		return cascadedomain.Default{}, err
	}
	mediatorID, err := parseID(mediatorMemberID)
	if err != nil {
		return cascadedomain.Default{}, err
	}

	var updated cascadedomain.Default
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dflt, err := s.lockDefault(ctx, tx, id)
		if err != nil {
			return err
		}

		mediator, err := s.memberByIDTx(ctx, tx, mediatorID)
		if err != nil {
			return err
		}
		if mediator == nil || mediator.CircleID != dflt.CircleID || !mediator.Role.CanMediate() {
			return cascadedomain.ErrNotMediator
		}

		if err := apply(tx, dflt, s.clock.Now()); err != nil {
			return err
		}
		updated = *dflt
		return nil
	})
	if err != nil {
		return cascadedomain.Default{}, err
	}
	return updated, nil
}

// closeOutDefault drops the member's unresolved count, recomputes standing
// and completes any active payment plan.
func (s *Service) closeOutDefault(ctx context.Context, tx *gorm.DB, dflt *cascadedomain.Default, now time.Time) error {
	member, err := s.memberByIDTx(ctx, tx, dflt.MemberID)
	if err != nil {
		return err
	}
	if member != nil {
		unresolved := member.UnresolvedDefault - 1
		if unresolved < 0 {
			unresolved = 0
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET unresolved_default = ?, standing = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			unresolved, standingFor(unresolved), now, member.ID,
		).Error; err != nil {
			return err
		}
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_plans SET status = ?, updated_at = ? WHERE default_id = ? AND status = ?`,
		cascadedomain.PlanCompleted, now, dflt.ID, cascadedomain.PlanActive,
	).Error
}

// settleInstallments marks the earliest unpaid installments as paid until the
// repayment amount is consumed.
func (s *Service) settleInstallments(ctx context.Context, tx *gorm.DB, defaultID snowflake.ID, amount int64, now time.Time) error {
	var rows []cascadedomain.PlanInstallment
	err := tx.WithContext(ctx).Raw(
		`SELECT pi.*
		 FROM plan_installments pi
		 JOIN payment_plans pp ON pp.id = pi.payment_plan_id
		 WHERE pp.default_id = ? AND pp.status = ? AND pi.paid_at IS NULL
		 ORDER BY pi.sequence ASC`,
		defaultID, cascadedomain.PlanActive,
	).Scan(&rows).Error
	if err != nil {
		return err
	}
	for _, row := range rows {
		if amount < row.AmountMinor {
			break
		}
		amount -= row.AmountMinor
		if err := tx.WithContext(ctx).Exec(
			`UPDATE plan_installments SET paid_at = ? WHERE id = ?`,
			now, row.ID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) setContributionStatus(ctx context.Context, tx *gorm.DB, contributionID snowflake.ID, status contributiondomain.ContributionStatus, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE contributions SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, contributionID,
	).Error
}

func (s *Service) lockDefault(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*cascadedomain.Default, error) {
	query := `SELECT * FROM defaults WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var dflt cascadedomain.Default
	if err := tx.WithContext(ctx).Raw(query, id).Scan(&dflt).Error; err != nil {
		return nil, err
	}
	if dflt.ID == 0 {
		return nil, cascadedomain.ErrNotFound
	}
	return &dflt, nil
}

func (s *Service) lockContribution(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*contributiondomain.Contribution, error) {
	query := `SELECT * FROM contributions WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var contribution contributiondomain.Contribution
	if err := tx.WithContext(ctx).Raw(query, id).Scan(&contribution).Error; err != nil {
		return nil, err
	}
	if contribution.ID == 0 {
		return nil, contributiondomain.ErrNotFound
	}
	return &contribution, nil
}

func (s *Service) lockMember(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*circledomain.Member, error) {
	query := `SELECT * FROM members WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var member circledomain.Member
	if err := tx.WithContext(ctx).Raw(query, id).Scan(&member).Error; err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, circledomain.ErrMemberNotFound
	}
	return &member, nil
}

func (s *Service) memberByID(ctx context.Context, id snowflake.ID) (*circledomain.Member, error) {
	return s.memberByIDTx(ctx, s.db, id)
}

func (s *Service) memberByIDTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*circledomain.Member, error) {
	var member circledomain.Member
	if err := tx.WithContext(ctx).Raw(`SELECT * FROM members WHERE id = ?`, id).Scan(&member).Error; err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func standingFor(unresolved int) circledomain.Standing {
	switch {
	case unresolved <= 0:
		return circledomain.StandingGood
	case unresolved == 1:
		return circledomain.StandingWarning
	case unresolved == 2:
		return circledomain.StandingSuspended
	default:
		return circledomain.StandingRemovalRecommended
	}
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, cascadedomain.ErrInvalidID
	}
	return id, nil
}
