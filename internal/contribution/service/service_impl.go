package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	"github.com/tandahq/rueda/internal/notify"
	obsmetrics "github.com/tandahq/rueda/internal/observability/metrics"
	"github.com/tandahq/rueda/internal/trust"
	"github.com/tandahq/rueda/pkg/db"
	"github.com/tandahq/rueda/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
	Defaults  contributiondomain.DefaultRecorder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	engine config.EngineConfig

	trustSvc  trust.Service
	notifier  notify.Dispatcher
	ledgerSvc ledgerdomain.Service
	defaults  contributiondomain.DefaultRecorder

	contributionrepo repository.Repository[contributiondomain.Contribution]
}

func NewService(p ServiceParam) contributiondomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("contribution.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		engine: p.Engine,

		trustSvc:  p.TrustSvc,
		notifier:  p.Notifier,
		ledgerSvc: p.LedgerSvc,
		defaults:  p.Defaults,

		contributionrepo: repository.ProvideStore[contributiondomain.Contribution](p.DB),
	}
}

func (s *Service) EnsureForCycle(ctx context.Context, cycleID string) (int, error) {
	id, err := parseID(cycleID)
	if err != nil {
		return 0, err
	}

	created := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cycle circledomain.Cycle
		if err := tx.WithContext(ctx).Raw(`SELECT * FROM cycles WHERE id = ?`, id).Scan(&cycle).Error; err != nil {
			return err
		}
		if cycle.ID == 0 {
			return circledomain.ErrCycleNotFound
		}

		var circle circledomain.Circle
		if err := tx.WithContext(ctx).Raw(`SELECT * FROM circles WHERE id = ?`, cycle.CircleID).Scan(&circle).Error; err != nil {
			return err
		}
		if circle.ID == 0 {
			return circledomain.ErrNotFound
		}

		var members []circledomain.Member
		if err := tx.WithContext(ctx).Raw(
			`SELECT * FROM members WHERE circle_id = ? AND active = ? ORDER BY id`,
			circle.ID, true,
		).Scan(&members).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		graceExpiry := cycle.DueAt.AddDate(0, 0, circle.GraceDays)
		for _, member := range members {
			existing, err := s.contributionrepo.WithTrx(tx).FindOne(ctx, &contributiondomain.Contribution{
				CycleID:  cycle.ID,
				MemberID: member.ID,
			})
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			record := contributiondomain.Contribution{
				ID:             s.genID.Generate(),
				CircleID:       circle.ID,
				CycleID:        cycle.ID,
				MemberID:       member.ID,
				AmountMinor:    circle.AmountMinor,
				Status:         contributiondomain.StatusPending,
				DueAt:          cycle.DueAt,
				GraceExpiresAt: graceExpiry,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.contributionrepo.WithTrx(tx).Create(ctx, &record); err != nil {
				if db.IsDuplicateKeyErr(err) {
					continue
				}
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (s *Service) Classify(ctx context.Context, contributionID string, now time.Time) (contributiondomain.ClassifyResult, error) {
	id, err := parseID(contributionID)
	if err != nil {
		return contributiondomain.ClassifyResult{}, err
	}

	var result contributiondomain.ClassifyResult
	var lateMember *circledomain.Member
	var openDefault bool

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contribution, err := s.lockContribution(ctx, tx, id)
		if err != nil {
			return err
		}

		result = contributiondomain.ClassifyResult{
			ContributionID: contribution.ID,
			Status:         contribution.Status,
			LateFeeMinor:   contribution.LateFeeMinor,
		}

		if contribution.SettledAt != nil || contribution.Status.Terminal() {
			result.Classification = classificationFor(contribution.Status)
			return nil
		}

		daysPastDue := daysBetween(contribution.DueAt, now)
		result.DaysPastDue = daysPastDue

		switch {
		case !now.After(contribution.DueAt):
			result.Classification = contributiondomain.ClassOnTime

		case !now.After(contribution.GraceExpiresAt):
			result.Classification = contributiondomain.ClassGrace
			if contribution.Status.CanTransition(contributiondomain.StatusGrace) {
				if err := s.setStatus(ctx, tx, contribution, contributiondomain.StatusGrace, now); err != nil {
					return err
				}
				result.Status = contributiondomain.StatusGrace
			}

		case daysPastDue < s.engine.DefaultAfterDays:
			result.Classification = contributiondomain.ClassLate
			if contribution.Status.CanTransition(contributiondomain.StatusLate) {
				fee := contribution.AmountMinor * int64(s.engine.LateFeeBps) / 10000
				if err := tx.WithContext(ctx).Exec(
					`UPDATE contributions
					 SET status = ?, late_fee_minor = ?, late_fee_applied_at = ?, updated_at = ?
					 WHERE id = ? AND late_fee_applied_at IS NULL`,
					contributiondomain.StatusLate, fee, now, now, contribution.ID,
				).Error; err != nil {
					return err
				}
				result.Status = contributiondomain.StatusLate
				result.LateFeeMinor = fee

				member, err := s.bumpLateCount(ctx, tx, contribution.MemberID, now)
				if err != nil {
					return err
				}
				lateMember = member
			}

		default:
			result.Classification = contributiondomain.ClassDefaultThreshold
			if contribution.Status.CanTransition(contributiondomain.StatusDefaultThreshold) {
				if err := s.setStatus(ctx, tx, contribution, contributiondomain.StatusDefaultThreshold, now); err != nil {
					return err
				}
				result.Status = contributiondomain.StatusDefaultThreshold
				openDefault = true
			}
		}
		return nil
	})
	if err != nil {
		return contributiondomain.ClassifyResult{}, err
	}

	// Side effects after the transaction commits: external collaborator
	// calls must not hold row locks.
	if lateMember != nil {
		obsmetrics.Engine().IncLateFeeApplied()
		s.notifier.Dispatch(ctx, notify.Message{
			Event:      notify.EventContributionLate,
			CircleID:   lateMember.CircleID,
			ProfileIDs: []snowflake.ID{lateMember.ProfileID},
			Detail:     map[string]any{"contribution_id": result.ContributionID.String()},
		})
		if lateMember.LateCount >= s.engine.LateStreakDowngrade {
			if err := s.trustSvc.TierDowngrade(ctx, lateMember.ProfileID, "repeated_late_contributions"); err != nil {
				s.log.Warn("tier downgrade signal failed",
					zap.String("member_id", lateMember.ID.String()),
					zap.Error(err),
				)
			}
		}
	}
	if openDefault {
		if err := s.defaults.RecordDefault(ctx, result.ContributionID.String()); err != nil {
			return contributiondomain.ClassifyResult{}, err
		}
		result.DefaultOpened = true
		result.Status = contributiondomain.StatusDefaulted
	}
	return result, nil
}

func (s *Service) RecordPayment(ctx context.Context, contributionID string, now time.Time) (contributiondomain.Contribution, error) {
	id, err := parseID(contributionID)
	if err != nil {
		return contributiondomain.Contribution{}, err
	}

	var settled contributiondomain.Contribution
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contribution, err := s.lockContribution(ctx, tx, id)
		if err != nil {
			return err
		}
		if contribution.SettledAt != nil {
			return contributiondomain.ErrAlreadySettled
		}

		target := contribution.Status
		switch contribution.Status {
		case contributiondomain.StatusPending, contributiondomain.StatusGrace:
			target = contributiondomain.StatusOnTime
		case contributiondomain.StatusLate:
			// settles as late, fee already assessed
		default:
			// Past the default threshold payment flows through the
			// cascade's recovery path, not here.
			return contributiondomain.ErrInvalidTransition
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE contributions SET status = ?, settled_at = ?, updated_at = ? WHERE id = ?`,
			target, now, now, contribution.ID,
		).Error; err != nil {
			return err
		}

		lines := []ledgerdomain.PostingLine{
			{Account: ledgerdomain.AccountCodeExternal, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: contribution.AmountMinor + contribution.LateFeeMinor},
			{Account: ledgerdomain.AccountCodeCirclePool, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: contribution.AmountMinor},
		}
		if contribution.LateFeeMinor > 0 {
			lines = append(lines, ledgerdomain.PostingLine{
				Account:   ledgerdomain.AccountCodeLateFeeIncome,
				Direction: ledgerdomain.LedgerEntryDirectionCredit,
				Amount:    contribution.LateFeeMinor,
			})
		}
		if err := s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
			CircleID:   contribution.CircleID,
			SourceType: ledgerdomain.SourceTypeContribution,
			SourceID:   contribution.ID,
			OccurredAt: now,
			Lines:      lines,
		}); err != nil {
			return err
		}

		contribution.Status = target
		contribution.SettledAt = &now
		contribution.UpdatedAt = now
		settled = *contribution
		return nil
	})
	if err != nil {
		return contributiondomain.Contribution{}, err
	}
	return settled, nil
}

func (s *Service) GetByID(ctx context.Context, contributionID string) (contributiondomain.Contribution, error) {
	id, err := parseID(contributionID)
	if err != nil {
		return contributiondomain.Contribution{}, err
	}
	contribution, err := s.contributionrepo.FindOne(ctx, &contributiondomain.Contribution{ID: id})
	if err != nil {
		return contributiondomain.Contribution{}, err
	}
	if contribution == nil {
		return contributiondomain.Contribution{}, contributiondomain.ErrNotFound
	}
	return *contribution, nil
}

func (s *Service) ForCycle(ctx context.Context, cycleID string) ([]contributiondomain.Contribution, error) {
	id, err := parseID(cycleID)
	if err != nil {
		return nil, err
	}
	var rows []contributiondomain.Contribution
	err = s.db.WithContext(ctx).
		Where("cycle_id = ?", id).
		Order("member_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
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

func (s *Service) setStatus(ctx context.Context, tx *gorm.DB, contribution *contributiondomain.Contribution, status contributiondomain.ContributionStatus, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE contributions SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, contribution.ID,
	).Error
}

func (s *Service) bumpLateCount(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, now time.Time) (*circledomain.Member, error) {
	if err := tx.WithContext(ctx).Exec(
		`UPDATE members SET late_count = late_count + 1, updated_at = ? WHERE id = ?`,
		now, memberID,
	).Error; err != nil {
		return nil, err
	}
	var member circledomain.Member
	if err := tx.WithContext(ctx).Raw(`SELECT * FROM members WHERE id = ?`, memberID).Scan(&member).Error; err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, circledomain.ErrMemberNotFound
	}
	return &member, nil
}

func classificationFor(status contributiondomain.ContributionStatus) contributiondomain.Classification {
	switch status {
	case contributiondomain.StatusGrace:
		return contributiondomain.ClassGrace
	case contributiondomain.StatusLate:
		return contributiondomain.ClassLate
	case contributiondomain.StatusDefaultThreshold, contributiondomain.StatusDefaulted,
		contributiondomain.StatusCovered, contributiondomain.StatusWrittenOff:
		return contributiondomain.ClassDefaultThreshold
	default:
		return contributiondomain.ClassOnTime
	}
}

func daysBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / (24 * time.Hour))
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, contributiondomain.ErrInvalidID
	}
	return id, nil
}
