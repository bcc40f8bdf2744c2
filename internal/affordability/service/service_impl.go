package service

import (
	"context"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	affordabilitydomain "github.com/tandahq/rueda/internal/affordability/domain"
	"github.com/tandahq/rueda/internal/calendar"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	"github.com/tandahq/rueda/internal/trust"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Engine   config.EngineConfig
	TrustSvc trust.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	engine   config.EngineConfig
	trustSvc trust.Service
}

func NewService(p ServiceParam) affordabilitydomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("affordability.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		engine:   p.Engine,
		trustSvc: p.TrustSvc,
	}
}

func (s *Service) Check(ctx context.Context, req affordabilitydomain.CheckRequest) (affordabilitydomain.CheckResponse, error) {
	profileID, err := snowflake.ParseString(strings.TrimSpace(req.ProfileID))
	if err != nil {
		return affordabilitydomain.CheckResponse{}, affordabilitydomain.ErrInvalidID
	}
	if req.AmountMinor <= 0 {
		return affordabilitydomain.CheckResponse{}, affordabilitydomain.ErrInvalidAmount
	}
	frequency, err := calendar.ParseFrequency(req.Frequency)
	if err != nil {
		return affordabilitydomain.CheckResponse{}, err
	}

	proposedMonthly := monthlyEquivalent(req.AmountMinor, frequency)
	existingMonthly, err := s.existingCommitments(ctx, profileID)
	if err != nil {
		return affordabilitydomain.CheckResponse{}, err
	}

	income, incomeOK, err := s.trustSvc.MonthlyIncome(ctx, profileID)
	if err != nil {
		s.log.Warn("income signal lookup failed", zap.String("profile_id", profileID.String()), zap.Error(err))
		incomeOK = false
	}

	resp := affordabilitydomain.CheckResponse{
		ProposedMonthly: proposedMonthly,
		ExistingMonthly: existingMonthly,
		IncomeAvailable: incomeOK,
	}

	if incomeOK && income > 0 {
		ratio := float64(proposedMonthly+existingMonthly) / float64(income) * 100
		resp.CommitmentRatioPct = math.Round(ratio*100) / 100
		switch {
		case ratio < float64(s.engine.AffordApprovePct):
			resp.Decision = affordabilitydomain.DecisionApproved
		case ratio <= float64(s.engine.AffordBlockPct):
			resp.Decision = affordabilitydomain.DecisionWarning
		default:
			resp.Decision = affordabilitydomain.DecisionBlocked
		}
	} else {
		// No income evidence: the trust score is only ever a proxy. It can
		// keep a member out or flag them, never auto-approve.
		score, err := s.trustSvc.Score(ctx, profileID)
		if err != nil {
			s.log.Warn("trust score lookup failed", zap.String("profile_id", profileID.String()), zap.Error(err))
			score = 0
		}
		if score >= s.engine.AffordTrustFallback {
			resp.Decision = affordabilitydomain.DecisionWarning
		} else {
			resp.Decision = affordabilitydomain.DecisionBlocked
		}
	}

	record := affordabilitydomain.Check{
		ID:                 s.genID.Generate(),
		ProfileID:          profileID,
		ProposedMonthly:    proposedMonthly,
		ExistingMonthly:    existingMonthly,
		IncomeMonthly:      income,
		IncomeAvailable:    incomeOK,
		CommitmentRatioPct: resp.CommitmentRatioPct,
		Decision:           resp.Decision,
		CreatedAt:          s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return affordabilitydomain.CheckResponse{}, err
	}
	return resp, nil
}

// existingCommitments sums the monthly equivalent of the profile's active
// memberships in pending or active circles.
func (s *Service) existingCommitments(ctx context.Context, profileID snowflake.ID) (int64, error) {
	type commitment struct {
		AmountMinor int64
		Frequency   string
	}
	var rows []commitment
	err := s.db.WithContext(ctx).Raw(
		`SELECT c.amount_minor, c.frequency
		 FROM members m
		 JOIN circles c ON c.id = m.circle_id
		 WHERE m.profile_id = ? AND m.active = ? AND c.status IN (?, ?)`,
		profileID, true, "PENDING", "ACTIVE",
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	var total int64
	for _, row := range rows {
		frequency, err := calendar.ParseFrequency(row.Frequency)
		if err != nil {
			continue
		}
		total += monthlyEquivalent(row.AmountMinor, frequency)
	}
	return total, nil
}

func monthlyEquivalent(amountMinor int64, frequency calendar.Frequency) int64 {
	return int64(math.Round(float64(amountMinor) * calendar.PerMonth(frequency)))
}
