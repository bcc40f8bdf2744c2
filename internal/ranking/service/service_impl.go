package service

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	rankingdomain "github.com/tandahq/rueda/internal/ranking/domain"
	"github.com/tandahq/rueda/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Engine config.EngineConfig
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	engine config.EngineConfig

	memberrepo repository.Repository[circledomain.Member]
}

func NewService(p ServiceParam) rankingdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("ranking.service"),
		clock:  p.Clock,
		engine: p.Engine,

		memberrepo: repository.ProvideStore[circledomain.Member](p.DB),
	}
}

func (s *Service) Preview(ctx context.Context, circleID string) (rankingdomain.RankResult, error) {
	id, err := parseID(circleID)
	if err != nil {
		return rankingdomain.RankResult{}, err
	}

	_, members, err := s.load(ctx, s.db, id)
	if err != nil {
		return rankingdomain.RankResult{}, err
	}
	return s.compute(id, members), nil
}

func (s *Service) Rank(ctx context.Context, circleID string) (rankingdomain.RankResult, error) {
	id, err := parseID(circleID)
	if err != nil {
		return rankingdomain.RankResult{}, err
	}

	var result rankingdomain.RankResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, members, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		// The order freezes at activation; reruns before that are harmless
		// because the computation is deterministic over the same inputs.
		if circle.Status != circledomain.CircleStatusPending {
			return rankingdomain.ErrOrderFrozen
		}

		result = s.compute(id, members)
		return s.persist(ctx, tx, result)
	})
	if err != nil {
		return rankingdomain.RankResult{}, err
	}

	s.log.Info("payout order ranked",
		zap.String("circle_id", id.String()),
		zap.Int("members", len(result.Members)),
	)
	return result, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, circleID snowflake.ID) (*circledomain.Circle, []*circledomain.Member, error) {
	var circle circledomain.Circle
	query := `SELECT * FROM circles WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	if err := tx.WithContext(ctx).Raw(query, circleID).Scan(&circle).Error; err != nil {
		return nil, nil, err
	}
	if circle.ID == 0 {
		return nil, nil, circledomain.ErrNotFound
	}

	members, err := s.memberrepo.WithTrx(tx).Find(ctx, &circledomain.Member{CircleID: circleID, Active: true})
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, rankingdomain.ErrNoMembers
	}
	return &circle, members, nil
}

// compute scores every member, sorts descending and applies the risk cap:
// members at or above the risk threshold cannot hold the protected early
// slots and are pushed to the first position past them.
func (s *Service) compute(circleID snowflake.ID, members []*circledomain.Member) rankingdomain.RankResult {
	ranked := make([]rankingdomain.RankedMember, 0, len(members))
	joinedAt := make(map[snowflake.ID]int64, len(members))
	for _, m := range members {
		joinedAt[m.ID] = m.JoinedAt.UnixNano()
		ranked = append(ranked, s.scoreMember(m))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score == ranked[j].Score {
			// Earlier joiners win ties.
			if joinedAt[ranked[i].MemberID] == joinedAt[ranked[j].MemberID] {
				return ranked[i].MemberID < ranked[j].MemberID
			}
			return joinedAt[ranked[i].MemberID] < joinedAt[ranked[j].MemberID]
		}
		return ranked[i].Score > ranked[j].Score
	})

	ranked = s.applyRiskCap(ranked)
	for i := range ranked {
		ranked[i].Position = i + 1
	}
	return rankingdomain.RankResult{CircleID: circleID, Members: ranked}
}

func (s *Service) scoreMember(m *circledomain.Member) rankingdomain.RankedMember {
	pref := preferenceComponent(m.Preference)
	need := needComponent(m.Need)
	risk := riskOf(m)
	fair := clamp01(m.FairnessCarry)

	score := s.engine.WeightPreference*pref +
		s.engine.WeightNeed*need +
		s.engine.WeightRisk*(1-risk) +
		s.engine.WeightFairness*fair

	return rankingdomain.RankedMember{
		MemberID:   m.ID,
		Score:      round4(score),
		Preference: pref,
		Need:       need,
		Risk:       risk,
		Fairness:   fair,
		RiskCapped: risk >= s.engine.RiskCapThreshold,
	}
}

// applyRiskCap keeps high-risk members out of the earliest slots. The
// protected window is ceil(RiskCapRatio * N) positions; capped members slide
// past it in their original relative order.
func (s *Service) applyRiskCap(ranked []rankingdomain.RankedMember) []rankingdomain.RankedMember {
	n := len(ranked)
	window := int(math.Ceil(s.engine.RiskCapRatio * float64(n)))
	if window <= 0 || window >= n {
		return ranked
	}

	out := make([]rankingdomain.RankedMember, 0, n)
	var deferred []rankingdomain.RankedMember
	for _, r := range ranked {
		if len(out) < window && r.RiskCapped {
			deferred = append(deferred, r)
			continue
		}
		out = append(out, r)
		if len(out) == window {
			out = append(out, deferred...)
			deferred = nil
		}
	}
	// Every remaining member was capped; they fill the window anyway.
	out = append(out, deferred...)
	return out
}

func (s *Service) persist(ctx context.Context, tx *gorm.DB, result rankingdomain.RankResult) error {
	now := s.clock.Now()
	for _, r := range result.Members {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET position = NULL, updated_at = ? WHERE id = ?`,
			now, r.MemberID,
		).Error; err != nil {
			return err
		}
	}
	for _, r := range result.Members {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET position = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			r.Position, now, r.MemberID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func preferenceComponent(p circledomain.PositionPreference) float64 {
	switch p {
	case circledomain.PreferenceEarly:
		return 1
	case circledomain.PreferenceLate:
		return 0
	default:
		return 0.5
	}
}

func needComponent(n circledomain.NeedCategory) float64 {
	switch n {
	case circledomain.NeedEmergency:
		return 1
	case circledomain.NeedPlannedGoal:
		return 0.6
	case circledomain.NeedNone:
		return 0.2
	default:
		return 0
	}
}

// riskOf derives delinquency risk from the trust score, nudged upward by any
// unresolved defaults on record.
func riskOf(m *circledomain.Member) float64 {
	risk := 1 - clamp01(m.TrustScore)
	if m.UnresolvedDefault > 0 {
		risk += 0.2 * float64(m.UnresolvedDefault)
	}
	return clamp01(risk)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, circledomain.ErrInvalidID
	}
	return id, nil
}
