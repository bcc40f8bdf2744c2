package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	swapdomain "github.com/tandahq/rueda/internal/swap/domain"
	"github.com/tandahq/rueda/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Engine config.EngineConfig
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	engine config.EngineConfig

	memberrepo repository.Repository[circledomain.Member]
}

func NewService(p ServiceParam) swapdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("swap.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		engine: p.Engine,

		memberrepo: repository.ProvideStore[circledomain.Member](p.DB),
	}
}

func (s *Service) Execute(ctx context.Context, req swapdomain.SwapRequest) (swapdomain.SwapResult, error) {
	circleID, err := parseID(req.CircleID)
	if err != nil {
		return swapdomain.SwapResult{}, err
	}
	requesterID, err := parseID(req.RequesterID)
	if err != nil {
		return swapdomain.SwapResult{}, err
	}
	counterpartyID, err := parseID(req.CounterpartyID)
	if err != nil {
		return swapdomain.SwapResult{}, err
	}
	if requesterID == counterpartyID {
		return swapdomain.SwapResult{}, swapdomain.ErrSameMember
	}
	if !req.RequesterConsent || !req.CounterpartyConsent {
		return s.reject(ctx, circleID, requesterID, counterpartyID, 0, 0, swapdomain.ErrConsentRequired)
	}

	var result swapdomain.SwapResult
	var auditFrom, auditTo int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		requester, err := s.lockMember(ctx, tx, circleID, requesterID)
		if err != nil {
			return err
		}
		counterparty, err := s.lockMember(ctx, tx, circleID, counterpartyID)
		if err != nil {
			return err
		}
		if requester.Position == nil || counterparty.Position == nil {
			return swapdomain.ErrNoPosition
		}
		if requester.Version != req.RequesterVersion || counterparty.Version != req.CounterpartyVersion {
			return circledomain.ErrStaleVersion
		}

		fromPos, toPos := *requester.Position, *counterparty.Position
		auditFrom, auditTo = fromPos, toPos

		paid, err := s.positionPaidOut(ctx, tx, circleID, fromPos, toPos)
		if err != nil {
			return err
		}
		if paid {
			return swapdomain.ErrPositionPaidOut
		}

		if err := s.checkRiskCap(ctx, tx, circleID, requester, toPos, counterparty, fromPos); err != nil {
			return err
		}

		if err := s.exchange(ctx, tx, requester, counterparty, req); err != nil {
			return err
		}

		record := swapdomain.Swap{
			ID:             s.genID.Generate(),
			CircleID:       circleID,
			RequesterID:    requesterID,
			CounterpartyID: counterpartyID,
			FromPosition:   fromPos,
			ToPosition:     toPos,
			Status:         swapdomain.SwapCompleted,
			CreatedAt:      s.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}
		result = swapdomain.SwapResult{
			Swap:                 record,
			RequesterPosition:    toPos,
			CounterpartyPosition: fromPos,
		}
		return nil
	})
	if err != nil {
		if rejectable(err) {
			return s.reject(ctx, circleID, requesterID, counterpartyID, auditFrom, auditTo, err)
		}
		return swapdomain.SwapResult{}, err
	}

	s.log.Info("positions swapped",
		zap.String("circle_id", circleID.String()),
		zap.Int("from", result.CounterpartyPosition),
		zap.Int("to", result.RequesterPosition),
	)
	return result, nil
}

// exchange rewrites both positions in a NULL pass then a set pass so the
// unique (circle_id, position) index never sees a duplicate. The version
// predicates make the update a no-op under a concurrent change.
func (s *Service) exchange(ctx context.Context, tx *gorm.DB, a, b *circledomain.Member, req swapdomain.SwapRequest) error {
	now := s.clock.Now()
	posA, posB := *a.Position, *b.Position

	for _, m := range []*circledomain.Member{a, b} {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET position = NULL, updated_at = ? WHERE id = ?`,
			now, m.ID,
		).Error; err != nil {
			return err
		}
	}

	res := tx.WithContext(ctx).Exec(
		`UPDATE members SET position = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		posB, now, a.ID, req.RequesterVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return circledomain.ErrStaleVersion
	}

	res = tx.WithContext(ctx).Exec(
		`UPDATE members SET position = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		posA, now, b.ID, req.CounterpartyVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return circledomain.ErrStaleVersion
	}
	return nil
}

// positionPaidOut reports whether either position's cycle has settled or has
// a payout in flight. Past-recipient slots never move again.
func (s *Service) positionPaidOut(ctx context.Context, tx *gorm.DB, circleID snowflake.ID, positions ...int) (bool, error) {
	for _, pos := range positions {
		var settled int64
		err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM cycles WHERE circle_id = ? AND sequence = ? AND status <> ?`,
			circleID, pos, circledomain.CycleStatusOpen,
		).Scan(&settled).Error
		if err != nil {
			return false, err
		}
		if settled > 0 {
			return true, nil
		}

		var inFlight int64
		err = tx.WithContext(ctx).Raw(
			`SELECT COUNT(1)
			 FROM payouts p
			 JOIN cycles cy ON cy.id = p.cycle_id
			 WHERE cy.circle_id = ? AND cy.sequence = ? AND p.status IN (?, ?)`,
			circleID, pos, "processing", "completed",
		).Scan(&inFlight).Error
		if err != nil {
			return false, err
		}
		if inFlight > 0 {
			return true, nil
		}
	}
	return false, nil
}

// checkRiskCap re-applies the early-slot protection: a swap may not move a
// high-risk member into the protected window.
func (s *Service) checkRiskCap(ctx context.Context, tx *gorm.DB, circleID snowflake.ID, a *circledomain.Member, aTarget int, b *circledomain.Member, bTarget int) error {
	var total int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM members WHERE circle_id = ? AND active = ?`,
		circleID, true,
	).Scan(&total).Error
	if err != nil {
		return err
	}
	window := int(math.Ceil(s.engine.RiskCapRatio * float64(total)))
	if window <= 0 || window >= int(total) {
		return nil
	}

	for _, move := range []struct {
		member *circledomain.Member
		target int
	}{{a, aTarget}, {b, bTarget}} {
		if move.target > window {
			continue
		}
		risk := 1 - move.member.TrustScore
		if move.member.UnresolvedDefault > 0 {
			risk += 0.2 * float64(move.member.UnresolvedDefault)
		}
		if risk >= s.engine.RiskCapThreshold {
			return swapdomain.ErrRiskCapViolated
		}
	}
	return nil
}

// reject persists an audit row for a refused swap and returns the reason.
func (s *Service) reject(ctx context.Context, circleID, requesterID, counterpartyID snowflake.ID, from, to int, reason error) (swapdomain.SwapResult, error) {
	record := swapdomain.Swap{
		ID:             s.genID.Generate(),
		CircleID:       circleID,
		RequesterID:    requesterID,
		CounterpartyID: counterpartyID,
		FromPosition:   from,
		ToPosition:     to,
		Status:         swapdomain.SwapRejected,
		RejectReason:   reason.Error(),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.Warn("failed to record rejected swap", zap.Error(err))
	}
	return swapdomain.SwapResult{Swap: record}, reason
}

func rejectable(err error) bool {
	return errors.Is(err, swapdomain.ErrPositionPaidOut) ||
		errors.Is(err, swapdomain.ErrRiskCapViolated) ||
		errors.Is(err, swapdomain.ErrNoPosition)
}

func (s *Service) lockMember(ctx context.Context, tx *gorm.DB, circleID, memberID snowflake.ID) (*circledomain.Member, error) {
	query := `SELECT * FROM members WHERE id = ? AND circle_id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var member circledomain.Member
	if err := tx.WithContext(ctx).Raw(query, memberID, circleID).Scan(&member).Error; err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, circledomain.ErrMemberNotFound
	}
	return &member, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, circledomain.ErrInvalidID
	}
	return id, nil
}
