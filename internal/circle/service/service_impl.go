package service

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/internal/calendar"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	"github.com/tandahq/rueda/pkg/db/pagination"
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
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	ledgerSvc  ledgerdomain.Service
	circlerepo repository.Repository[circledomain.Circle]
	memberrepo repository.Repository[circledomain.Member]
	cyclerepo  repository.Repository[circledomain.Cycle]
}

func NewService(p ServiceParam) circledomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("circle.service"),
		genID: p.GenID,
		clock: p.Clock,

		ledgerSvc:  p.LedgerSvc,
		circlerepo: repository.ProvideStore[circledomain.Circle](p.DB),
		memberrepo: repository.ProvideStore[circledomain.Member](p.DB),
		cyclerepo:  repository.ProvideStore[circledomain.Cycle](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req circledomain.CreateCircleRequest) (circledomain.Circle, error) {
	if req.AmountMinor <= 0 {
		return circledomain.Circle{}, circledomain.ErrInvalidAmount
	}
	if req.Capacity < 2 {
		return circledomain.Circle{}, circledomain.ErrInvalidCapacity
	}
	frequency, err := calendar.ParseFrequency(req.Frequency)
	if err != nil {
		return circledomain.Circle{}, err
	}

	rotation := req.RotationMethod
	if rotation == "" {
		rotation = circledomain.RotationScoreBased
	}
	graceDays := req.GraceDays
	if graceDays < 0 {
		graceDays = 0
	}

	now := s.clock.Now()
	circle := circledomain.Circle{
		ID:             s.genID.Generate(),
		Name:           strings.TrimSpace(req.Name),
		AmountMinor:    req.AmountMinor,
		Frequency:      frequency,
		Capacity:       req.Capacity,
		RotationMethod: rotation,
		GraceDays:      graceDays,
		Status:         circledomain.CircleStatusPending,
		StartAt:        req.StartAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.circlerepo.WithTrx(tx).Create(ctx, &circle); err != nil {
			return err
		}

		creatorProfile, err := parseID(req.CreatorProfile)
		if err != nil {
			return err
		}
		creator := circledomain.Member{
			ID:          s.genID.Generate(),
			CircleID:    circle.ID,
			ProfileID:   creatorProfile,
			DisplayName: strings.TrimSpace(req.CreatorName),
			Role:        circledomain.RoleCreator,
			TrustScore:  0.5,
			Preference:  circledomain.PreferenceNone,
			Need:        circledomain.NeedUndeclared,
			Standing:    circledomain.StandingGood,
			Active:      true,
			JoinedAt:    now,
		}
		return s.memberrepo.WithTrx(tx).Create(ctx, &creator)
	})
	if err != nil {
		return circledomain.Circle{}, err
	}

	if err := s.ledgerSvc.EnsureAccounts(ctx, circle.ID); err != nil {
		return circledomain.Circle{}, err
	}

	s.log.Info("circle created",
		zap.String("circle_id", circle.ID.String()),
		zap.String("frequency", string(frequency)),
		zap.Int64("amount_minor", circle.AmountMinor),
	)
	return circle, nil
}

func (s *Service) GetByID(ctx context.Context, circleID string) (circledomain.Circle, error) {
	id, err := parseID(circleID)
	if err != nil {
		return circledomain.Circle{}, err
	}
	circle, err := s.circlerepo.FindOne(ctx, &circledomain.Circle{ID: id})
	if err != nil {
		return circledomain.Circle{}, err
	}
	if circle == nil {
		return circledomain.Circle{}, circledomain.ErrNotFound
	}
	return *circle, nil
}

func (s *Service) List(ctx context.Context, req circledomain.ListCircleRequest) (circledomain.ListCircleResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	query := s.db.WithContext(ctx).Model(&circledomain.Circle{}).Order("id ASC").Limit(pageSize + 1)
	if req.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(strings.TrimSpace(req.Status)))
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return circledomain.ListCircleResponse{}, err
		}
		query = query.Where("id > ?", cursor.ID)
	}

	var circles []*circledomain.Circle
	if err := query.Find(&circles).Error; err != nil {
		return circledomain.ListCircleResponse{}, err
	}

	info, circles := pagination.BuildCursorPageInfo(circles, pageSize, func(c *circledomain.Circle) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: c.ID.String()})
		return token
	})

	resp := circledomain.ListCircleResponse{PageInfo: *info}
	for _, c := range circles {
		resp.Circles = append(resp.Circles, *c)
	}
	return resp, nil
}

func (s *Service) Join(ctx context.Context, req circledomain.JoinCircleRequest) (circledomain.Member, error) {
	circleID, err := parseID(req.CircleID)
	if err != nil {
		return circledomain.Member{}, err
	}
	profileID, err := parseID(req.ProfileID)
	if err != nil {
		return circledomain.Member{}, err
	}

	var member circledomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := s.lockCircle(ctx, tx, circleID)
		if err != nil {
			return err
		}
		if circle.Status != circledomain.CircleStatusPending {
			return circledomain.ErrInvalidStatus
		}

		count, err := s.memberrepo.WithTrx(tx).Count(ctx, &circledomain.Member{CircleID: circleID})
		if err != nil {
			return err
		}
		if int(count) >= circle.Capacity {
			return circledomain.ErrCircleFull
		}

		preference := req.Preference
		if preference == "" {
			preference = circledomain.PreferenceNone
		}
		need := req.Need
		if need == "" {
			need = circledomain.NeedUndeclared
		}

		member = circledomain.Member{
			ID:          s.genID.Generate(),
			CircleID:    circleID,
			ProfileID:   profileID,
			DisplayName: strings.TrimSpace(req.DisplayName),
			Role:        circledomain.RoleMember,
			TrustScore:  req.TrustScore,
			Preference:  preference,
			Need:        need,
			Standing:    circledomain.StandingGood,
			Active:      true,
			JoinedAt:    s.clock.Now(),
		}
		if req.VouchedBy != nil {
			voucherID, err := parseID(*req.VouchedBy)
			if err != nil {
				return err
			}
			member.VouchedByID = &voucherID
		}
		return s.memberrepo.WithTrx(tx).Create(ctx, &member)
	})
	if err != nil {
		return circledomain.Member{}, err
	}
	return member, nil
}

func (s *Service) Activate(ctx context.Context, circleID string) (circledomain.Circle, error) {
	id, err := parseID(circleID)
	if err != nil {
		return circledomain.Circle{}, err
	}

	var activated circledomain.Circle
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := s.lockCircle(ctx, tx, id)
		if err != nil {
			return err
		}
		if circle.Status != circledomain.CircleStatusPending {
			return circledomain.ErrInvalidStatus
		}

		members, err := s.memberrepo.WithTrx(tx).Find(ctx, &circledomain.Member{CircleID: id, Active: true})
		if err != nil {
			return err
		}

		switch circle.RotationMethod {
		case circledomain.RotationSequential:
			if err := s.assignSequential(ctx, tx, members); err != nil {
				return err
			}
		case circledomain.RotationRandom:
			if err := s.assignRandom(ctx, tx, circle.ID, members); err != nil {
				return err
			}
		default:
			// score_based, need_based and auction orders are assigned before
			// activation; refuse to freeze an incomplete order.
			for _, m := range members {
				if m.Position == nil {
					return circledomain.ErrRankingIncomplete
				}
			}
		}

		now := s.clock.Now()
		start := circle.StartAt
		if start == nil {
			start = &now
		}
		circle.Status = circledomain.CircleStatusActive
		circle.ActivatedAt = &now
		circle.StartAt = start
		circle.UpdatedAt = now

		if err := tx.WithContext(ctx).Exec(
			`UPDATE circles SET status = ?, activated_at = ?, start_at = ?, updated_at = ? WHERE id = ?`,
			circle.Status, circle.ActivatedAt, circle.StartAt, circle.UpdatedAt, circle.ID,
		).Error; err != nil {
			return err
		}
		activated = *circle
		return nil
	})
	if err != nil {
		return circledomain.Circle{}, err
	}

	if _, err := s.ScheduleDueDates(ctx, circleID); err != nil {
		return circledomain.Circle{}, err
	}
	return activated, nil
}

func (s *Service) Transition(ctx context.Context, circleID string, target circledomain.CircleStatus) (circledomain.Circle, error) {
	id, err := parseID(circleID)
	if err != nil {
		return circledomain.Circle{}, err
	}

	var updated circledomain.Circle
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := s.lockCircle(ctx, tx, id)
		if err != nil {
			return err
		}
		if !allowedTransition(circle.Status, target) {
			return circledomain.ErrInvalidStatus
		}

		now := s.clock.Now()
		circle.Status = target
		circle.UpdatedAt = now
		if target == circledomain.CircleStatusCompleted {
			circle.CompletedAt = &now
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE circles SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			circle.Status, circle.CompletedAt, circle.UpdatedAt, circle.ID,
		).Error; err != nil {
			return err
		}
		updated = *circle
		return nil
	})
	if err != nil {
		return circledomain.Circle{}, err
	}
	return updated, nil
}

func (s *Service) UpdateTerms(ctx context.Context, circleID string, amountMinor int64, frequency string) (circledomain.Circle, error) {
	id, err := parseID(circleID)
	if err != nil {
		return circledomain.Circle{}, err
	}
	if amountMinor <= 0 {
		return circledomain.Circle{}, circledomain.ErrInvalidAmount
	}
	parsed, err := calendar.ParseFrequency(frequency)
	if err != nil {
		return circledomain.Circle{}, err
	}

	var updated circledomain.Circle
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := s.lockCircle(ctx, tx, id)
		if err != nil {
			return err
		}

		collected, err := s.countCollectedContributions(ctx, tx, id)
		if err != nil {
			return err
		}
		if collected > 0 {
			return circledomain.ErrTermsLocked
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE circles SET amount_minor = ?, frequency = ?, updated_at = ? WHERE id = ?`,
			amountMinor, parsed, now, id,
		).Error; err != nil {
			return err
		}
		circle.AmountMinor = amountMinor
		circle.Frequency = parsed
		circle.UpdatedAt = now
		updated = *circle
		return nil
	})
	if err != nil {
		return circledomain.Circle{}, err
	}
	return updated, nil
}

func (s *Service) ScheduleDueDates(ctx context.Context, circleID string) (circledomain.ScheduleResult, error) {
	id, err := parseID(circleID)
	if err != nil {
		return circledomain.ScheduleResult{}, err
	}

	result := circledomain.ScheduleResult{CircleID: id}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := s.lockCircle(ctx, tx, id)
		if err != nil {
			return err
		}
		if circle.StartAt == nil {
			return circledomain.ErrMissingStartDate
		}

		total := circle.Capacity
		if circle.Frequency == calendar.FrequencyOneTime {
			total = 1
		}

		members, err := s.memberrepo.WithTrx(tx).Find(ctx, &circledomain.Member{CircleID: id, Active: true})
		if err != nil {
			return err
		}
		byPosition := make(map[int]*circledomain.Member, len(members))
		for _, m := range members {
			if m.Position != nil {
				byPosition[*m.Position] = m
			}
		}

		existing, err := s.cyclerepo.WithTrx(tx).Find(ctx, &circledomain.Cycle{CircleID: id})
		if err != nil {
			return err
		}
		have := make(map[int]bool, len(existing))
		for _, c := range existing {
			have[c.Sequence] = true
			result.Cycles = append(result.Cycles, *c)
		}

		now := s.clock.Now()
		for seq := 1; seq <= total; seq++ {
			if have[seq] {
				continue
			}
			dueAt, err := calendar.Add(*circle.StartAt, circle.Frequency, seq)
			if err != nil {
				return err
			}
			cycle := circledomain.Cycle{
				ID:        s.genID.Generate(),
				CircleID:  id,
				Sequence:  seq,
				DueAt:     dueAt,
				Status:    circledomain.CycleStatusOpen,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if recipient, ok := byPosition[seq]; ok {
				cycle.RecipientID = recipient.ID
			}
			if err := s.cyclerepo.WithTrx(tx).Create(ctx, &cycle); err != nil {
				return err
			}
			result.Generated++
			result.Cycles = append(result.Cycles, cycle)
		}
		return nil
	})
	if err != nil {
		return circledomain.ScheduleResult{}, err
	}
	return result, nil
}

func (s *Service) ResolveRecipient(ctx context.Context, circleID string, sequence int) (circledomain.Member, error) {
	id, err := parseID(circleID)
	if err != nil {
		return circledomain.Member{}, err
	}

	var recipient circledomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.cyclerepo.WithTrx(tx).FindOne(ctx, &circledomain.Cycle{CircleID: id, Sequence: sequence})
		if err != nil {
			return err
		}
		if cycle == nil {
			return circledomain.ErrCycleNotFound
		}

		member, err := s.memberrepo.WithTrx(tx).FindOne(ctx, &circledomain.Member{CircleID: id, Position: &sequence})
		if err != nil {
			return err
		}
		if member == nil {
			return circledomain.ErrRecipientUnresolved
		}

		if cycle.RecipientID != 0 && cycle.RecipientID != member.ID {
			// Recipient is frozen once any contribution exists for the cycle.
			collected, err := s.countCycleContributions(ctx, tx, cycle.ID)
			if err != nil {
				return err
			}
			if collected > 0 {
				return circledomain.ErrRecipientLocked
			}
		}

		if cycle.RecipientID != member.ID {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE cycles SET recipient_id = ?, updated_at = ? WHERE id = ?`,
				member.ID, s.clock.Now(), cycle.ID,
			).Error; err != nil {
				return err
			}
		}
		recipient = *member
		return nil
	})
	if err != nil {
		return circledomain.Member{}, err
	}
	return recipient, nil
}

func (s *Service) Members(ctx context.Context, circleID string) ([]circledomain.Member, error) {
	id, err := parseID(circleID)
	if err != nil {
		return nil, err
	}
	rows, err := s.memberrepo.Find(ctx, &circledomain.Member{CircleID: id})
	if err != nil {
		return nil, err
	}
	members := make([]circledomain.Member, 0, len(rows))
	for _, row := range rows {
		members = append(members, *row)
	}
	return members, nil
}

func (s *Service) Cycles(ctx context.Context, circleID string) ([]circledomain.Cycle, error) {
	id, err := parseID(circleID)
	if err != nil {
		return nil, err
	}
	var rows []circledomain.Cycle
	err = s.db.WithContext(ctx).
		Where("circle_id = ?", id).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) assignSequential(ctx context.Context, tx *gorm.DB, members []*circledomain.Member) error {
	ordered := make([]*circledomain.Member, len(members))
	copy(ordered, members)
	sortMembersByJoin(ordered)
	return s.persistPositions(ctx, tx, ordered)
}

func (s *Service) assignRandom(ctx context.Context, tx *gorm.DB, circleID snowflake.ID, members []*circledomain.Member) error {
	ordered := make([]*circledomain.Member, len(members))
	copy(ordered, members)
	sortMembersByJoin(ordered)
	// Seeded by circle ID so a retried activation produces the same order.
	rng := rand.New(rand.NewSource(int64(circleID)))
	rng.Shuffle(len(ordered), func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})
	return s.persistPositions(ctx, tx, ordered)
}

func (s *Service) persistPositions(ctx context.Context, tx *gorm.DB, ordered []*circledomain.Member) error {
	now := s.clock.Now()
	// Two passes keep the unique (circle_id, position) index satisfied while
	// rewriting an existing order.
	for _, m := range ordered {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET position = NULL, updated_at = ? WHERE id = ?`,
			now, m.ID,
		).Error; err != nil {
			return err
		}
	}
	for i, m := range ordered {
		position := i + 1
		if err := tx.WithContext(ctx).Exec(
			`UPDATE members SET position = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			position, now, m.ID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) lockCircle(ctx context.Context, tx *gorm.DB, circleID snowflake.ID) (*circledomain.Circle, error) {
	query := `SELECT * FROM circles WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var circle circledomain.Circle
	if err := tx.WithContext(ctx).Raw(query, circleID).Scan(&circle).Error; err != nil {
		return nil, err
	}
	if circle.ID == 0 {
		return nil, circledomain.ErrNotFound
	}
	return &circle, nil
}

func (s *Service) countCollectedContributions(ctx context.Context, tx *gorm.DB, circleID snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM contributions co
		 JOIN cycles cy ON cy.id = co.cycle_id
		 WHERE cy.circle_id = ? AND co.status <> ?`,
		circleID,
		"pending",
	).Scan(&count).Error
	return count, err
}

func (s *Service) countCycleContributions(ctx context.Context, tx *gorm.DB, cycleID snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM contributions WHERE cycle_id = ?`,
		cycleID,
	).Scan(&count).Error
	return count, err
}

func allowedTransition(from, to circledomain.CircleStatus) bool {
	switch from {
	case circledomain.CircleStatusPending:
		return to == circledomain.CircleStatusActive || to == circledomain.CircleStatusClosed
	case circledomain.CircleStatusActive:
		return to == circledomain.CircleStatusPaused || to == circledomain.CircleStatusCompleted || to == circledomain.CircleStatusClosed
	case circledomain.CircleStatusPaused:
		return to == circledomain.CircleStatusActive || to == circledomain.CircleStatusClosed
	default:
		return false
	}
}

func sortMembersByJoin(members []*circledomain.Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, circledomain.ErrInvalidID
	}
	return id, nil
}
