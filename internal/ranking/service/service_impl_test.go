package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	rankingdomain "github.com/tandahq/rueda/internal/ranking/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type rankingEnv struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  rankingdomain.Service
}

type memberSpec struct {
	preference circledomain.PositionPreference
	need       circledomain.NeedCategory
	trustScore float64
	fairness   float64
	unresolved int
}

func newRankingEnv(t *testing.T) *rankingEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&circledomain.Circle{}, &circledomain.Member{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)),
		Engine: config.EngineConfig{
			WeightPreference: 0.25,
			WeightNeed:       0.30,
			WeightRisk:       0.30,
			WeightFairness:   0.15,
			RiskCapThreshold: 0.7,
			RiskCapRatio:     0.20,
		},
	})

	return &rankingEnv{db: db, node: node, svc: svc}
}

func (e *rankingEnv) seedCircle(t *testing.T, status circledomain.CircleStatus, specs []memberSpec) (circledomain.Circle, []circledomain.Member) {
	t.Helper()

	circle := circledomain.Circle{
		ID:          e.node.Generate(),
		Name:        "ranked circle",
		AmountMinor: 10000,
		Frequency:   "monthly",
		Capacity:    len(specs),
		Status:      status,
	}
	require.NoError(t, e.db.Create(&circle).Error)

	joined := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	members := make([]circledomain.Member, 0, len(specs))
	for i, spec := range specs {
		member := circledomain.Member{
			ID:                e.node.Generate(),
			CircleID:          circle.ID,
			ProfileID:         e.node.Generate(),
			DisplayName:       fmt.Sprintf("member-%d", i+1),
			Role:              circledomain.RoleMember,
			TrustScore:        spec.trustScore,
			Preference:        spec.preference,
			Need:              spec.need,
			FairnessCarry:     spec.fairness,
			Standing:          circledomain.StandingGood,
			UnresolvedDefault: spec.unresolved,
			Active:            true,
			JoinedAt:          joined.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, e.db.Create(&member).Error)
		members = append(members, member)
	}
	return circle, members
}

func (e *rankingEnv) positions(t *testing.T, circleID snowflake.ID) map[snowflake.ID]*int {
	t.Helper()
	var rows []circledomain.Member
	require.NoError(t, e.db.Where("circle_id = ?", circleID).Find(&rows).Error)
	out := make(map[snowflake.ID]*int, len(rows))
	for _, row := range rows {
		out[row.ID] = row.Position
	}
	return out
}

func TestRankOrdersByWeightedScore(t *testing.T) {
	env := newRankingEnv(t)

	circle, members := env.seedCircle(t, circledomain.CircleStatusPending, []memberSpec{
		{preference: circledomain.PreferenceLate, need: circledomain.NeedNone, trustScore: 0.9},
		{preference: circledomain.PreferenceEarly, need: circledomain.NeedEmergency, trustScore: 0.9},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedPlannedGoal, trustScore: 0.9},
	})

	result, err := env.svc.Rank(context.Background(), circle.ID.String())
	require.NoError(t, err)
	require.Len(t, result.Members, 3)

	// Early preference plus emergency need dominates; late preference with no
	// declared need lands last.
	assert.Equal(t, members[1].ID, result.Members[0].MemberID)
	assert.Equal(t, members[2].ID, result.Members[1].MemberID)
	assert.Equal(t, members[0].ID, result.Members[2].MemberID)

	positions := env.positions(t, circle.ID)
	require.NotNil(t, positions[members[1].ID])
	assert.Equal(t, 1, *positions[members[1].ID])
	assert.Equal(t, 3, *positions[members[0].ID])

	// Re-ranking before activation is deterministic.
	again, err := env.svc.Rank(context.Background(), circle.ID.String())
	require.NoError(t, err)
	for i := range result.Members {
		assert.Equal(t, result.Members[i].MemberID, again.Members[i].MemberID)
		assert.Equal(t, result.Members[i].Score, again.Members[i].Score)
	}
}

func TestRankTieBreaksByJoinOrder(t *testing.T) {
	env := newRankingEnv(t)

	circle, members := env.seedCircle(t, circledomain.CircleStatusPending, []memberSpec{
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.5},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.5},
	})

	result, err := env.svc.Rank(context.Background(), circle.ID.String())
	require.NoError(t, err)
	assert.Equal(t, members[0].ID, result.Members[0].MemberID)
	assert.Equal(t, members[1].ID, result.Members[1].MemberID)
}

func TestRankRiskCapProtectsEarlySlots(t *testing.T) {
	env := newRankingEnv(t)

	specs := []memberSpec{
		// Highest raw score but far over the risk threshold.
		{preference: circledomain.PreferenceEarly, need: circledomain.NeedEmergency, trustScore: 0.1, fairness: 1},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.8},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.8},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.8},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.8},
	}
	circle, members := env.seedCircle(t, circledomain.CircleStatusPending, specs)

	result, err := env.svc.Rank(context.Background(), circle.ID.String())
	require.NoError(t, err)
	require.Len(t, result.Members, 5)

	// The protected window is ceil(0.2 * 5) = 1 position.
	assert.NotEqual(t, members[0].ID, result.Members[0].MemberID)
	assert.Equal(t, members[0].ID, result.Members[1].MemberID)
	assert.True(t, result.Members[1].RiskCapped)
}

func TestRankFrozenAfterActivation(t *testing.T) {
	env := newRankingEnv(t)

	circle, _ := env.seedCircle(t, circledomain.CircleStatusActive, []memberSpec{
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.5},
		{preference: circledomain.PreferenceNone, need: circledomain.NeedUndeclared, trustScore: 0.5},
	})

	_, err := env.svc.Rank(context.Background(), circle.ID.String())
	assert.ErrorIs(t, err, rankingdomain.ErrOrderFrozen)

	// Preview still works on an active circle.
	result, err := env.svc.Preview(context.Background(), circle.ID.String())
	require.NoError(t, err)
	assert.Len(t, result.Members, 2)

	positions := env.positions(t, circle.ID)
	for _, position := range positions {
		assert.Nil(t, position)
	}
}

func TestRankRequiresMembers(t *testing.T) {
	env := newRankingEnv(t)
	circle, _ := env.seedCircle(t, circledomain.CircleStatusPending, nil)

	_, err := env.svc.Rank(context.Background(), circle.ID.String())
	assert.ErrorIs(t, err, rankingdomain.ErrNoMembers)

	_, err = env.svc.Rank(context.Background(), "garbage")
	assert.ErrorIs(t, err, circledomain.ErrInvalidID)
}
