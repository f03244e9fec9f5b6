package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyara/internal/clock"
	"github.com/smallbiznis/loyara/internal/config"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/loyara/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/loyara/internal/observability/metrics"
	"github.com/smallbiznis/loyara/internal/points"
	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
	profilerepo "github.com/smallbiznis/loyara/internal/profile/repository"
	"github.com/smallbiznis/loyara/internal/tier"
	tierdomain "github.com/smallbiznis/loyara/internal/tier/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	svc         ledgerdomain.Service
	db          *gorm.DB
	clock       *clock.FakeClock
	genID       *snowflake.Node
	repo        ledgerdomain.Repository
	profileRepo profiledomain.Repository
	registry    *prometheus.Registry
	cfg         config.Config
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&profiledomain.Profile{}, &ledgerdomain.Transaction{}))
	return db
}

func newFixture(t *testing.T, defs []tierdomain.TierDefinition) *fixture {
	t.Helper()
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	if defs == nil {
		defs = tier.DefaultDefinitions()
	}
	cat, err := tier.NewCatalog(defs)
	require.NoError(t, err)

	cfg := config.Config{
		Loyalty: config.LoyaltyConfig{
			EarnUnitSize:  10,
			ExpiryWindow:  365 * 24 * time.Hour,
			ReferralBonus: 200,
			OccasionBonus: 100,
		},
	}
	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()

	f := &fixture{
		db:          db,
		clock:       fc,
		genID:       node,
		repo:        ledgerrepo.Provide(),
		profileRepo: profilerepo.Provide(),
		registry:    registry,
		cfg:         cfg,
	}
	f.svc = New(Params{
		DB:          db,
		Log:         zaptest.NewLogger(t),
		GenID:       node,
		Clock:       fc,
		Cfg:         cfg,
		Catalog:     cat,
		Evaluator:   tier.NewEvaluator(cat),
		Calculator:  points.NewCalculator(cfg),
		Repo:        f.repo,
		ProfileRepo: f.profileRepo,
		Metrics:     obsmetrics.NewWith(registry),
	})
	return f
}

func (f *fixture) seedProfile(t *testing.T, customerID string, mut ...func(*profiledomain.Profile)) *profiledomain.Profile {
	t.Helper()
	now := f.clock.Now()
	p := &profiledomain.Profile{
		ID:             f.genID.Generate(),
		CustomerID:     customerID,
		Name:           "Maya Chen",
		Email:          customerID + "@example.com",
		CurrentTier:    tierdomain.TierBronze,
		TierStartedAt:  now,
		TiersReached:   datatypes.JSONMap{"bronze": true},
		ReferralCode:   "MAY-" + customerID,
		Active:         true,
		EnrolledAt:     now,
		LastActivityAt: now,
		Metadata:       datatypes.JSONMap{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range mut {
		m(p)
	}
	require.NoError(t, f.profileRepo.Insert(context.Background(), f.db, p))
	return p
}

func (f *fixture) mustProfile(t *testing.T, customerID string) *profiledomain.Profile {
	t.Helper()
	p, err := f.profileRepo.FindByCustomerID(context.Background(), f.db, customerID)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func (f *fixture) log(t *testing.T, customerID string) []*ledgerdomain.Transaction {
	t.Helper()
	entries, err := f.repo.ListByCustomerAsc(context.Background(), f.db, customerID)
	require.NoError(t, err)
	return entries
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			for key, want := range labels {
				found := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == key && pair.GetValue() == want {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			return counterOrUntyped(m)
		}
	}
	return 0
}

func counterOrUntyped(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return m.GetUntyped().GetValue()
}

func TestEarnFromPurchaseAppliesTierMultiplier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1", func(p *profiledomain.Profile) {
		p.CurrentTier = tierdomain.TierGold
		p.TierQualifyingPoints = 8000
		p.TotalEarned = 8000
		p.CurrentBalance = 8000
		p.MarkTierReached(tierdomain.TierSilver)
		p.MarkTierReached(tierdomain.TierGold)
	})

	res, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{
		CustomerID: "cust-1",
		Amount:     1000,
		OrderID:    "order-77",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(120), res.Transaction.Points)
	assert.Equal(t, ledgerdomain.TransactionTypeEarned, res.Transaction.Type)
	assert.Equal(t, "order-77", res.Transaction.OrderID)
	assert.Equal(t, int64(8000), res.Transaction.BalanceBefore)
	assert.Equal(t, int64(8120), res.Transaction.BalanceAfter)
	require.NotNil(t, res.Transaction.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(365*24*time.Hour), res.Transaction.ExpiresAt.UTC())
	assert.Empty(t, res.Milestones)

	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(8120), stored.TotalEarned)
	assert.Equal(t, int64(8120), stored.CurrentBalance)
	assert.Equal(t, int64(8120), stored.TierQualifyingPoints)
	assert.Equal(t, int64(1000), stored.LifetimePurchaseValue)
	assert.Equal(t, int64(1), stored.Version)

	assert.Equal(t, 1.0, counterValue(t, f.registry, "loyara_ledger_transactions_total", map[string]string{"type": "earned"}))
}

func TestEarnBelowUnitCountsSpendOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	res, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 9})
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Transaction.Points)
	assert.Empty(t, f.log(t, "cust-1"))

	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(0), stored.CurrentBalance)
	assert.Equal(t, int64(9), stored.LifetimePurchaseValue)
	assert.Equal(t, int64(1), stored.Version)
}

func TestEarnValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-dormant", func(p *profiledomain.Profile) { p.Active = false })

	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 0})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "nobody", Amount: 100})
	assert.ErrorIs(t, err, ledgerdomain.ErrProfileNotFound)

	_, err = f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-dormant", Amount: 100})
	assert.ErrorIs(t, err, ledgerdomain.ErrProfileInactive)
}

// The materialized counters must always satisfy
// balance = earned - redeemed - expired + adjusted, and every log entry must
// chain off the previous entry's closing balance.
func TestBalanceIdentityAfterMixedSequence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CustomerID: "cust-1", Points: 50, Reason: "goodwill credit"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	redeemed, err := f.svc.Redeem(ctx, ledgerdomain.RedeemRequest{CustomerID: "cust-1", Points: 60})
	require.NoError(t, err)
	assert.Equal(t, int64(6), redeemed.Discount)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CustomerID: "cust-1", Points: -40, Reason: "fraud reversal"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Expire(ctx, ledgerdomain.ExpireRequest{CustomerID: "cust-1", Points: 10})
	require.NoError(t, err)

	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(100), stored.TotalEarned)
	assert.Equal(t, int64(60), stored.TotalRedeemed)
	assert.Equal(t, int64(10), stored.TotalExpired)
	assert.Equal(t, int64(10), stored.TotalAdjusted)
	assert.Equal(t, int64(40), stored.CurrentBalance)
	assert.Equal(t, stored.TotalEarned-stored.TotalRedeemed-stored.TotalExpired+stored.TotalAdjusted, stored.CurrentBalance)
	assert.Equal(t, int64(5), stored.Version)

	entries := f.log(t, "cust-1")
	require.Len(t, entries, 5)
	prev := int64(0)
	for _, entry := range entries {
		assert.Equal(t, prev, entry.BalanceBefore)
		assert.Equal(t, entry.BalanceBefore+entry.Points, entry.BalanceAfter)
		prev = entry.BalanceAfter
	}
	assert.Equal(t, int64(40), prev)
}

func TestRedeemInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1", func(p *profiledomain.Profile) {
		p.TotalEarned = 60
		p.TierQualifyingPoints = 60
		p.CurrentBalance = 60
	})

	_, err := f.svc.Redeem(ctx, ledgerdomain.RedeemRequest{CustomerID: "cust-1", Points: 100})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	assert.Empty(t, f.log(t, "cust-1"))
	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(60), stored.CurrentBalance)
	assert.Equal(t, int64(0), stored.Version)
}

func TestRedeemUsesCurrentTierRate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1", func(p *profiledomain.Profile) {
		p.CurrentTier = tierdomain.TierGold
		p.TierQualifyingPoints = 8000
		p.TotalEarned = 8000
		p.CurrentBalance = 500
		p.MarkTierReached(tierdomain.TierSilver)
		p.MarkTierReached(tierdomain.TierGold)
	})

	res, err := f.svc.Redeem(ctx, ledgerdomain.RedeemRequest{CustomerID: "cust-1", Points: 108, OrderID: "order-9"})
	require.NoError(t, err)

	// Gold redeems at 9 points per currency unit.
	assert.Equal(t, int64(12), res.Discount)
	assert.Equal(t, int64(-108), res.Transaction.Points)
	assert.Equal(t, int64(392), res.Profile.CurrentBalance)
	// Redemption never lowers the qualifying measure.
	assert.Equal(t, int64(8000), res.Profile.TierQualifyingPoints)
	assert.Equal(t, tierdomain.TierGold, res.Profile.CurrentTier)
}

func TestMilestoneBonusOnTierCrossing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	// 150000 currency -> 15000 points, straight from bronze to platinum.
	res, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 150000})
	require.NoError(t, err)

	require.Len(t, res.Milestones, 1)
	bonus := res.Milestones[0]
	assert.Equal(t, int64(500), bonus.Points)
	assert.Equal(t, "milestone:platinum", bonus.RuleID)
	assert.Equal(t, ledgerdomain.TransactionTypeEarned, bonus.Type)
	require.NotNil(t, bonus.ExpiresAt)

	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, tierdomain.TierPlatinum, stored.CurrentTier)
	assert.Equal(t, int64(15500), stored.CurrentBalance)
	assert.Equal(t, int64(15500), stored.TierQualifyingPoints)
	// Skipped tiers count as reached; their bonuses can never fire later.
	assert.True(t, stored.ReachedTier(tierdomain.TierSilver))
	assert.True(t, stored.ReachedTier(tierdomain.TierGold))
	assert.True(t, stored.ReachedTier(tierdomain.TierPlatinum))

	assert.Equal(t, 1.0, counterValue(t, f.registry, "loyara_ledger_milestone_bonuses_total", nil))
}

// A milestone bonus large enough to cross the next threshold triggers that
// tier's bonus in the same apply.
func TestMilestoneBonusCascades(t *testing.T) {
	one := decimal.NewFromInt(1)
	ten := decimal.NewFromInt(10)
	defs := []tierdomain.TierDefinition{
		{Tier: tierdomain.TierBronze, MinPoints: 0, Multiplier: one, RedeemRate: ten},
		{Tier: tierdomain.TierSilver, MinPoints: 100, Multiplier: one, RedeemRate: ten, MilestoneBonus: 1000},
		{Tier: tierdomain.TierGold, MinPoints: 1000, Multiplier: one, RedeemRate: ten, MilestoneBonus: 50},
	}
	f := newFixture(t, defs)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	res, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)

	require.Len(t, res.Milestones, 2)
	assert.Equal(t, "milestone:silver", res.Milestones[0].RuleID)
	assert.Equal(t, int64(1000), res.Milestones[0].Points)
	assert.Equal(t, "milestone:gold", res.Milestones[1].RuleID)
	assert.Equal(t, int64(50), res.Milestones[1].Points)

	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, tierdomain.TierGold, stored.CurrentTier)
	assert.Equal(t, int64(1150), stored.CurrentBalance)
}

func TestMilestoneBonusGrantedOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	// Profile migrated from another system: silver's bonus was already paid
	// there even though the local measure starts below the threshold.
	f.seedProfile(t, "cust-1", func(p *profiledomain.Profile) {
		p.MarkTierReached(tierdomain.TierSilver)
	})

	res, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 30000})
	require.NoError(t, err)

	assert.Empty(t, res.Milestones)
	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, tierdomain.TierSilver, stored.CurrentTier)
	assert.Equal(t, int64(3000), stored.CurrentBalance)
}

func TestExpireAppliesToInactiveProfiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1", func(p *profiledomain.Profile) {
		p.Active = false
		p.TotalEarned = 300
		p.TierQualifyingPoints = 300
		p.CurrentBalance = 300
	})

	res, err := f.svc.Expire(ctx, ledgerdomain.ExpireRequest{CustomerID: "cust-1", Points: 120})
	require.NoError(t, err)

	assert.Equal(t, int64(-120), res.Transaction.Points)
	assert.Equal(t, ledgerdomain.RuleExpirySweep, res.Transaction.RuleID)
	assert.Equal(t, int64(180), res.Profile.CurrentBalance)
	assert.Equal(t, int64(120), res.Profile.TotalExpired)
	// Expiry never lowers the qualifying measure.
	assert.Equal(t, int64(300), res.Profile.TierQualifyingPoints)
}

func TestExpireOutstandingWritesOffOnlyDueLots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	// Lot A is due a year from now; lot B six months later.
	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)
	f.clock.Advance(180 * 24 * time.Hour)
	_, err = f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, ledgerdomain.RedeemRequest{CustomerID: "cust-1", Points: 30})
	require.NoError(t, err)

	f.clock.Advance(186 * 24 * time.Hour)
	res, err := f.svc.ExpireOutstanding(ctx, ledgerdomain.ExpireOutstandingRequest{CustomerID: "cust-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(70), res.Outstanding)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(-70), res.Transaction.Points)
	assert.Equal(t, ledgerdomain.RuleExpirySweep, res.Transaction.RuleID)
	assert.Equal(t, int64(70), res.Profile.TotalExpired)
	// Lot B is untouched.
	assert.Equal(t, int64(100), res.Profile.CurrentBalance)

	again, err := f.svc.ExpireOutstanding(ctx, ledgerdomain.ExpireOutstandingRequest{CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Outstanding)
	assert.Nil(t, again.Transaction)
}

func TestExpireOutstandingSeesPriorRedemption(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)
	f.clock.Advance(180 * 24 * time.Hour)
	_, err = f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)

	// The redemption drains the lot that is about to come due, so once the
	// first lot's window passes there is nothing left to write off.
	f.clock.Advance(186 * 24 * time.Hour)
	_, err = f.svc.Redeem(ctx, ledgerdomain.RedeemRequest{CustomerID: "cust-1", Points: 100})
	require.NoError(t, err)

	res, err := f.svc.ExpireOutstanding(ctx, ledgerdomain.ExpireOutstandingRequest{CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Outstanding)
	assert.Nil(t, res.Transaction)

	entries := f.log(t, "cust-1")
	require.Len(t, entries, 3)
	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(0), stored.TotalExpired)
	assert.Equal(t, int64(100), stored.CurrentBalance)
	assert.Equal(t, int64(3), stored.Version)
}

func TestExpireOutstandingConflictRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)
	f.clock.Advance(366 * 24 * time.Hour)

	cat, err := tier.NewCatalog(tier.DefaultDefinitions())
	require.NoError(t, err)
	racing := New(Params{
		DB:          f.db,
		Log:         zaptest.NewLogger(t),
		GenID:       f.genID,
		Clock:       f.clock,
		Cfg:         f.cfg,
		Catalog:     cat,
		Evaluator:   tier.NewEvaluator(cat),
		Calculator:  points.NewCalculator(f.cfg),
		Repo:        f.repo,
		ProfileRepo: &raceProfileRepo{Repository: f.profileRepo},
		Metrics:     obsmetrics.NewWith(prometheus.NewRegistry()),
	})

	_, err = racing.ExpireOutstanding(ctx, ledgerdomain.ExpireOutstandingRequest{CustomerID: "cust-1"})
	assert.ErrorIs(t, err, ledgerdomain.ErrConcurrentUpdateConflict)

	// The write-off rolled back with the transaction.
	entries := f.log(t, "cust-1")
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeEarned, entries[0].Type)
	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(0), stored.TotalExpired)
	assert.Equal(t, int64(100), stored.CurrentBalance)
	assert.Equal(t, int64(1), stored.Version)
}

func TestAdjustDebitCannotOverdraw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1", func(p *profiledomain.Profile) {
		p.TotalEarned = 30
		p.TierQualifyingPoints = 30
		p.CurrentBalance = 30
	})

	_, err := f.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CustomerID: "cust-1", Points: -31, Reason: "chargeback"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	_, err = f.svc.Adjust(ctx, ledgerdomain.AdjustRequest{CustomerID: "cust-1", Points: 0})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPointsAmount)

	res, err := f.svc.Adjust(ctx, ledgerdomain.AdjustRequest{
		CustomerID: "cust-1",
		Points:     -30,
		Reason:     "chargeback",
		ActorID:    "support-42",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Profile.CurrentBalance)
	assert.Equal(t, "support-42", res.Transaction.ActorID)
}

func TestReferralCreditOncePerInvitee(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "inviter")

	first, err := f.svc.CreditReferral(ctx, ledgerdomain.ReferralRequest{InviterID: "inviter", InviteeID: "friend-1"})
	require.NoError(t, err)
	assert.True(t, first.Applied)
	require.NotNil(t, first.Transaction)
	assert.Equal(t, int64(200), first.Transaction.Points)
	assert.Equal(t, "referral:friend-1", first.Transaction.RuleID)
	assert.Equal(t, 1, first.Profile.ReferralCount)

	// A retried completion event must not double-credit.
	second, err := f.svc.CreditReferral(ctx, ledgerdomain.ReferralRequest{InviterID: "inviter", InviteeID: "friend-1"})
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Nil(t, second.Transaction)
	assert.Equal(t, 1, second.Profile.ReferralCount)
	assert.Equal(t, int64(200), second.Profile.CurrentBalance)

	third, err := f.svc.CreditReferral(ctx, ledgerdomain.ReferralRequest{InviterID: "inviter", InviteeID: "friend-2"})
	require.NoError(t, err)
	assert.True(t, third.Applied)
	assert.Equal(t, 2, third.Profile.ReferralCount)
}

func TestOccasionCreditOncePerYear(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	_, err := f.svc.CreditOccasion(ctx, ledgerdomain.OccasionRequest{CustomerID: "cust-1", Occasion: "graduation"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOccasion)

	first, err := f.svc.CreditOccasion(ctx, ledgerdomain.OccasionRequest{CustomerID: "cust-1", Occasion: "Birthday"})
	require.NoError(t, err)
	assert.True(t, first.Applied)
	require.NotNil(t, first.Transaction)
	assert.Equal(t, int64(100), first.Transaction.Points)
	assert.Equal(t, "occasion:birthday:2025", first.Transaction.RuleID)

	second, err := f.svc.CreditOccasion(ctx, ledgerdomain.OccasionRequest{CustomerID: "cust-1", Occasion: "birthday"})
	require.NoError(t, err)
	assert.False(t, second.Applied)

	// Next calendar year the credit applies again.
	f.clock.Advance(366 * 24 * time.Hour)
	third, err := f.svc.CreditOccasion(ctx, ledgerdomain.OccasionRequest{CustomerID: "cust-1", Occasion: "birthday"})
	require.NoError(t, err)
	assert.True(t, third.Applied)
	assert.Equal(t, "occasion:birthday:2026", third.Transaction.RuleID)
}

// raceProfileRepo simulates a writer landing between the service's profile
// read and its aggregate write by bumping the version right before the
// compare-and-set.
type raceProfileRepo struct {
	profiledomain.Repository
}

func (r *raceProfileRepo) UpdateAggregates(ctx context.Context, db *gorm.DB, profile *profiledomain.Profile, expectedVersion int64) (int64, error) {
	err := db.WithContext(ctx).Exec(
		`UPDATE loyalty_profiles SET version = version + 1 WHERE customer_id = ?`,
		profile.CustomerID,
	).Error
	if err != nil {
		return 0, err
	}
	return r.Repository.UpdateAggregates(ctx, db, profile, expectedVersion)
}

func TestConcurrentWriterForcesRollback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	cat, err := tier.NewCatalog(tier.DefaultDefinitions())
	require.NoError(t, err)
	racing := New(Params{
		DB:          f.db,
		Log:         zaptest.NewLogger(t),
		GenID:       f.genID,
		Clock:       f.clock,
		Cfg:         f.cfg,
		Catalog:     cat,
		Evaluator:   tier.NewEvaluator(cat),
		Calculator:  points.NewCalculator(f.cfg),
		Repo:        f.repo,
		ProfileRepo: &raceProfileRepo{Repository: f.profileRepo},
		Metrics:     obsmetrics.NewWith(prometheus.NewRegistry()),
	})

	_, err = racing.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	assert.ErrorIs(t, err, ledgerdomain.ErrConcurrentUpdateConflict)

	// The enclosing transaction rolled back: no log entry, no aggregate drift.
	assert.Empty(t, f.log(t, "cust-1"))
	stored := f.mustProfile(t, "cust-1")
	assert.Equal(t, int64(0), stored.CurrentBalance)
	assert.Equal(t, int64(0), stored.Version)
}

func TestListTransactionsPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	for i := 0; i < 5; i++ {
		_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{
			CustomerID: "cust-1",
			Amount:     100 * int64(i+1),
		})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	page1, err := f.svc.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{CustomerID: "cust-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1.Transactions, 2)
	assert.True(t, page1.HasMore)
	assert.Equal(t, int64(50), page1.Transactions[0].Points)
	assert.Equal(t, int64(40), page1.Transactions[1].Points)

	page2, err := f.svc.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{
		CustomerID: "cust-1",
		PageSize:   2,
		PageToken:  page1.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, page2.Transactions, 2)
	assert.Equal(t, int64(30), page2.Transactions[0].Points)
	assert.Equal(t, int64(20), page2.Transactions[1].Points)

	page3, err := f.svc.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{
		CustomerID: "cust-1",
		PageSize:   2,
		PageToken:  page2.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, page3.Transactions, 1)
	assert.False(t, page3.HasMore)
	assert.Equal(t, int64(10), page3.Transactions[0].Points)
}

func TestRebuildAggregatesRepairsDrift(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Redeem(ctx, ledgerdomain.RedeemRequest{CustomerID: "cust-1", Points: 30})
	require.NoError(t, err)

	// Corrupt the materialized counters behind the service's back.
	require.NoError(t, f.db.Exec(
		`UPDATE loyalty_profiles SET total_earned = 9999, current_balance = 1, current_tier = 'diamond' WHERE customer_id = ?`,
		"cust-1",
	).Error)

	res, err := f.svc.RebuildAggregates(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, int64(100), res.Profile.TotalEarned)
	assert.Equal(t, int64(30), res.Profile.TotalRedeemed)
	assert.Equal(t, int64(70), res.Profile.CurrentBalance)
	assert.Equal(t, int64(100), res.Profile.TierQualifyingPoints)
	assert.Equal(t, int64(1000), res.Profile.LifetimePurchaseValue)
	assert.Equal(t, tierdomain.TierBronze, res.Profile.CurrentTier)

	again, err := f.svc.RebuildAggregates(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestRebuildAggregatesRestoresMilestoneMarks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	// Crosses into silver and records the milestone marks.
	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 30000})
	require.NoError(t, err)
	require.True(t, f.mustProfile(t, "cust-1").ReachedTier(tierdomain.TierSilver))

	// Wipe the guard set while keeping a mark the log cannot explain.
	require.NoError(t, f.db.Exec(
		`UPDATE loyalty_profiles SET tiers_reached = '{"gold": true}' WHERE customer_id = ?`,
		"cust-1",
	).Error)

	res, err := f.svc.RebuildAggregates(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	// The marks implied by the log are back; the unexplained one survives.
	assert.True(t, res.Profile.ReachedTier(tierdomain.TierSilver))
	assert.True(t, res.Profile.ReachedTier(tierdomain.TierGold))

	// With the silver mark restored its bonus cannot fire a second time.
	_, err = f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 100})
	require.NoError(t, err)
	bonuses := 0
	for _, entry := range f.log(t, "cust-1") {
		if entry.RuleID == ledgerdomain.MilestoneRuleID(tierdomain.TierSilver) {
			bonuses++
		}
	}
	assert.Equal(t, 1, bonuses)

	again, err := f.svc.RebuildAggregates(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestRebuildAggregatesDetectsBrokenChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedProfile(t, "cust-1")

	_, err := f.svc.EarnFromPurchase(ctx, ledgerdomain.EarnRequest{CustomerID: "cust-1", Amount: 1000})
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(
		`UPDATE loyalty_transactions SET balance_after = balance_after + 5 WHERE customer_id = ?`,
		"cust-1",
	).Error)

	_, err = f.svc.RebuildAggregates(ctx, "cust-1")
	assert.ErrorIs(t, err, ledgerdomain.ErrCorruptLog)
}
