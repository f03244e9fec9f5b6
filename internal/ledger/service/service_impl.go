package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyara/internal/clock"
	"github.com/smallbiznis/loyara/internal/config"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/loyara/internal/observability/metrics"
	"github.com/smallbiznis/loyara/internal/points"
	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
	"github.com/smallbiznis/loyara/internal/tier"
	"github.com/smallbiznis/loyara/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Catalog     *tier.Catalog
	Evaluator   *tier.Evaluator
	Calculator  *points.Calculator
	Repo        ledgerdomain.Repository
	ProfileRepo profiledomain.Repository
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	loyaltyCfg  config.LoyaltyConfig
	catalog     *tier.Catalog
	evaluator   *tier.Evaluator
	calculator  *points.Calculator
	repo        ledgerdomain.Repository
	profileRepo profiledomain.Repository
	metrics     *obsmetrics.Metrics
}

func New(p Params) ledgerdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		loyaltyCfg:  p.Cfg.Loyalty,
		catalog:     p.Catalog,
		evaluator:   p.Evaluator,
		calculator:  p.Calculator,
		repo:        p.Repo,
		profileRepo: p.ProfileRepo,
		metrics:     p.Metrics,
	}
}

// apply carries one in-flight mutation of a single customer's ledger. All
// appends chain off the profile snapshot read at the start of the enclosing
// database transaction; the final aggregate write is a compare-and-set on the
// profile version, so a concurrent writer forces a full rollback.
type apply struct {
	profile         *profiledomain.Profile
	expectedVersion int64
	now             time.Time
	appended        []ledgerdomain.Transaction
}

func (s *Service) begin(ctx context.Context, tx *gorm.DB, customerID string, requireActive bool) (*apply, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, ledgerdomain.ErrProfileNotFound
	}

	profile, err := s.profileRepo.FindByCustomerID(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ledgerdomain.ErrProfileNotFound
	}
	if requireActive && !profile.Active {
		return nil, ledgerdomain.ErrProfileInactive
	}

	return &apply{
		profile:         profile,
		expectedVersion: profile.Version,
		now:             s.clock.Now(),
	}, nil
}

// append chains one transaction onto the customer's log and folds it into the
// in-memory profile aggregates. delta is already signed.
func (s *Service) append(ctx context.Context, tx *gorm.DB, st *apply, entry ledgerdomain.Transaction) (ledgerdomain.Transaction, error) {
	p := st.profile

	entry.ID = s.genID.Generate()
	entry.CustomerID = p.CustomerID
	entry.BalanceBefore = p.CurrentBalance
	entry.BalanceAfter = p.CurrentBalance + entry.Points
	entry.CreatedAt = st.now

	if entry.BalanceAfter < 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInsufficientBalance
	}

	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		return ledgerdomain.Transaction{}, err
	}

	switch entry.Type {
	case ledgerdomain.TransactionTypeEarned:
		p.TotalEarned += entry.Points
		p.TierQualifyingPoints += entry.Points
	case ledgerdomain.TransactionTypeRedeemed:
		p.TotalRedeemed += -entry.Points
	case ledgerdomain.TransactionTypeExpired:
		p.TotalExpired += -entry.Points
	case ledgerdomain.TransactionTypeAdjusted:
		p.TotalAdjusted += entry.Points
	}
	p.CurrentBalance = entry.BalanceAfter
	p.LastActivityAt = st.now

	st.appended = append(st.appended, entry)
	return entry, nil
}

// settleTier re-evaluates the profile's tier and appends any milestone bonus
// an upward crossing implies. A bonus is itself an earned entry, so it can
// cascade across the next threshold; the loop is bounded by the catalog size.
// TiersReached guards each tier's bonus: oscillating across a threshold can
// never award it twice.
func (s *Service) settleTier(ctx context.Context, tx *gorm.DB, st *apply) error {
	p := st.profile
	for range s.catalog.Definitions() {
		def, crossedUp := s.evaluator.Evaluate(p.CurrentTier, p.TierQualifyingPoints)
		if def.Tier == p.CurrentTier {
			return nil
		}

		p.CurrentTier = def.Tier
		if !crossedUp {
			// Downward movement just reflects the new tier.
			return nil
		}
		p.TierStartedAt = st.now

		alreadyReached := p.ReachedTier(def.Tier)
		s.markTiersReached(p)
		if alreadyReached || def.MilestoneBonus <= 0 {
			return nil
		}

		expiresAt := st.now.Add(s.loyaltyCfg.ExpiryWindow)
		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:      ledgerdomain.TransactionTypeEarned,
			Points:    def.MilestoneBonus,
			Reason:    "milestone bonus for reaching " + string(def.Tier),
			RuleID:    ledgerdomain.MilestoneRuleID(def.Tier),
			ExpiresAt: &expiresAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

// markTiersReached records every tier whose threshold the qualifying measure
// has passed, including tiers skipped by a single large earn.
func (s *Service) markTiersReached(p *profiledomain.Profile) {
	for _, def := range s.catalog.Definitions() {
		if def.MinPoints <= p.TierQualifyingPoints {
			p.MarkTierReached(def.Tier)
		}
	}
}

// commit writes the folded aggregates with the version compare-and-set.
func (s *Service) commit(ctx context.Context, tx *gorm.DB, st *apply) error {
	rows, err := s.profileRepo.UpdateAggregates(ctx, tx, st.profile, st.expectedVersion)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ledgerdomain.ErrConcurrentUpdateConflict
	}
	st.profile.Version = st.expectedVersion + 1
	return nil
}

func (s *Service) record(st *apply, err error) {
	if st == nil {
		return
	}
	if err != nil {
		if err == ledgerdomain.ErrConcurrentUpdateConflict {
			s.metrics.IncConflict()
		}
		return
	}
	for _, entry := range st.appended {
		s.metrics.IncTransaction(string(entry.Type))
		if ledgerdomain.IsMilestoneRule(entry.RuleID) {
			s.metrics.IncMilestoneBonus()
		}
	}
}

func (s *Service) EarnFromPurchase(ctx context.Context, req ledgerdomain.EarnRequest) (ledgerdomain.EarnResult, error) {
	if req.Amount <= 0 {
		return ledgerdomain.EarnResult{}, ledgerdomain.ErrInvalidAmount
	}

	var st *apply
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.begin(ctx, tx, req.CustomerID, true)
		if err != nil {
			return err
		}

		def, err := s.catalog.Definition(st.profile.CurrentTier)
		if err != nil {
			return err
		}
		earned := s.calculator.Earned(req.Amount, def)
		if earned <= 0 {
			// Purchase below the earn unit: count the spend, nothing to post.
			st.profile.LifetimePurchaseValue += req.Amount
			return s.commit(ctx, tx, st)
		}

		expiresAt := st.now.Add(s.loyaltyCfg.ExpiryWindow)
		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:      ledgerdomain.TransactionTypeEarned,
			Points:    earned,
			Reason:    "points earned on purchase",
			OrderID:   req.OrderID,
			Amount:    req.Amount,
			ExpiresAt: &expiresAt,
		}); err != nil {
			return err
		}
		st.profile.LifetimePurchaseValue += req.Amount

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.EarnResult{}, err
	}

	result := ledgerdomain.EarnResult{Profile: *st.profile}
	if len(st.appended) > 0 {
		result.Transaction = st.appended[0]
		result.Milestones = st.appended[1:]
	}
	return result, nil
}

func (s *Service) Redeem(ctx context.Context, req ledgerdomain.RedeemRequest) (ledgerdomain.RedeemResult, error) {
	if req.Points <= 0 {
		return ledgerdomain.RedeemResult{}, ledgerdomain.ErrInvalidPointsAmount
	}

	var st *apply
	var discount int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.begin(ctx, tx, req.CustomerID, true)
		if err != nil {
			return err
		}
		if req.Points > st.profile.CurrentBalance {
			return ledgerdomain.ErrInsufficientBalance
		}

		def, err := s.catalog.Definition(st.profile.CurrentTier)
		if err != nil {
			return err
		}
		discount = s.calculator.DiscountFor(req.Points, def)

		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:    ledgerdomain.TransactionTypeRedeemed,
			Points:  -req.Points,
			Reason:  "points redeemed for discount",
			OrderID: req.OrderID,
		}); err != nil {
			return err
		}

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.RedeemResult{}, err
	}

	return ledgerdomain.RedeemResult{
		Profile:     *st.profile,
		Transaction: st.appended[0],
		Discount:    discount,
	}, nil
}

func (s *Service) Expire(ctx context.Context, req ledgerdomain.ExpireRequest) (ledgerdomain.ExpireResult, error) {
	if req.Points <= 0 {
		return ledgerdomain.ExpireResult{}, ledgerdomain.ErrInvalidPointsAmount
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "points expired"
	}

	var st *apply
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		// Expiry applies to inactive profiles too; history is never exempt.
		st, err = s.begin(ctx, tx, req.CustomerID, false)
		if err != nil {
			return err
		}
		if req.Points > st.profile.CurrentBalance {
			return ledgerdomain.ErrInsufficientBalance
		}

		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:   ledgerdomain.TransactionTypeExpired,
			Points: -req.Points,
			Reason: reason,
			RuleID: ledgerdomain.RuleExpirySweep,
		}); err != nil {
			return err
		}

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.ExpireResult{}, err
	}

	return ledgerdomain.ExpireResult{
		Profile:     *st.profile,
		Transaction: st.appended[0],
	}, nil
}

// ExpireOutstanding computes the customer's FIFO-outstanding expired amount
// and writes it off in one apply. The log fold runs inside the same database
// transaction as the version compare-and-set, so a redemption committing after
// the fold rolls the whole write-off back instead of expiring a stale amount.
func (s *Service) ExpireOutstanding(ctx context.Context, req ledgerdomain.ExpireOutstandingRequest) (ledgerdomain.ExpireOutstandingResult, error) {
	var st *apply
	var outstanding int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		// Expiry applies to inactive profiles too; history is never exempt.
		st, err = s.begin(ctx, tx, req.CustomerID, false)
		if err != nil {
			return err
		}

		cutoff := req.Now
		if cutoff.IsZero() {
			cutoff = st.now
		}

		log, err := s.repo.ListByCustomerAsc(ctx, tx, st.profile.CustomerID)
		if err != nil {
			return err
		}
		outstanding = ledgerdomain.OutstandingExpiredPoints(log, cutoff)
		if outstanding <= 0 {
			return nil
		}

		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:   ledgerdomain.TransactionTypeExpired,
			Points: -outstanding,
			Reason: "points expired after earning window",
			RuleID: ledgerdomain.RuleExpirySweep,
		}); err != nil {
			return err
		}

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.ExpireOutstandingResult{}, err
	}

	result := ledgerdomain.ExpireOutstandingResult{
		Outstanding: outstanding,
		Profile:     *st.profile,
	}
	if len(st.appended) > 0 {
		result.Transaction = &st.appended[0]
	}
	return result, nil
}

func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (ledgerdomain.AdjustResult, error) {
	if req.Points == 0 {
		return ledgerdomain.AdjustResult{}, ledgerdomain.ErrInvalidPointsAmount
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "administrative adjustment"
	}

	var st *apply
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.begin(ctx, tx, req.CustomerID, false)
		if err != nil {
			return err
		}
		if req.Points < 0 && -req.Points > st.profile.CurrentBalance {
			return ledgerdomain.ErrInsufficientBalance
		}

		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:    ledgerdomain.TransactionTypeAdjusted,
			Points:  req.Points,
			Reason:  reason,
			ActorID: strings.TrimSpace(req.ActorID),
		}); err != nil {
			return err
		}

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.AdjustResult{}, err
	}

	return ledgerdomain.AdjustResult{
		Profile:     *st.profile,
		Transaction: st.appended[0],
	}, nil
}

func (s *Service) CreditReferral(ctx context.Context, req ledgerdomain.ReferralRequest) (ledgerdomain.ReferralResult, error) {
	inviteeID := strings.TrimSpace(req.InviteeID)
	if inviteeID == "" {
		return ledgerdomain.ReferralResult{}, ledgerdomain.ErrProfileNotFound
	}
	ruleID := ledgerdomain.ReferralRuleID(inviteeID)

	var st *apply
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.begin(ctx, tx, req.InviterID, true)
		if err != nil {
			return err
		}

		exists, err := s.repo.ExistsByRule(ctx, tx, st.profile.CustomerID, ruleID)
		if err != nil {
			return err
		}
		if exists {
			// Each invitee credits the inviter at most once.
			return nil
		}
		applied = true

		expiresAt := st.now.Add(s.loyaltyCfg.ExpiryWindow)
		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:      ledgerdomain.TransactionTypeEarned,
			Points:    s.loyaltyCfg.ReferralBonus,
			Reason:    "referral bonus",
			RuleID:    ruleID,
			ExpiresAt: &expiresAt,
		}); err != nil {
			return err
		}
		st.profile.ReferralCount++

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.ReferralResult{}, err
	}

	result := ledgerdomain.ReferralResult{Applied: applied, Profile: *st.profile}
	if applied {
		result.Transaction = &st.appended[0]
	}
	return result, nil
}

func (s *Service) CreditOccasion(ctx context.Context, req ledgerdomain.OccasionRequest) (ledgerdomain.OccasionResult, error) {
	occasion := strings.ToLower(strings.TrimSpace(req.Occasion))
	switch occasion {
	case ledgerdomain.OccasionBirthday, ledgerdomain.OccasionAnniversary:
	default:
		return ledgerdomain.OccasionResult{}, ledgerdomain.ErrInvalidOccasion
	}

	var st *apply
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.begin(ctx, tx, req.CustomerID, true)
		if err != nil {
			return err
		}

		ruleID := ledgerdomain.OccasionRuleID(occasion, st.now.Year())
		exists, err := s.repo.ExistsByRule(ctx, tx, st.profile.CustomerID, ruleID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		applied = true

		expiresAt := st.now.Add(s.loyaltyCfg.ExpiryWindow)
		if _, err := s.append(ctx, tx, st, ledgerdomain.Transaction{
			Type:      ledgerdomain.TransactionTypeEarned,
			Points:    s.loyaltyCfg.OccasionBonus,
			Reason:    occasion + " bonus",
			RuleID:    ruleID,
			ExpiresAt: &expiresAt,
		}); err != nil {
			return err
		}

		if err := s.settleTier(ctx, tx, st); err != nil {
			return err
		}
		return s.commit(ctx, tx, st)
	})
	s.record(st, err)
	if err != nil {
		return ledgerdomain.OccasionResult{}, err
	}

	result := ledgerdomain.OccasionResult{Applied: applied, Profile: *st.profile}
	if applied {
		result.Transaction = &st.appended[0]
	}
	return result, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrProfileNotFound
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.ListByCustomer(ctx, s.db, customerID, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(entry *ledgerdomain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        entry.ID.String(),
			CreatedAt: entry.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	transactions := make([]ledgerdomain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	resp := ledgerdomain.ListTransactionsResponse{Transactions: transactions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) RebuildAggregates(ctx context.Context, customerID string) (ledgerdomain.RebuildResult, error) {
	var result ledgerdomain.RebuildResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := s.begin(ctx, tx, customerID, false)
		if err != nil {
			return err
		}
		p := st.profile

		log, err := s.repo.ListByCustomerAsc(ctx, tx, p.CustomerID)
		if err != nil {
			return err
		}

		var earned, redeemed, expired, adjusted, balance, lifetime int64
		referrals := 0
		prevAfter := int64(0)
		for _, entry := range log {
			if entry.BalanceBefore != prevAfter || entry.BalanceAfter != entry.BalanceBefore+entry.Points {
				return ledgerdomain.ErrCorruptLog
			}
			prevAfter = entry.BalanceAfter

			switch entry.Type {
			case ledgerdomain.TransactionTypeEarned:
				earned += entry.Points
				lifetime += entry.Amount
				if strings.HasPrefix(entry.RuleID, "referral:") {
					referrals++
				}
			case ledgerdomain.TransactionTypeRedeemed:
				redeemed += -entry.Points
			case ledgerdomain.TransactionTypeExpired:
				expired += -entry.Points
			case ledgerdomain.TransactionTypeAdjusted:
				adjusted += entry.Points
			}
			balance = entry.BalanceAfter
		}

		// Purchases below the earn unit add to lifetime spend without posting
		// an entry, so the stored value is kept when it is not smaller.
		if p.LifetimePurchaseValue > lifetime {
			lifetime = p.LifetimePurchaseValue
		}

		rebuilt := *p
		rebuilt.TotalEarned = earned
		rebuilt.TotalRedeemed = redeemed
		rebuilt.TotalExpired = expired
		rebuilt.TotalAdjusted = adjusted
		rebuilt.CurrentBalance = balance
		rebuilt.TierQualifyingPoints = earned
		rebuilt.LifetimePurchaseValue = lifetime
		rebuilt.ReferralCount = referrals
		rebuilt.CurrentTier = s.catalog.TierFor(earned).Tier

		// The refolded qualifying measure implies which bonus-bearing tiers
		// must already be in the milestone guard set. A missing mark would let
		// that tier's bonus fire a second time, so it counts as drift too.
		// Marks the log cannot explain (granted elsewhere) are kept as they are.
		missingMark := false
		for _, def := range s.catalog.Definitions() {
			if def.MilestoneBonus > 0 && def.MinPoints <= earned && !p.ReachedTier(def.Tier) {
				missingMark = true
				break
			}
		}

		changed := missingMark ||
			rebuilt.TotalEarned != p.TotalEarned ||
			rebuilt.TotalRedeemed != p.TotalRedeemed ||
			rebuilt.TotalExpired != p.TotalExpired ||
			rebuilt.TotalAdjusted != p.TotalAdjusted ||
			rebuilt.CurrentBalance != p.CurrentBalance ||
			rebuilt.TierQualifyingPoints != p.TierQualifyingPoints ||
			rebuilt.LifetimePurchaseValue != p.LifetimePurchaseValue ||
			rebuilt.ReferralCount != p.ReferralCount ||
			rebuilt.CurrentTier != p.CurrentTier

		if changed {
			*p = rebuilt
			s.markTiersReached(p)
			if err := s.commit(ctx, tx, st); err != nil {
				return err
			}
			s.log.Warn("profile aggregates rebuilt from log",
				zap.String("customer_id", p.CustomerID),
			)
		}

		result = ledgerdomain.RebuildResult{Profile: *p, Changed: changed}
		return nil
	})
	if err != nil {
		return ledgerdomain.RebuildResult{}, err
	}
	return result, nil
}
