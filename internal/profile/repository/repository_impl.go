package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/smallbiznis/loyara/internal/profile/domain"
	"github.com/smallbiznis/loyara/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	return db.WithContext(ctx).Create(profile).Error
}

func (r *repo) FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Take(&profile).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (r *repo) FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).
		Where("referral_code = ?", code).
		Take(&profile).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (r *repo) ReferralCodeExists(ctx context.Context, db *gorm.DB, code string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Profile{}).
		Where("referral_code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListProfileFilter, page pagination.Pagination) ([]*domain.Profile, error) {
	var profiles []*domain.Profile
	stmt := db.WithContext(ctx).Model(&domain.Profile{})
	if filter.Tier != "" {
		stmt = stmt.Where("current_tier = ?", filter.Tier)
	}
	if filter.Active != nil {
		stmt = stmt.Where("active = ?", *filter.Active)
	}
	if filter.EnrolledFrom != nil {
		stmt = stmt.Where("enrolled_at >= ?", *filter.EnrolledFrom)
	}
	if filter.EnrolledTo != nil {
		stmt = stmt.Where("enrolled_at <= ?", *filter.EnrolledTo)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err == nil {
			// Bind typed values so the comparison works the same on every dialect.
			createdAt, tErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			id, idErr := strconv.ParseInt(cursor.ID, 10, 64)
			if tErr == nil && idErr == nil {
				stmt = stmt.Where("created_at < ? OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
			}
		}
	}
	if page.PageSize > 0 {
		stmt = stmt.Limit(page.PageSize + 1)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Find(&profiles).Error
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

func (r *repo) UpdateAggregates(ctx context.Context, db *gorm.DB, profile *domain.Profile, expectedVersion int64) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE loyalty_profiles SET
			total_earned = ?,
			total_redeemed = ?,
			total_expired = ?,
			total_adjusted = ?,
			current_balance = ?,
			tier_qualifying_points = ?,
			current_tier = ?,
			tier_started_at = ?,
			tiers_reached = ?,
			lifetime_purchase_value = ?,
			referral_count = ?,
			last_activity_at = ?,
			version = version + 1,
			updated_at = ?
		 WHERE customer_id = ? AND version = ?`,
		profile.TotalEarned,
		profile.TotalRedeemed,
		profile.TotalExpired,
		profile.TotalAdjusted,
		profile.CurrentBalance,
		profile.TierQualifyingPoints,
		profile.CurrentTier,
		profile.TierStartedAt,
		profile.TiersReached,
		profile.LifetimePurchaseValue,
		profile.ReferralCount,
		profile.LastActivityAt,
		time.Now().UTC(),
		profile.CustomerID,
		expectedVersion,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, customerID string, active bool, now time.Time) (int64, error) {
	// Bumping the version makes an activation flip visible to any ledger
	// apply that loaded the profile before the flip landed.
	result := db.WithContext(ctx).Exec(
		`UPDATE loyalty_profiles SET active = ?, version = version + 1, updated_at = ? WHERE customer_id = ?`,
		active,
		now,
		customerID,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
