package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/loyara/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListProfileFilter struct {
	Tier         string
	Active       *bool
	EnrolledFrom *time.Time
	EnrolledTo   *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, profile *Profile) error
	FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Profile, error)
	FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*Profile, error)
	ReferralCodeExists(ctx context.Context, db *gorm.DB, code string) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListProfileFilter, page pagination.Pagination) ([]*Profile, error)
	// UpdateAggregates writes the profile's counters and tier state with a
	// compare-and-set on expectedVersion. A zero rows-affected result means
	// another writer won the race.
	UpdateAggregates(ctx context.Context, db *gorm.DB, profile *Profile, expectedVersion int64) (int64, error)
	SetActive(ctx context.Context, db *gorm.DB, customerID string, active bool, now time.Time) (int64, error)
}
