package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/loyara/pkg/db/pagination"
)

type EnrollRequest struct {
	CustomerID string
	Name       string
	Email      string
}

type GetProfileRequest struct {
	CustomerID string
}

type ListProfileRequest struct {
	PageToken    string
	PageSize     int32
	Tier         string
	Active       *bool
	EnrolledFrom *time.Time
	EnrolledTo   *time.Time
}

type ListProfileResponse struct {
	pagination.PageInfo
	Profiles []Profile `json:"profiles"`
}

type NextTierResponse struct {
	CurrentTier      string `json:"current_tier"`
	QualifyingPoints int64  `json:"qualifying_points"`
	NextTier         string `json:"next_tier,omitempty"`
	PointsNeeded     int64  `json:"points_needed"`
	AtTopTier        bool   `json:"at_top_tier"`
}

type Service interface {
	Enroll(context.Context, EnrollRequest) (Profile, error)
	Get(context.Context, GetProfileRequest) (Profile, error)
	GetByReferralCode(ctx context.Context, code string) (Profile, error)
	List(context.Context, ListProfileRequest) (ListProfileResponse, error)
	NextTier(context.Context, GetProfileRequest) (NextTierResponse, error)
	Deactivate(context.Context, GetProfileRequest) error
	Reactivate(context.Context, GetProfileRequest) error
}

var (
	ErrInvalidCustomerID = errors.New("invalid_customer_id")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidEmail      = errors.New("invalid_email")
	ErrAlreadyEnrolled   = errors.New("already_enrolled")
	ErrNotFound          = errors.New("not_found")
)
