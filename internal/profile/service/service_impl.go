package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyara/internal/clock"
	"github.com/smallbiznis/loyara/internal/profile/domain"
	"github.com/smallbiznis/loyara/internal/referral"
	"github.com/smallbiznis/loyara/internal/tier"
	"github.com/smallbiznis/loyara/pkg/db"
	"github.com/smallbiznis/loyara/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Catalog *tier.Catalog
	Repo    domain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	catalog *tier.Catalog
	repo    domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("profile.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		catalog: p.Catalog,
		repo:    p.Repo,
	}
}

func (s *Service) Enroll(ctx context.Context, req domain.EnrollRequest) (domain.Profile, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.Profile{}, domain.ErrInvalidCustomerID
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Profile{}, domain.ErrInvalidName
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Profile{}, domain.ErrInvalidEmail
	}

	existing, err := s.repo.FindByCustomerID(ctx, s.db, customerID)
	if err != nil {
		return domain.Profile{}, err
	}
	if existing != nil {
		return domain.Profile{}, domain.ErrAlreadyEnrolled
	}

	code, err := referral.AssignCode(ctx, name, customerID, func(ctx context.Context, candidate string) (bool, error) {
		return s.repo.ReferralCodeExists(ctx, s.db, candidate)
	})
	if err != nil {
		return domain.Profile{}, err
	}

	base := s.catalog.TierFor(0)
	now := s.clock.Now()
	profile := domain.Profile{
		ID:             s.genID.Generate(),
		CustomerID:     customerID,
		Name:           name,
		Email:          email,
		CurrentTier:    base.Tier,
		TierStartedAt:  now,
		TiersReached:   datatypes.JSONMap{},
		ReferralCode:   code,
		Active:         true,
		EnrolledAt:     now,
		LastActivityAt: now,
		Metadata:       datatypes.JSONMap{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, &profile); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Profile{}, domain.ErrAlreadyEnrolled
		}
		return domain.Profile{}, err
	}

	s.log.Info("profile enrolled",
		zap.String("customer_id", customerID),
		zap.String("referral_code", code),
	)

	return profile, nil
}

func (s *Service) Get(ctx context.Context, req domain.GetProfileRequest) (domain.Profile, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.Profile{}, domain.ErrInvalidCustomerID
	}

	profile, err := s.repo.FindByCustomerID(ctx, s.db, customerID)
	if err != nil {
		return domain.Profile{}, err
	}
	if profile == nil {
		return domain.Profile{}, domain.ErrNotFound
	}
	return *profile, nil
}

func (s *Service) GetByReferralCode(ctx context.Context, code string) (domain.Profile, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Profile{}, domain.ErrNotFound
	}

	profile, err := s.repo.FindByReferralCode(ctx, s.db, code)
	if err != nil {
		return domain.Profile{}, err
	}
	if profile == nil {
		return domain.Profile{}, domain.ErrNotFound
	}
	return *profile, nil
}

func (s *Service) List(ctx context.Context, req domain.ListProfileRequest) (domain.ListProfileResponse, error) {
	filter := domain.ListProfileFilter{
		Tier:         strings.TrimSpace(req.Tier),
		Active:       req.Active,
		EnrolledFrom: req.EnrolledFrom,
		EnrolledTo:   req.EnrolledTo,
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.List(ctx, s.db, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListProfileResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(profile *domain.Profile) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        profile.ID.String(),
			CreatedAt: profile.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	profiles := make([]domain.Profile, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		profiles = append(profiles, *item)
	}

	resp := domain.ListProfileResponse{Profiles: profiles}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}

	return resp, nil
}

func (s *Service) NextTier(ctx context.Context, req domain.GetProfileRequest) (domain.NextTierResponse, error) {
	profile, err := s.Get(ctx, req)
	if err != nil {
		return domain.NextTierResponse{}, err
	}

	resp := domain.NextTierResponse{
		CurrentTier:      string(profile.CurrentTier),
		QualifyingPoints: profile.TierQualifyingPoints,
	}

	next, needed := s.catalog.NextTier(profile.CurrentTier, profile.TierQualifyingPoints)
	if next == nil {
		resp.AtTopTier = true
		return resp, nil
	}
	resp.NextTier = string(next.Tier)
	resp.PointsNeeded = needed
	return resp, nil
}

func (s *Service) Deactivate(ctx context.Context, req domain.GetProfileRequest) error {
	return s.setActive(ctx, req, false)
}

func (s *Service) Reactivate(ctx context.Context, req domain.GetProfileRequest) error {
	return s.setActive(ctx, req, true)
}

func (s *Service) setActive(ctx context.Context, req domain.GetProfileRequest, active bool) error {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.ErrInvalidCustomerID
	}

	rows, err := s.repo.SetActive(ctx, s.db, customerID, active, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	s.log.Info("profile active flag updated",
		zap.String("customer_id", customerID),
		zap.Bool("active", active),
	)
	return nil
}
