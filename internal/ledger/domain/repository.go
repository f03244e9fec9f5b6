package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/loyara/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, transaction *Transaction) error
	ExistsByRule(ctx context.Context, db *gorm.DB, customerID, ruleID string) (bool, error)
	// ListByCustomer returns the newest entries first, cursor paginated.
	ListByCustomer(ctx context.Context, db *gorm.DB, customerID string, page pagination.Pagination) ([]*Transaction, error)
	// ListByCustomerAsc returns the full log in applied order, for folds.
	ListByCustomerAsc(ctx context.Context, db *gorm.DB, customerID string) ([]*Transaction, error)
	// ExpiringCustomerIDs pages through customers holding earned entries whose
	// expiry passed the cutoff, ordered by customer ID for stable batching.
	ExpiringCustomerIDs(ctx context.Context, db *gorm.DB, cutoff time.Time, afterCustomerID string, limit int) ([]string, error)
}
