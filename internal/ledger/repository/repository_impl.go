package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/smallbiznis/loyara/internal/ledger/domain"
	"github.com/smallbiznis/loyara/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, transaction *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO loyalty_transactions (
			id, customer_id, type, points, reason, rule_id, order_id, amount,
			balance_before, balance_after, expires_at, actor_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID,
		transaction.CustomerID,
		transaction.Type,
		transaction.Points,
		transaction.Reason,
		transaction.RuleID,
		transaction.OrderID,
		transaction.Amount,
		transaction.BalanceBefore,
		transaction.BalanceAfter,
		transaction.ExpiresAt,
		transaction.ActorID,
		transaction.CreatedAt,
	).Error
}

func (r *repo) ExistsByRule(ctx context.Context, db *gorm.DB, customerID, ruleID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("customer_id = ? AND rule_id = ?", customerID, ruleID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, customerID string, page pagination.Pagination) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("customer_id = ?", customerID)
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
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *repo) ListByCustomerAsc(ctx context.Context, db *gorm.DB, customerID string) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	err := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("customer_id = ?", customerID).
		Order("created_at asc, id asc").
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *repo) ExpiringCustomerIDs(ctx context.Context, db *gorm.DB, cutoff time.Time, afterCustomerID string, limit int) ([]string, error) {
	var customerIDs []string
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Distinct("customer_id").
		Where("type = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.TransactionTypeEarned, cutoff)
	if afterCustomerID != "" {
		stmt = stmt.Where("customer_id > ?", afterCustomerID)
	}
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.
		Order("customer_id asc").
		Pluck("customer_id", &customerIDs).Error
	if err != nil {
		return nil, err
	}
	return customerIDs, nil
}
