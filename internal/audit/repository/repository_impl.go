package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/fiscal/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert is append-only; audit rows are never updated.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	var logs []*domain.AuditLog
	err := db.WithContext(ctx).
		Scopes(
			matchText("action", filter.Action),
			matchText("target_type", filter.TargetType),
			matchText("target_id", filter.TargetID),
			before(filter.BeforeID.Int64()),
		).
		Where("org_id = ?", filter.OrgID).
		Order("id desc").
		Limit(fetchLimit(filter.Limit)).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func matchText(column, value string) func(*gorm.DB) *gorm.DB {
	value = strings.TrimSpace(value)
	return func(tx *gorm.DB) *gorm.DB {
		if value == "" {
			return tx
		}
		return tx.Where(column+" = ?", value)
	}
}

// before pages backwards over snowflake ids, which grow with time.
func before(id int64) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if id == 0 {
			return tx
		}
		return tx.Where("id < ?", id)
	}
}

// fetchLimit reads one extra row so the caller can tell whether another page exists.
func fetchLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit + 1
}
