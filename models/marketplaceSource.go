package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MarketplaceSource answers "rows whose status is in S and whose created_at is
// older than cutoff" for every monitored table.
type MarketplaceSource struct {
	DB *gorm.DB
}

func NewMarketplaceSource(db *gorm.DB) *MarketplaceSource {
	return &MarketplaceSource{DB: db}
}

type tabler interface {
	TableName() string
}

// findStale returns rows past the cutoff with entities that have no active
// tracking record first. Tracked entities stay stale until the business row
// moves on, so with plain id order a full page of them would hide every newer
// candidate behind the row cap.
func findStale[T tabler](ctx context.Context, db *gorm.DB, processType ProcessType, statuses []string, cutoff time.Time, limit int) ([]T, error) {
	var model T
	table := model.TableName()
	q := db.WithContext(ctx).Model(&model).Where(table+".created_at < ?", cutoff)
	if len(statuses) > 0 {
		q = q.Where(table+".status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	q = q.Order(clause.OrderBy{Expression: clause.Expr{
		SQL: "EXISTS (SELECT 1 FROM " + abandonedProcessTable + " ap WHERE ap.active_key = CONCAT(?, ':', " + table + ".id)) ASC, " +
			table + ".id ASC",
		Vars:               []any{string(processType)},
		WithoutParentheses: true,
	}})
	var rows []T
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *MarketplaceSource) StaleOrders(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]Order, error) {
	return findStale[Order](ctx, s.DB, ProcessTypeOrder, statuses, cutoff, limit)
}

func (s *MarketplaceSource) StaleDeliveryTasks(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]DeliveryTask, error) {
	return findStale[DeliveryTask](ctx, s.DB, ProcessTypeDeliveryTask, statuses, cutoff, limit)
}

func (s *MarketplaceSource) StaleTransactions(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]Transaction, error) {
	return findStale[Transaction](ctx, s.DB, ProcessTypeTransaction, statuses, cutoff, limit)
}

func (s *MarketplaceSource) StaleActivityLogs(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]ActivityLog, error) {
	return findStale[ActivityLog](ctx, s.DB, ProcessTypeActivityLog, statuses, cutoff, limit)
}
