package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConcurrentTransition is returned when the guarded UPDATE matched no row,
// i.e. the status changed between read and write.
var ErrConcurrentTransition = errors.New("abandoned process changed concurrently")

const cleanupBatchSize = 500

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// AbandonedProcessStore persists tracking records in MySQL.
type AbandonedProcessStore struct {
	DB *gorm.DB
}

func NewAbandonedProcessStore(db *gorm.DB) *AbandonedProcessStore {
	return &AbandonedProcessStore{DB: db}
}

func (s *AbandonedProcessStore) HasActive(ctx context.Context, processType ProcessType, entityId int) (bool, error) {
	var count int64
	if err := s.DB.WithContext(ctx).Model(&AbandonedProcess{}).
		Where("active_key = ?", ActiveKeyFor(processType, entityId)).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateDetected inserts rec unless an active record already holds its active
// key. The unique index makes check-and-insert a single statement: a duplicate
// key error means another scan got there first and is reported as created=false.
func (s *AbandonedProcessStore) CreateDetected(ctx context.Context, rec *AbandonedProcess) (bool, error) {
	if rec.ActiveKey == nil {
		key := ActiveKeyFor(rec.ProcessType, rec.EntityId)
		rec.ActiveKey = &key
	}
	err := s.DB.WithContext(ctx).Create(rec).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKeyErr(err) {
		return false, nil
	}
	return false, err
}

func (s *AbandonedProcessStore) Get(ctx context.Context, id int) (*AbandonedProcess, error) {
	var rec AbandonedProcess
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Transition locks the row, lets apply mutate it and writes the lifecycle
// columns back with a status guard. Errors from apply abort the transaction
// untouched.
func (s *AbandonedProcessStore) Transition(ctx context.Context, id int, apply func(rec *AbandonedProcess) error) (*AbandonedProcess, error) {
	var out AbandonedProcess
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec AbandonedProcess
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		observed := rec.Status
		if err := apply(&rec); err != nil {
			return err
		}
		res := tx.Model(&AbandonedProcess{}).
			Where("id = ? AND status = ?", id, observed).
			Updates(map[string]interface{}{
				"status":            rec.Status,
				"last_notified_at":  rec.LastNotifiedAt,
				"resolved_at":       rec.ResolvedAt,
				"resolution_action": rec.ResolutionAction,
				"active_key":        rec.ActiveKey,
				"updated_at":        rec.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentTransition
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *AbandonedProcessStore) List(ctx context.Context, filter AbandonedFilter) ([]*AbandonedProcess, int64, error) {
	q := s.DB.WithContext(ctx).Model(&AbandonedProcess{})
	if filter.ProcessType != "" {
		q = q.Where("process_type = ?", filter.ProcessType)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []*AbandonedProcess
	if err := q.Order("detected_at DESC").Order("id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (s *AbandonedProcessStore) CountResolvedBefore(ctx context.Context, processType ProcessType, cutoff time.Time) (int64, error) {
	var count int64
	if err := s.DB.WithContext(ctx).Model(&AbandonedProcess{}).
		Where("process_type = ? AND status = ? AND resolved_at < ?", processType, AbandonedStatusResolved, cutoff).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteResolvedBefore removes resolved rows older than cutoff in batches. Each
// batch is selected FOR UPDATE so it cannot interleave with a transition, and
// beforeDelete (optional) runs inside the batch transaction; its error aborts
// the batch. Returns the ids removed.
func (s *AbandonedProcessStore) DeleteResolvedBefore(ctx context.Context, processType ProcessType, cutoff time.Time, beforeDelete func(batch []*AbandonedProcess) error) ([]int, error) {
	var deleted []int
	for {
		var batch []*AbandonedProcess
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("process_type = ? AND status = ? AND resolved_at < ?", processType, AbandonedStatusResolved, cutoff).
				Order("id ASC").
				Limit(cleanupBatchSize).
				Find(&batch).Error; err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			if beforeDelete != nil {
				if err := beforeDelete(batch); err != nil {
					return err
				}
			}
			ids := make([]int, 0, len(batch))
			for _, rec := range batch {
				ids = append(ids, rec.ID)
			}
			if err := tx.Where("id IN ? AND status = ?", ids, AbandonedStatusResolved).
				Delete(&AbandonedProcess{}).Error; err != nil {
				return fmt.Errorf("delete batch: %w", err)
			}
			deleted = append(deleted, ids...)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		if len(batch) < cleanupBatchSize {
			return deleted, nil
		}
	}
}
