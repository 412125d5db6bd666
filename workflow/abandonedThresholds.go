package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

// DefaultPhoneRegion is used to normalize driver numbers stored without a
// country prefix.
var DefaultPhoneRegion = "MM"

// Candidate is one stale row found by a rule. Snapshot is only called when a
// tracking record is about to be written or reported.
type Candidate struct {
	EntityId int
	Snapshot func(now time.Time) models.ProcessMetadata
}

type CollectFunc func(ctx context.Context, src StaleEntitySource, statuses []string, cutoff time.Time, limit int) ([]Candidate, error)

// ThresholdRule declares when an entity of one process type counts as abandoned:
// its status is in Statuses (any status when empty) and it is older than Threshold.
type ThresholdRule struct {
	ProcessType models.ProcessType
	Statuses    []string
	Threshold   time.Duration
	Collect     CollectFunc
}

type ThresholdRegistry struct {
	order []models.ProcessType
	rules map[models.ProcessType]ThresholdRule
}

func NewThresholdRegistry(rules ...ThresholdRule) *ThresholdRegistry {
	r := &ThresholdRegistry{rules: make(map[models.ProcessType]ThresholdRule, len(rules))}
	for _, rule := range rules {
		if _, dup := r.rules[rule.ProcessType]; !dup {
			r.order = append(r.order, rule.ProcessType)
		}
		r.rules[rule.ProcessType] = rule
	}
	return r
}

func DefaultThresholdRegistry() *ThresholdRegistry {
	return NewThresholdRegistry(
		ThresholdRule{
			ProcessType: models.ProcessTypeOrder,
			Statuses:    []string{models.OrderStatusPending, models.OrderStatusPaymentReceived},
			Threshold:   24 * time.Hour,
			Collect:     collectOrders,
		},
		ThresholdRule{
			ProcessType: models.ProcessTypeDeliveryTask,
			Statuses:    []string{models.DeliveryTaskStatusAssigned, models.DeliveryTaskStatusPickedUp},
			Threshold:   48 * time.Hour,
			Collect:     collectDeliveryTasks,
		},
		ThresholdRule{
			ProcessType: models.ProcessTypeTransaction,
			Statuses:    []string{models.TransactionStatusPending},
			Threshold:   time.Hour,
			Collect:     collectTransactions,
		},
		ThresholdRule{
			ProcessType: models.ProcessTypeActivityLog,
			Threshold:   90 * 24 * time.Hour,
			Collect:     collectActivityLogs,
		},
	)
}

func (r *ThresholdRegistry) Rule(processType models.ProcessType) (ThresholdRule, bool) {
	rule, ok := r.rules[processType]
	return rule, ok
}

// Types returns the registered process types in registration order.
func (r *ThresholdRegistry) Types() []models.ProcessType {
	return append([]models.ProcessType(nil), r.order...)
}

// Resolve validates a requested subset. Empty means every registered type; any
// unknown name rejects the whole request.
func (r *ThresholdRegistry) Resolve(requested []string) ([]models.ProcessType, error) {
	if len(requested) == 0 {
		return r.Types(), nil
	}
	var unknown []string
	want := make(map[models.ProcessType]bool, len(requested))
	for _, raw := range requested {
		pt := models.ProcessType(strings.TrimSpace(raw))
		if _, ok := r.rules[pt]; !ok {
			unknown = append(unknown, raw)
			continue
		}
		want[pt] = true
	}
	if len(unknown) > 0 {
		return nil, utils.NewValidationError(utils.CodeInvalidProcessType,
			fmt.Sprintf("invalid process types: %s (allowed: %s)", strings.Join(unknown, ", "), r.allowedList()))
	}
	out := make([]models.ProcessType, 0, len(want))
	for _, pt := range r.order {
		if want[pt] {
			out = append(out, pt)
		}
	}
	return out, nil
}

func (r *ThresholdRegistry) allowedList() string {
	names := make([]string, 0, len(r.order))
	for _, pt := range r.order {
		names = append(names, string(pt))
	}
	return strings.Join(names, ", ")
}

func collectOrders(ctx context.Context, src StaleEntitySource, statuses []string, cutoff time.Time, limit int) ([]Candidate, error) {
	rows, err := src.StaleOrders(ctx, statuses, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, o := range rows {
		o := o
		out = append(out, Candidate{
			EntityId: o.ID,
			Snapshot: func(now time.Time) models.ProcessMetadata {
				return models.OrderSnapshot{
					OrderNumber:    o.OrderNumber,
					BuyerId:        o.BuyerId,
					SellerId:       o.SellerId,
					TotalAmount:    o.TotalAmount,
					OriginalStatus: o.Status,
					CreatedAt:      o.CreatedAt,
					HoursStuck:     models.ElapsedHours(o.CreatedAt, now),
				}
			},
		})
	}
	return out, nil
}

func collectDeliveryTasks(ctx context.Context, src StaleEntitySource, statuses []string, cutoff time.Time, limit int) ([]Candidate, error) {
	rows, err := src.StaleDeliveryTasks(ctx, statuses, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, t := range rows {
		t := t
		out = append(out, Candidate{
			EntityId: t.ID,
			Snapshot: func(now time.Time) models.ProcessMetadata {
				return models.DeliveryTaskSnapshot{
					OrderId:        t.OrderId,
					DriverId:       t.DriverId,
					DriverPhone:    utils.NormalizePhoneNumber(t.DriverPhone, DefaultPhoneRegion),
					OriginalStatus: t.Status,
					CreatedAt:      t.CreatedAt,
					HoursStuck:     models.ElapsedHours(t.CreatedAt, now),
				}
			},
		})
	}
	return out, nil
}

func collectTransactions(ctx context.Context, src StaleEntitySource, statuses []string, cutoff time.Time, limit int) ([]Candidate, error) {
	rows, err := src.StaleTransactions(ctx, statuses, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, tr := range rows {
		tr := tr
		out = append(out, Candidate{
			EntityId: tr.ID,
			Snapshot: func(now time.Time) models.ProcessMetadata {
				return models.TransactionSnapshot{
					OrderId:         tr.OrderId,
					Reference:       tr.Reference,
					TransactionType: tr.TransactionType,
					Amount:          tr.Amount,
					OriginalStatus:  tr.Status,
					CreatedAt:       tr.CreatedAt,
					HoursStuck:      models.ElapsedHours(tr.CreatedAt, now),
				}
			},
		})
	}
	return out, nil
}

func collectActivityLogs(ctx context.Context, src StaleEntitySource, statuses []string, cutoff time.Time, limit int) ([]Candidate, error) {
	rows, err := src.StaleActivityLogs(ctx, statuses, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, l := range rows {
		l := l
		out = append(out, Candidate{
			EntityId: l.ID,
			Snapshot: func(now time.Time) models.ProcessMetadata {
				return models.ActivityLogSnapshot{
					UserId:     l.UserId,
					Action:     l.Action,
					EntityType: l.EntityType,
					CreatedAt:  l.CreatedAt,
					DaysOld:    models.ElapsedDays(l.CreatedAt, now),
				}
			},
		})
	}
	return out, nil
}
