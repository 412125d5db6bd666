package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

const maxExportRows = 5000

type ListRequest struct {
	ProcessType string `form:"processType" validate:"omitempty,oneof=order delivery_task transaction activity_log"`
	Status      string `form:"status" validate:"omitempty,oneof=detected notified escalated resolved"`
	Limit       int    `form:"limit" validate:"gte=0"`
	Offset      int    `form:"offset" validate:"gte=0"`
}

var listFieldCodes = map[string]string{
	"ProcessType": utils.CodeInvalidProcessType,
	"Status":      utils.CodeInvalidStatus,
	"Limit":       utils.CodeInvalidPagination,
	"Offset":      utils.CodeInvalidPagination,
}

func (r ListRequest) filter() models.AbandonedFilter {
	return models.AbandonedFilter{
		ProcessType: models.ProcessType(r.ProcessType),
		Status:      models.AbandonedStatus(r.Status),
		Limit:       models.ClampLimit(r.Limit),
		Offset:      r.Offset,
	}
}

// List returns one page of tracking records, newest detection first.
// A zero limit means the default page size; anything above the max is capped.
func (m *AbandonedProcessManager) List(ctx context.Context, req ListRequest) (*models.AbandonedPage, error) {
	if err := utils.ValidateStruct(req, listFieldCodes); err != nil {
		return nil, err
	}
	filter := req.filter()
	items, total, err := m.Store.List(ctx, filter)
	if err != nil {
		config.LogError(m.logger(), "abandonedQuery.go", "List", "list records", filter, err)
		return nil, utils.NewInternalError("failed to list abandoned processes", err)
	}
	if items == nil {
		items = []*models.AbandonedProcess{}
	}
	return &models.AbandonedPage{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// cacheableRecord reports whether rec may be stored in the read cache. Only
// resolved records are final; caching an open one could race a transition's
// invalidation and serve the old status until the entry expires.
func cacheableRecord(rec *models.AbandonedProcess) bool {
	return rec != nil && rec.Status.IsTerminal()
}

// Get returns one record. Resolved records are read through the Redis cache.
func (m *AbandonedProcessManager) Get(ctx context.Context, id int) (*models.AbandonedProcess, error) {
	if id <= 0 {
		return nil, utils.NewValidationError(utils.CodeInvalidId, fmt.Sprintf("invalid id %d", id))
	}
	if cached, err := utils.RetrieveRedis[models.AbandonedProcess](id); err == nil && cached != nil {
		return cached, nil
	}

	rec, err := m.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError(utils.CodeAbandonedNotFound, fmt.Sprintf("abandoned process %d not found", id))
		}
		config.LogError(m.logger(), "abandonedQuery.go", "Get", "get record", id, err)
		return nil, utils.NewInternalError("failed to get abandoned process", err)
	}
	if cacheableRecord(rec) {
		if err := utils.StoreRedis(rec, id); err != nil {
			config.LogError(m.logger(), "abandonedQuery.go", "Get", "cache record", id, err)
		}
	}
	return rec, nil
}

// ExportXlsx writes every record matching the filters (up to maxExportRows)
// as a spreadsheet. Limit and Offset on req are ignored.
func (m *AbandonedProcessManager) ExportXlsx(ctx context.Context, req ListRequest, w io.Writer) (int, error) {
	req.Limit, req.Offset = 0, 0
	if err := utils.ValidateStruct(req, listFieldCodes); err != nil {
		return 0, err
	}
	filter := req.filter()
	filter.Limit = maxExportRows
	items, _, err := m.Store.List(ctx, filter)
	if err != nil {
		config.LogError(m.logger(), "abandonedQuery.go", "ExportXlsx", "list records", filter, err)
		return 0, utils.NewInternalError("failed to list abandoned processes", err)
	}
	if err := models.WriteAbandonedProcessesXlsx(w, items); err != nil {
		return 0, utils.NewInternalError("failed to write export", err)
	}
	return len(items), nil
}
