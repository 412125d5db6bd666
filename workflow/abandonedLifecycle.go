package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type TransitionRequest struct {
	Status           string  `json:"status" validate:"required,oneof=notified escalated resolved"`
	ResolutionAction *string `json:"resolutionAction"`
}

// Transition moves a tracking record to notified, escalated or resolved.
// Any non-resolved record may move to any of those; a resolved record is final.
// The request is validated before the record is looked up.
func (m *AbandonedProcessManager) Transition(ctx context.Context, id int, req TransitionRequest) (*models.AbandonedProcess, error) {
	if id <= 0 {
		return nil, utils.NewValidationError(utils.CodeInvalidId, fmt.Sprintf("invalid id %d", id))
	}
	if err := utils.ValidateStruct(req, map[string]string{"Status": utils.CodeInvalidStatus}); err != nil {
		return nil, err
	}
	target := models.AbandonedStatus(req.Status)
	action := strings.TrimSpace(utils.DereferencePtr(req.ResolutionAction))
	if target == models.AbandonedStatusResolved && action == "" {
		return nil, utils.NewValidationError(utils.CodeMissingResolutionAction, "resolutionAction is required when status is resolved")
	}

	ctx, span := tracer.Start(ctx, "abandoned.transition", trace.WithAttributes(
		attribute.Int("abandoned_id", id),
		attribute.String("target_status", string(target)),
	))
	defer span.End()

	release := m.lockRecord(ctx, id)
	defer release()

	now := m.now()
	var from models.AbandonedStatus
	rec, err := m.Store.Transition(ctx, id, func(rec *models.AbandonedProcess) error {
		from = rec.Status
		if rec.Status.IsTerminal() {
			return utils.NewStateConflictError(utils.CodeAlreadyResolved, fmt.Sprintf("abandoned process %d is already resolved", id))
		}
		if target == models.AbandonedStatusResolved {
			rec.MarkResolved(action, now)
		} else {
			rec.MarkNotified(target, now)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, m.transitionError(id, err)
	}

	if err := utils.RemoveRedisItem[models.AbandonedProcess](id); err != nil {
		config.LogError(m.logger(), "abandonedLifecycle.go", "Transition", "invalidate cache", id, err)
	}

	operator, _ := utils.GetOperatorFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	m.logger().WithFields(logrus.Fields{
		"abandoned_id":   id,
		"process_type":   rec.ProcessType,
		"entity_id":      rec.EntityId,
		"from":           from,
		"to":             rec.Status,
		"operator":       operator,
		"user_id":        userId,
		"correlation_id": correlationId,
	}).Info("abandoned process transitioned")
	return rec, nil
}

func (m *AbandonedProcessManager) transitionError(id int, err error) error {
	var appErr *utils.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, utils.ErrorRecordNotFound):
		return utils.NewNotFoundError(utils.CodeAbandonedNotFound, fmt.Sprintf("abandoned process %d not found", id))
	case errors.Is(err, models.ErrConcurrentTransition):
		return utils.NewStateConflictError(utils.CodeConcurrentUpdate, fmt.Sprintf("abandoned process %d was changed concurrently", id))
	default:
		config.LogError(m.logger(), "abandonedLifecycle.go", "Transition", "store transition", id, err)
		return utils.NewInternalError("failed to update abandoned process", err)
	}
}
