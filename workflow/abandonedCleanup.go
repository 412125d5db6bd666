package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type CleanupRequest struct {
	ProcessTypes  []string `json:"processTypes"`
	OlderThanDays *int     `json:"olderThanDays"`
	DryRun        bool     `json:"dryRun"`
}

type TypeCleanupResult struct {
	Deleted int64 `json:"deleted"`
}

type CleanupReport struct {
	CleanupResults map[models.ProcessType]*TypeCleanupResult `json:"cleanupResults"`
	TotalDeleted   int64                                     `json:"totalDeleted"`
	OlderThanDays  int                                       `json:"olderThanDays"`
	Cutoff         time.Time                                 `json:"cutoff"`
	DryRun         bool                                      `json:"dryRun"`
}

// Cleanup deletes resolved records whose resolvedAt is older than the
// retention window. Active records are never touched. With DryRun the counts
// are what would be deleted. When an Archiver is configured every batch is
// written to it before the rows go away; a failed archive aborts that batch.
// A storage error stops the operation; batches already removed stay removed.
func (m *AbandonedProcessManager) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupReport, error) {
	types, err := m.Rules.Resolve(req.ProcessTypes)
	if err != nil {
		return nil, err
	}
	days := m.RetentionDays
	if days <= 0 {
		days = 30
	}
	if req.OlderThanDays != nil {
		days = *req.OlderThanDays
	}
	if days < 1 {
		return nil, utils.NewValidationError(utils.CodeInvalidRetention, fmt.Sprintf("olderThanDays must be at least 1, got %d", days))
	}

	ctx, span := tracer.Start(ctx, "abandoned.cleanup", trace.WithAttributes(
		attribute.Int("older_than_days", days),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	now := m.now()
	cutoff := now.AddDate(0, 0, -days)
	report := &CleanupReport{
		CleanupResults: make(map[models.ProcessType]*TypeCleanupResult, len(types)),
		OlderThanDays:  days,
		Cutoff:         cutoff,
		DryRun:         req.DryRun,
	}

	for _, pt := range types {
		res := &TypeCleanupResult{}
		report.CleanupResults[pt] = res

		if req.DryRun {
			count, err := m.Store.CountResolvedBefore(ctx, pt, cutoff)
			if err != nil {
				span.RecordError(err)
				config.LogError(m.logger(), "abandonedCleanup.go", "Cleanup", "count resolved", string(pt), err)
				return nil, utils.NewInternalError("failed to count resolved "+string(pt)+" records", err)
			}
			res.Deleted = count
			report.TotalDeleted += count
			continue
		}

		ids, err := m.Store.DeleteResolvedBefore(ctx, pt, cutoff, m.archiveBatch(ctx, pt, now))
		res.Deleted = int64(len(ids))
		report.TotalDeleted += res.Deleted
		if len(ids) > 0 {
			if cacheErr := utils.RemoveRedisItem[models.AbandonedProcess](ids...); cacheErr != nil {
				config.LogError(m.logger(), "abandonedCleanup.go", "Cleanup", "invalidate cache", string(pt), cacheErr)
			}
		}
		if err != nil {
			span.RecordError(err)
			config.LogError(m.logger(), "abandonedCleanup.go", "Cleanup", "delete resolved", string(pt), err)
			return nil, utils.NewInternalError("failed to delete resolved "+string(pt)+" records", err)
		}
	}

	span.SetAttributes(attribute.Int64("deleted", report.TotalDeleted))
	m.logger().WithFields(logrus.Fields{
		"dry_run":         req.DryRun,
		"older_than_days": days,
		"cutoff":          cutoff,
		"deleted":         report.TotalDeleted,
	}).Info("abandoned cleanup finished")
	return report, nil
}

func (m *AbandonedProcessManager) archiveBatch(ctx context.Context, pt models.ProcessType, now time.Time) func([]*models.AbandonedProcess) error {
	if m.Archiver == nil {
		return nil
	}
	return func(batch []*models.AbandonedProcess) error {
		data, err := encodeJSONLines(batch)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("abandoned-processes/%s/%s-%s.jsonl", pt, now.Format("20060102T150405Z"), uuid.NewString())
		if err := m.Archiver.Archive(ctx, name, "application/x-ndjson", data); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		return nil
	}
}

func encodeJSONLines(records []*models.AbandonedProcess) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
