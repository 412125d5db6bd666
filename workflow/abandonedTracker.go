package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
)

// track opens a detected record for c unless one is already active and reports
// whether it did. The HasActive read skips the common already-tracked case
// without an insert; the store's CreateDetected decides the race when two
// scanners pass that read together.
func (m *AbandonedProcessManager) track(ctx context.Context, pt models.ProcessType, c Candidate, now time.Time, dryRun bool) (bool, error) {
	active, err := m.Store.HasActive(ctx, pt, c.EntityId)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	if dryRun {
		return true, nil
	}

	var meta models.ProcessMetadata
	if c.Snapshot != nil {
		meta = c.Snapshot(now)
	}
	created, err := m.Store.CreateDetected(ctx, models.NewDetectedProcess(pt, c.EntityId, meta, now))
	if err != nil {
		return false, err
	}
	if created {
		m.logger().WithField("process_type", pt).WithField("entity_id", c.EntityId).Debug("abandoned process detected")
	}
	return created, nil
}
