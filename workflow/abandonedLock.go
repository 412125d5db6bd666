package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

func scanLockKey(processType models.ProcessType) string {
	return fmt.Sprintf("lock:abandoned-scan:%s", processType)
}

func recordLockKey(id int) string {
	return fmt.Sprintf("lock:abandoned:%d", id)
}

// obtainLock takes a best-effort Redis lock and returns its release func.
// Correctness never depends on it: the store's unique index and row locks do
// that. The lock only keeps replicas from duplicating work, so a missing Redis
// or a busy key is logged and the caller proceeds.
func (m *AbandonedProcessManager) obtainLock(ctx context.Context, key string, ttl time.Duration, retry redislock.RetryStrategy) func() {
	if m.Locker == nil {
		return func() {}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := m.Locker.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: retry,
		Metadata:      m.InstanceID,
	})
	if err != nil {
		fields := logrus.Fields{"lock_key": key, "instance": m.InstanceID}
		if errors.Is(err, redislock.ErrNotObtained) {
			m.logger().WithFields(fields).Info("abandoned lock held elsewhere; continuing without it")
		} else {
			m.logger().WithFields(fields).WithError(err).Warn("abandoned lock unavailable; continuing without it")
		}
		return func() {}
	}
	return func() {
		// the caller's ctx may already be cancelled
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			m.logger().WithFields(logrus.Fields{"lock_key": key}).WithError(err).Warn("abandoned lock release failed")
		}
	}
}

func (m *AbandonedProcessManager) lockScan(ctx context.Context, processType models.ProcessType) func() {
	return m.obtainLock(ctx, scanLockKey(processType), m.ScanLockTTL, redislock.NoRetry())
}

// recordLockRetry waits at most 150ms for a busy record lock. The MySQL row
// lock serializes transitions anyway, so a longer wait only adds latency.
func recordLockRetry() redislock.RetryStrategy {
	return redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 3)
}

func (m *AbandonedProcessManager) lockRecord(ctx context.Context, id int) func() {
	return m.obtainLock(ctx, recordLockKey(id), m.RecordLockTTL, recordLockRetry())
}
