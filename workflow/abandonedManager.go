package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("marketplace-abandoned-gc")

// AbandonedStore is the tracking-record storage. CreateDetected must be atomic
// with respect to the active-record check, and Transition must serialize
// concurrent callers on the same id.
type AbandonedStore interface {
	HasActive(ctx context.Context, processType models.ProcessType, entityId int) (bool, error)
	CreateDetected(ctx context.Context, rec *models.AbandonedProcess) (created bool, err error)
	Get(ctx context.Context, id int) (*models.AbandonedProcess, error)
	Transition(ctx context.Context, id int, apply func(rec *models.AbandonedProcess) error) (*models.AbandonedProcess, error)
	List(ctx context.Context, filter models.AbandonedFilter) ([]*models.AbandonedProcess, int64, error)
	CountResolvedBefore(ctx context.Context, processType models.ProcessType, cutoff time.Time) (int64, error)
	DeleteResolvedBefore(ctx context.Context, processType models.ProcessType, cutoff time.Time, beforeDelete func(batch []*models.AbandonedProcess) error) ([]int, error)
}

// StaleEntitySource reads candidate rows from the marketplace tables. An empty
// statuses slice means "any status". Rows whose entity has no active tracking
// record must come before tracked ones, otherwise a capped scan can keep
// returning the same tracked page and never reach newer candidates.
type StaleEntitySource interface {
	StaleOrders(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.Order, error)
	StaleDeliveryTasks(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.DeliveryTask, error)
	StaleTransactions(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.Transaction, error)
	StaleActivityLogs(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.ActivityLog, error)
}

// Archiver receives the rows cleanup is about to delete.
type Archiver interface {
	Archive(ctx context.Context, objectName string, contentType string, data []byte) error
}

type AbandonedProcessManager struct {
	Store    AbandonedStore
	Source   StaleEntitySource
	Rules    *ThresholdRegistry
	Logger   *logrus.Logger
	Locker   *redislock.Client
	Archiver Archiver
	Now      func() time.Time

	InstanceID     string
	MaxRowsPerType int
	Workers        int
	RetentionDays  int
	ScanLockTTL    time.Duration
	RecordLockTTL  time.Duration
}

func NewAbandonedProcessManager(store AbandonedStore, source StaleEntitySource, logger *logrus.Logger) *AbandonedProcessManager {
	return &AbandonedProcessManager{
		Store:          store,
		Source:         source,
		Rules:          DefaultThresholdRegistry(),
		Logger:         logger,
		Now:            func() time.Time { return time.Now().UTC() },
		InstanceID:     uuid.NewString(),
		MaxRowsPerType: 1000,
		Workers:        8,
		RetentionDays:  30,
		ScanLockTTL:    2 * time.Minute,
		RecordLockTTL:  30 * time.Second,
	}
}

// ApplySettings copies the env-driven knobs onto the manager.
func (m *AbandonedProcessManager) ApplySettings(s config.AbandonedSettings) *AbandonedProcessManager {
	m.MaxRowsPerType = s.MaxRowsPerType
	m.Workers = s.Workers
	m.RetentionDays = s.RetentionDays
	m.ScanLockTTL = s.ScanTimeout
	return m
}

// NewConfiguredAbandonedProcessManager wires the manager to MySQL, Redis locks
// and the optional GCS archive. Call after the database is connected.
func NewConfiguredAbandonedProcessManager(logger *logrus.Logger, settings config.AbandonedSettings) *AbandonedProcessManager {
	db := config.GetDB()
	m := NewAbandonedProcessManager(
		models.NewAbandonedProcessStore(db),
		models.NewMarketplaceSource(db),
		logger,
	).ApplySettings(settings)
	m.Locker = config.GetRedisLock()
	if settings.ArchiveBucket != "" {
		m.Archiver = utils.NewGCSArchiver(settings.ArchiveBucket)
	}
	return m
}

func (m *AbandonedProcessManager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *AbandonedProcessManager) logger() *logrus.Logger {
	if m.Logger == nil {
		return config.GetLogger()
	}
	return m.Logger
}
