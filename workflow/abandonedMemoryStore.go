package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

// MemoryAbandonedStore is a process-local AbandonedStore. One mutex covers
// check-and-insert and every transition, which gives the same guarantees the
// MySQL store gets from its unique index and row locks.
type MemoryAbandonedStore struct {
	mu      sync.Mutex
	nextID  int
	records map[int]*models.AbandonedProcess
	active  map[string]int
}

func NewMemoryAbandonedStore() *MemoryAbandonedStore {
	return &MemoryAbandonedStore{
		records: make(map[int]*models.AbandonedProcess),
		active:  make(map[string]int),
	}
}

func (s *MemoryAbandonedStore) HasActive(ctx context.Context, processType models.ProcessType, entityId int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[models.ActiveKeyFor(processType, entityId)]
	return ok, nil
}

func (s *MemoryAbandonedStore) CreateDetected(ctx context.Context, rec *models.AbandonedProcess) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.ActiveKeyFor(rec.ProcessType, rec.EntityId)
	if _, ok := s.active[key]; ok {
		return false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	rec.ActiveKey = &key
	s.records[rec.ID] = rec.Clone()
	s.active[key] = rec.ID
	return true, nil
}

func (s *MemoryAbandonedStore) Get(ctx context.Context, id int) (*models.AbandonedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryAbandonedStore) Transition(ctx context.Context, id int, apply func(rec *models.AbandonedProcess) error) (*models.AbandonedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	if current.ActiveKey != nil && next.ActiveKey == nil {
		delete(s.active, *current.ActiveKey)
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryAbandonedStore) List(ctx context.Context, filter models.AbandonedFilter) ([]*models.AbandonedProcess, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.AbandonedProcess
	for _, rec := range s.records {
		if filter.ProcessType != "" && rec.ProcessType != filter.ProcessType {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].DetectedAt.After(matched[j].DetectedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []*models.AbandonedProcess{}, total, nil
	}
	end := len(matched)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	out := make([]*models.AbandonedProcess, 0, end-filter.Offset)
	for _, rec := range matched[filter.Offset:end] {
		out = append(out, rec.Clone())
	}
	return out, total, nil
}

func (s *MemoryAbandonedStore) resolvedBefore(processType models.ProcessType, cutoff time.Time) []*models.AbandonedProcess {
	var out []*models.AbandonedProcess
	for _, rec := range s.records {
		if rec.ProcessType != processType || rec.Status != models.AbandonedStatusResolved {
			continue
		}
		if rec.ResolvedAt != nil && rec.ResolvedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryAbandonedStore) CountResolvedBefore(ctx context.Context, processType models.ProcessType, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.resolvedBefore(processType, cutoff))), nil
}

func (s *MemoryAbandonedStore) DeleteResolvedBefore(ctx context.Context, processType models.ProcessType, cutoff time.Time, beforeDelete func(batch []*models.AbandonedProcess) error) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.resolvedBefore(processType, cutoff)
	if len(batch) == 0 {
		return nil, nil
	}
	if beforeDelete != nil {
		copies := make([]*models.AbandonedProcess, 0, len(batch))
		for _, rec := range batch {
			copies = append(copies, rec.Clone())
		}
		if err := beforeDelete(copies); err != nil {
			return nil, err
		}
	}
	ids := make([]int, 0, len(batch))
	for _, rec := range batch {
		delete(s.records, rec.ID)
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Len returns the number of stored records.
func (s *MemoryAbandonedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Put stores rec as-is, keeping its ID. Used to seed fixtures.
func (s *MemoryAbandonedStore) Put(rec *models.AbandonedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := rec.Clone()
	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	if c.Status != models.AbandonedStatusResolved {
		key := models.ActiveKeyFor(c.ProcessType, c.EntityId)
		c.ActiveKey = &key
		s.active[key] = c.ID
	} else {
		c.ActiveKey = nil
	}
	s.records[c.ID] = c
	rec.ID = c.ID
}
