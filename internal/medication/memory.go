package medication

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
)

type memoryTracker struct {
	mu        sync.Mutex
	medicines map[string]Medicine
	doses     map[string]DoseInstance
	keys      map[DoseKey]string
}

// MemoryRepository is an in-process Repository. Each tracker is guarded by
// its own mutex; it backs tests and the "memory" storage backend.
type MemoryRepository struct {
	mu       sync.RWMutex
	trackers map[string]*memoryTracker
	writeErr error
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{trackers: make(map[string]*memoryTracker)}
}

// FailWrites makes every subsequent write return err until called with nil.
func (r *MemoryRepository) FailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeErr = err
}

func (r *MemoryRepository) failure() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writeErr
}

func (r *MemoryRepository) tracker(id string, create bool) *memoryTracker {
	r.mu.RLock()
	t := r.trackers[id]
	r.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t = r.trackers[id]; t == nil {
		t = &memoryTracker{
			medicines: make(map[string]Medicine),
			doses:     make(map[string]DoseInstance),
			keys:      make(map[DoseKey]string),
		}
		r.trackers[id] = t
	}
	return t
}

func (r *MemoryRepository) SaveMedicine(ctx context.Context, med *Medicine) error {
	if err := r.failure(); err != nil {
		return apperrors.Persistence(med.TrackerID, err)
	}
	if med.ID == "" {
		med.ID = NewMedicineID()
	}
	now := time.Now()
	if med.CreatedAt.IsZero() {
		med.CreatedAt = now
	}
	med.UpdatedAt = now

	t := r.tracker(med.TrackerID, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.medicines[med.ID] = copyMedicine(*med)
	return nil
}

func (r *MemoryRepository) GetMedicine(ctx context.Context, trackerID, id string) (*Medicine, error) {
	t := r.tracker(trackerID, false)
	if t == nil {
		return nil, apperrors.Errorf(apperrors.ErrNotFound, "medicine %s not found", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	med, ok := t.medicines[id]
	if !ok {
		return nil, apperrors.Errorf(apperrors.ErrNotFound, "medicine %s not found", id)
	}
	out := copyMedicine(med)
	return &out, nil
}

func (r *MemoryRepository) ListMedicines(ctx context.Context, trackerID string) ([]Medicine, error) {
	t := r.tracker(trackerID, false)
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	meds := make([]Medicine, 0, len(t.medicines))
	for _, m := range t.medicines {
		meds = append(meds, copyMedicine(m))
	}
	sort.Slice(meds, func(i, j int) bool {
		if !meds[i].CreatedAt.Equal(meds[j].CreatedAt) {
			return meds[i].CreatedAt.Before(meds[j].CreatedAt)
		}
		return meds[i].ID < meds[j].ID
	})
	return meds, nil
}

func (r *MemoryRepository) ListTrackers(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	trackers := make(map[string]*memoryTracker, len(r.trackers))
	for id, t := range r.trackers {
		trackers[id] = t
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(trackers))
	for id, t := range trackers {
		t.mu.Lock()
		n := len(t.medicines)
		t.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) ListDoses(ctx context.Context, trackerID string, filter DoseFilter) ([]DoseInstance, error) {
	t := r.tracker(trackerID, false)
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matching(filter), nil
}

func (r *MemoryRepository) Mutate(ctx context.Context, trackerID string, filter DoseFilter, fn MutateFunc) (Changeset, error) {
	writeErr := r.failure()
	t := r.tracker(trackerID, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.matching(filter)
	cmds, err := fn(snapshot)
	if err != nil {
		return Changeset{}, err
	}
	cs, err := Plan(snapshot, cmds, time.Now())
	if err != nil {
		return Changeset{}, err
	}
	if cs.Empty() {
		return cs, nil
	}
	if writeErr != nil {
		return Changeset{}, apperrors.Persistence(trackerID, writeErr)
	}

	created := cs.Created[:0]
	for _, d := range cs.Created {
		if _, exists := t.keys[d.Key()]; exists {
			continue
		}
		d.TrackerID = trackerID
		t.doses[d.ID] = copyDose(d)
		t.keys[d.Key()] = d.ID
		created = append(created, d)
	}
	cs.Created = created
	for _, d := range cs.Updated {
		t.doses[d.ID] = copyDose(d)
	}
	return cs, nil
}

func (t *memoryTracker) matching(filter DoseFilter) []DoseInstance {
	out := make([]DoseInstance, 0)
	for _, d := range t.doses {
		if filter.Matches(d) {
			out = append(out, copyDose(d))
		}
	}
	SortDoses(out)
	return out
}

func copyMedicine(m Medicine) Medicine {
	m.Schedule = append([]ScheduleSlot(nil), m.Schedule...)
	m.SideEffectsCatalog = append([]string(nil), m.SideEffectsCatalog...)
	return m
}

func copyDose(d DoseInstance) DoseInstance {
	d.SideEffectsExperienced = append([]string(nil), d.SideEffectsExperienced...)
	if d.TakenAt != nil {
		t := *d.TakenAt
		d.TakenAt = &t
	}
	return d
}
