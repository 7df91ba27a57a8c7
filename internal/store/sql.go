package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 200

// SQLRepository stores trackers in SQLite through GORM. Mutations for one
// tracker are serialized by an in-process lock and applied in a transaction.
type SQLRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	locks  sync.Map // tracker id -> *sync.Mutex
}

var _ medication.Repository = (*SQLRepository)(nil)

// NewSQLRepository migrates the schema and returns a repository over db
func NewSQLRepository(db *gorm.DB, logger *zap.Logger) (*SQLRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&MedicineRecord{}, &DoseRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &SQLRepository{db: db, logger: logger}, nil
}

func (r *SQLRepository) lock(trackerID string) func() {
	mu, _ := r.locks.LoadOrStore(trackerID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (r *SQLRepository) SaveMedicine(ctx context.Context, med *medication.Medicine) error {
	if med.ID == "" {
		med.ID = medication.NewMedicineID()
	}
	now := time.Now()
	if med.CreatedAt.IsZero() {
		med.CreatedAt = now
	}
	med.UpdatedAt = now

	rec := medicineToRecord(med)
	if err := r.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return apperrors.Persistence(med.TrackerID, err)
	}
	return nil
}

func (r *SQLRepository) GetMedicine(ctx context.Context, trackerID, id string) (*medication.Medicine, error) {
	var rec MedicineRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ? AND tracker_id = ?", id, trackerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Errorf(apperrors.ErrNotFound, "medicine %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}
	med, err := rec.toMedicine()
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}
	return &med, nil
}

func (r *SQLRepository) ListMedicines(ctx context.Context, trackerID string) ([]medication.Medicine, error) {
	var recs []MedicineRecord
	err := r.db.WithContext(ctx).
		Where("tracker_id = ?", trackerID).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}

	meds := make([]medication.Medicine, 0, len(recs))
	for _, rec := range recs {
		med, err := rec.toMedicine()
		if err != nil {
			return nil, apperrors.Persistence(trackerID, err)
		}
		meds = append(meds, med)
	}
	return meds, nil
}

func (r *SQLRepository) ListTrackers(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&MedicineRecord{}).
		Distinct("tracker_id").
		Order("tracker_id ASC").
		Pluck("tracker_id", &ids).Error
	if err != nil {
		return nil, apperrors.Persistence("*", err)
	}
	return ids, nil
}

func (r *SQLRepository) ListDoses(ctx context.Context, trackerID string, filter medication.DoseFilter) ([]medication.DoseInstance, error) {
	doses, err := loadDoses(r.db.WithContext(ctx), trackerID, filter)
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}
	return doses, nil
}

func (r *SQLRepository) Mutate(ctx context.Context, trackerID string, filter medication.DoseFilter, fn medication.MutateFunc) (medication.Changeset, error) {
	unlock := r.lock(trackerID)
	defer unlock()

	var (
		cs        medication.Changeset
		domainErr error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot, err := loadDoses(tx, trackerID, filter)
		if err != nil {
			return err
		}
		cmds, err := fn(snapshot)
		if err != nil {
			domainErr = err
			return err
		}
		cs, err = medication.Plan(snapshot, cmds, time.Now())
		if err != nil {
			domainErr = err
			return err
		}
		if cs.Empty() {
			return nil
		}

		cs.Created, err = dropExisting(tx, cs.Created)
		if err != nil {
			return err
		}
		if len(cs.Created) > 0 {
			recs := make([]DoseRecord, 0, len(cs.Created))
			for i := range cs.Created {
				cs.Created[i].TrackerID = trackerID
				recs = append(recs, doseToRecord(cs.Created[i]))
			}
			err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(recs, insertBatchSize).Error
			if err != nil {
				return err
			}
		}

		for _, d := range cs.Updated {
			rec := doseToRecord(d)
			res := tx.Model(&DoseRecord{}).
				Where("id = ? AND tracker_id = ?", d.ID, trackerID).
				Select("*").
				Updates(&rec)
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})

	if domainErr != nil {
		return medication.Changeset{}, domainErr
	}
	if err != nil {
		r.logger.Error("Dose mutation failed",
			zap.String("tracker_id", trackerID),
			zap.Error(err),
		)
		return medication.Changeset{}, apperrors.Persistence(trackerID, err)
	}
	return cs, nil
}

// dropExisting removes instances whose (medicine, date, slot) key is already
// stored, so callers only see rows that were really inserted.
func dropExisting(tx *gorm.DB, created []medication.DoseInstance) ([]medication.DoseInstance, error) {
	if len(created) == 0 {
		return created, nil
	}

	medIDs := make(map[string]bool)
	from, to := created[0].ScheduledDate, created[0].ScheduledDate
	for _, d := range created {
		medIDs[d.MedicineID] = true
		if d.ScheduledDate < from {
			from = d.ScheduledDate
		}
		if d.ScheduledDate > to {
			to = d.ScheduledDate
		}
	}
	ids := make([]string, 0, len(medIDs))
	for id := range medIDs {
		ids = append(ids, id)
	}

	var existing []DoseRecord
	err := tx.Select("medicine_id", "scheduled_date", "scheduled_time").
		Where("medicine_id IN ? AND scheduled_date BETWEEN ? AND ?", ids, from, to).
		Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return created, nil
	}

	have := make(map[medication.DoseKey]bool, len(existing))
	for _, rec := range existing {
		have[medication.DoseKey{MedicineID: rec.MedicineID, Date: rec.ScheduledDate, Time: rec.ScheduledTime}] = true
	}
	out := created[:0]
	for _, d := range created {
		if !have[d.Key()] {
			out = append(out, d)
		}
	}
	return out, nil
}

func loadDoses(db *gorm.DB, trackerID string, filter medication.DoseFilter) ([]medication.DoseInstance, error) {
	q := db.Where("tracker_id = ?", trackerID)
	if filter.DoseID != "" {
		q = q.Where("id = ?", filter.DoseID)
	}
	if filter.MedicineID != "" {
		q = q.Where("medicine_id = ?", filter.MedicineID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.From != "" {
		q = q.Where("scheduled_date >= ?", filter.From)
	}
	if filter.To != "" {
		q = q.Where("scheduled_date <= ?", filter.To)
	}

	var recs []DoseRecord
	if err := q.Order("scheduled_date ASC, scheduled_time ASC, medicine_id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}

	doses := make([]medication.DoseInstance, 0, len(recs))
	for _, rec := range recs {
		d, err := rec.toDose()
		if err != nil {
			return nil, err
		}
		doses = append(doses, d)
	}
	return doses, nil
}
