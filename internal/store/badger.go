package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"go.uber.org/zap"
)

// maxConflictRetries bounds optimistic retries of one Mutate call.
const maxConflictRetries = 3

// Key layout:
//
//	trackers/{tracker}                                -> ""
//	trk/{len}:{tracker}/med/{id}                      -> Medicine JSON
//	trk/{len}:{tracker}/dose/{id}                     -> DoseInstance JSON
//	trk/{len}:{tracker}/key/{medicine}/{date}/{time}  -> dose id
//
// The length prefix keeps one tracker's keys from being a prefix of another's
// when ids contain "/".
const trackersPrefix = "trackers/"

func trackerKey(trackerID string) []byte {
	return []byte(trackersPrefix + trackerID)
}

func trackerSpace(trackerID string) string {
	return "trk/" + strconv.Itoa(len(trackerID)) + ":" + trackerID + "/"
}

func medPrefix(trackerID string) []byte {
	return []byte(trackerSpace(trackerID) + "med/")
}

func medKey(trackerID, id string) []byte {
	return append(medPrefix(trackerID), id...)
}

func dosePrefix(trackerID string) []byte {
	return []byte(trackerSpace(trackerID) + "dose/")
}

func doseKey(trackerID, id string) []byte {
	return append(dosePrefix(trackerID), id...)
}

func slotKey(trackerID string, k medication.DoseKey) []byte {
	return []byte(trackerSpace(trackerID) + "key/" + k.String())
}

// BadgerRepository stores trackers in BadgerDB. Mutations run in optimistic
// transactions and are retried when badger reports a conflict.
type BadgerRepository struct {
	db       *badger.DB
	logger   *zap.Logger
	recorder medication.Recorder
}

var _ medication.Repository = (*BadgerRepository)(nil)

// NewBadgerRepository returns a repository over db
func NewBadgerRepository(db *badger.DB, logger *zap.Logger, recorder medication.Recorder) *BadgerRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = medication.NopRecorder{}
	}
	return &BadgerRepository{db: db, logger: logger, recorder: recorder}
}

func (r *BadgerRepository) SaveMedicine(ctx context.Context, med *medication.Medicine) error {
	if med.ID == "" {
		med.ID = medication.NewMedicineID()
	}
	now := time.Now()
	if med.CreatedAt.IsZero() {
		med.CreatedAt = now
	}
	med.UpdatedAt = now

	val, err := json.Marshal(med)
	if err != nil {
		return apperrors.Persistence(med.TrackerID, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(trackerKey(med.TrackerID), nil); err != nil {
			return err
		}
		return txn.Set(medKey(med.TrackerID, med.ID), val)
	})
	if err != nil {
		return apperrors.Persistence(med.TrackerID, err)
	}
	return nil
}

func (r *BadgerRepository) GetMedicine(ctx context.Context, trackerID, id string) (*medication.Medicine, error) {
	var med medication.Medicine
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(medKey(trackerID, id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &med)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.Errorf(apperrors.ErrNotFound, "medicine %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}
	return &med, nil
}

func (r *BadgerRepository) ListMedicines(ctx context.Context, trackerID string) ([]medication.Medicine, error) {
	meds := make([]medication.Medicine, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, medPrefix(trackerID), func(v []byte) error {
			var med medication.Medicine
			if err := json.Unmarshal(v, &med); err != nil {
				return err
			}
			meds = append(meds, med)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}
	sort.Slice(meds, func(i, j int) bool {
		if !meds[i].CreatedAt.Equal(meds[j].CreatedAt) {
			return meds[i].CreatedAt.Before(meds[j].CreatedAt)
		}
		return meds[i].ID < meds[j].ID
	})
	return meds, nil
}

func (r *BadgerRepository) ListTrackers(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(trackersPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), trackersPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Persistence("*", err)
	}
	return ids, nil
}

func (r *BadgerRepository) ListDoses(ctx context.Context, trackerID string, filter medication.DoseFilter) ([]medication.DoseInstance, error) {
	var doses []medication.DoseInstance
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		doses, err = readDoses(txn, trackerID, filter)
		return err
	})
	if err != nil {
		return nil, apperrors.Persistence(trackerID, err)
	}
	return doses, nil
}

func (r *BadgerRepository) Mutate(ctx context.Context, trackerID string, filter medication.DoseFilter, fn medication.MutateFunc) (medication.Changeset, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return medication.Changeset{}, err
		}

		cs, err := r.mutateOnce(trackerID, filter, fn)
		if err == nil {
			return cs, nil
		}
		if apperrors.IsAppError(err) {
			return medication.Changeset{}, err
		}
		if !errors.Is(err, badger.ErrConflict) {
			r.logger.Error("Dose mutation failed",
				zap.String("tracker_id", trackerID),
				zap.Error(err),
			)
			return medication.Changeset{}, apperrors.Persistence(trackerID, err)
		}

		r.recorder.MutationConflict()
		if attempt >= maxConflictRetries {
			r.logger.Warn("Giving up after repeated transaction conflicts",
				zap.String("tracker_id", trackerID),
				zap.Int("attempts", attempt),
			)
			return medication.Changeset{}, apperrors.Errorf(apperrors.ErrConcurrentModification,
				"tracker %s changed concurrently %d times", trackerID, attempt)
		}
		r.logger.Debug("Retrying dose mutation after conflict",
			zap.String("tracker_id", trackerID),
			zap.Int("attempt", attempt),
		)
	}
}

// mutateOnce runs one optimistic attempt. Domain errors from fn or Plan are
// returned unchanged; storage errors are wrapped.
func (r *BadgerRepository) mutateOnce(trackerID string, filter medication.DoseFilter, fn medication.MutateFunc) (medication.Changeset, error) {
	var (
		cs        medication.Changeset
		domainErr error
	)
	err := r.db.Update(func(txn *badger.Txn) error {
		snapshot, err := readDoses(txn, trackerID, filter)
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

		created := cs.Created[:0]
		for _, d := range cs.Created {
			d.TrackerID = trackerID
			sk := slotKey(trackerID, d.Key())
			_, err := txn.Get(sk)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := setJSON(txn, doseKey(trackerID, d.ID), d); err != nil {
				return err
			}
			if err := txn.Set(sk, []byte(d.ID)); err != nil {
				return err
			}
			created = append(created, d)
		}
		cs.Created = created

		for _, d := range cs.Updated {
			if err := setJSON(txn, doseKey(trackerID, d.ID), d); err != nil {
				return err
			}
		}
		return nil
	})
	if domainErr != nil {
		return medication.Changeset{}, domainErr
	}
	if err != nil {
		return medication.Changeset{}, fmt.Errorf("badger update: %w", err)
	}
	return cs, nil
}

func readDoses(txn *badger.Txn, trackerID string, filter medication.DoseFilter) ([]medication.DoseInstance, error) {
	doses := make([]medication.DoseInstance, 0)

	if filter.DoseID != "" {
		item, err := txn.Get(doseKey(trackerID, filter.DoseID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return doses, nil
		}
		if err != nil {
			return nil, err
		}
		var d medication.DoseInstance
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &d) }); err != nil {
			return nil, err
		}
		if filter.Matches(d) {
			doses = append(doses, d)
		}
		return doses, nil
	}

	err := scanPrefix(txn, dosePrefix(trackerID), func(v []byte) error {
		var d medication.DoseInstance
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		if filter.Matches(d) {
			doses = append(doses, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	medication.SortDoses(doses)
	return doses, nil
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}
