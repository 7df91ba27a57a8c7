package medication

import (
	"context"
	"fmt"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"go.uber.org/zap"
)

// Materializer expands a medicine's schedule into dose instances
type Materializer struct {
	repo     Repository
	logger   *zap.Logger
	recorder Recorder
}

// NewMaterializer creates a materializer over repo
func NewMaterializer(repo Repository, logger *zap.Logger, recorder Recorder) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Materializer{repo: repo, logger: logger, recorder: recorder}
}

// GenerateForRange ensures a due instance exists for every date of
// [rangeStart, rangeEnd] clipped to the medicine's active span and every
// schedule slot. It returns only the instances it created.
func (m *Materializer) GenerateForRange(ctx context.Context, med *Medicine, rangeStart, rangeEnd string) ([]DoseInstance, error) {
	if _, err := ParseDate(rangeStart); err != nil {
		return nil, apperrors.Errorf(apperrors.ErrInvalidRange, "invalid range start %q", rangeStart)
	}
	if _, err := ParseDate(rangeEnd); err != nil {
		return nil, apperrors.Errorf(apperrors.ErrInvalidRange, "invalid range end %q", rangeEnd)
	}
	if rangeEnd < rangeStart {
		return nil, apperrors.Errorf(apperrors.ErrInvalidRange, "range start %s is after range end %s", rangeStart, rangeEnd)
	}
	if !med.IsActive {
		m.logger.Debug("Skipping materialization for inactive medicine",
			zap.String("tracker_id", med.TrackerID),
			zap.String("medicine_id", med.ID),
		)
		return []DoseInstance{}, nil
	}

	start := maxDate(med.StartDate, rangeStart)
	end := minDate(med.EndDate, rangeEnd)
	if end < start {
		return []DoseInstance{}, nil
	}

	cs, err := m.repo.Mutate(ctx, med.TrackerID, DoseFilter{MedicineID: med.ID}, func(existing []DoseInstance) ([]Command, error) {
		have := make(map[DoseKey]bool, len(existing))
		for _, d := range existing {
			have[d.Key()] = true
		}
		var cmds []Command
		for date := start; date <= end; date = AddDays(date, 1) {
			cmds = append(cmds, missingSlots(med, date, have)...)
		}
		return cmds, nil
	})
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", med.ID, err)
	}

	if n := len(cs.Created); n > 0 {
		m.recorder.DosesMaterialized(n)
		m.logger.Info("Materialized doses",
			zap.String("tracker_id", med.TrackerID),
			zap.String("medicine_id", med.ID),
			zap.String("from", start),
			zap.String("to", end),
			zap.Int("count", n),
		)
	}
	return nonNil(cs.Created), nil
}

// Reconcile backfills calendar dates between the medicine's start and
// min(endDate, today) that have no instances at all.
func (m *Materializer) Reconcile(ctx context.Context, med *Medicine, today string) ([]DoseInstance, error) {
	if !med.IsActive {
		return []DoseInstance{}, nil
	}
	end := minDate(med.EndDate, today)
	if end < med.StartDate {
		return []DoseInstance{}, nil
	}

	cs, err := m.repo.Mutate(ctx, med.TrackerID, DoseFilter{MedicineID: med.ID}, func(existing []DoseInstance) ([]Command, error) {
		covered := make(map[string]bool)
		for _, d := range existing {
			covered[d.ScheduledDate] = true
		}
		var cmds []Command
		for date := med.StartDate; date <= end; date = AddDays(date, 1) {
			if covered[date] {
				continue
			}
			cmds = append(cmds, missingSlots(med, date, nil)...)
		}
		return cmds, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", med.ID, err)
	}

	if n := len(cs.Created); n > 0 {
		m.recorder.DosesMaterialized(n)
		m.logger.Info("Backfilled dose gaps",
			zap.String("tracker_id", med.TrackerID),
			zap.String("medicine_id", med.ID),
			zap.Int("count", n),
		)
	}
	return nonNil(cs.Created), nil
}

func missingSlots(med *Medicine, date string, have map[DoseKey]bool) []Command {
	var cmds []Command
	for _, slot := range med.Schedule {
		key := DoseKey{MedicineID: med.ID, Date: date, Time: slot.Time}
		if have[key] {
			continue
		}
		cmds = append(cmds, CreateDose{Dose: DoseInstance{
			ID:            newDoseID(),
			TrackerID:     med.TrackerID,
			MedicineID:    med.ID,
			ScheduledDate: date,
			ScheduledTime: slot.Time,
			Status:        StatusDue,
			ActualDosage:  slot.Dosage,
			Notes:         slot.Instructions,
		}})
	}
	return cmds
}

func nonNil(doses []DoseInstance) []DoseInstance {
	if doses == nil {
		return []DoseInstance{}
	}
	return doses
}
