package medication

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper moves due instances that outlived the grace period to missed
type Sweeper struct {
	repo     Repository
	logger   *zap.Logger
	recorder Recorder
}

// NewSweeper creates a sweeper over repo
func NewSweeper(repo Repository, logger *zap.Logger, recorder Recorder) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Sweeper{repo: repo, logger: logger, recorder: recorder}
}

// IsOverdue reports whether d is due and its grace period ended before now.
// The scheduled wall-clock time is read in now's location.
func IsOverdue(d DoseInstance, now time.Time) bool {
	if d.Status != StatusDue {
		return false
	}
	at, err := Combine(d.ScheduledDate, d.ScheduledTime, now.Location())
	if err != nil {
		return false
	}
	return now.After(at.Add(GracePeriod))
}

// MissedNote is the audit note appended to swept instances.
func MissedNote(at time.Time) string {
	return fmt.Sprintf("[%s] marked missed automatically: not taken within %s of schedule",
		at.Format(time.RFC3339), GracePeriod)
}

// Sweep transitions every overdue instance of one tracker in a single batch
// and returns how many moved.
func (s *Sweeper) Sweep(ctx context.Context, trackerID string, now time.Time) (int, error) {
	start := time.Now()

	meds, err := s.repo.ListMedicines(ctx, trackerID)
	if err != nil {
		s.recorder.SweepCompleted(time.Since(start), err)
		return 0, fmt.Errorf("sweep tracker %s: %w", trackerID, err)
	}
	byID := make(map[string]Medicine, len(meds))
	for _, m := range meds {
		byID[m.ID] = m
	}

	cs, err := s.repo.Mutate(ctx, trackerID, DoseFilter{Status: StatusDue}, func(due []DoseInstance) ([]Command, error) {
		var cmds []Command
		for _, d := range due {
			// Instances an edit removed from the regimen stay due and are
			// left out of reports.
			if m, ok := byID[d.MedicineID]; ok && !m.Schedules(d.ScheduledDate, d.ScheduledTime) {
				continue
			}
			if IsOverdue(d, now) {
				cmds = append(cmds, TransitionToMissed{
					InstanceID: d.ID,
					At:         now,
					Note:       MissedNote(now),
				})
			}
		}
		return cmds, nil
	})
	s.recorder.SweepCompleted(time.Since(start), err)
	if err != nil {
		s.logger.Error("Sweep failed",
			zap.String("tracker_id", trackerID),
			zap.Error(err),
		)
		return 0, fmt.Errorf("sweep tracker %s: %w", trackerID, err)
	}

	n := len(cs.Updated)
	if n > 0 {
		s.recorder.DosesMissed(n)
		s.logger.Info("Marked overdue doses as missed",
			zap.String("tracker_id", trackerID),
			zap.Int("count", n),
		)
	}
	return n, nil
}
