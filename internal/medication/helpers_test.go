package medication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func at(t *testing.T, date, clock string) time.Time {
	t.Helper()
	ts, err := Combine(date, clock, time.UTC)
	require.NoError(t, err)
	return ts
}

func testMedicine(trackerID, start, end string, times ...string) *Medicine {
	med := &Medicine{
		TrackerID: trackerID,
		Name:      "Amoxicillin",
		Type:      "capsule",
		StartDate: start,
		EndDate:   end,
		IsActive:  true,
	}
	for _, tm := range times {
		med.Schedule = append(med.Schedule, ScheduleSlot{Time: tm, Dosage: "500mg"})
	}
	return med
}

func saveMedicine(t *testing.T, repo Repository, med *Medicine) {
	t.Helper()
	require.NoError(t, med.Validate())
	require.NoError(t, repo.SaveMedicine(context.Background(), med))
}

func newTestService(t *testing.T, now *time.Time) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	logger, _ := zap.NewDevelopment()
	svc := NewService(repo,
		WithLogger(logger),
		WithLocation(time.UTC),
		WithClock(func() time.Time { return *now }),
	)
	return svc, repo
}

// takeAll marks every listed dose taken at the given offset from its slot.
func takeAll(t *testing.T, repo Repository, trackerID string, doses []DoseInstance, offset time.Duration) {
	t.Helper()
	for _, d := range doses {
		takenAt := d.ScheduledAt(time.UTC).Add(offset)
		_, err := repo.Mutate(context.Background(), trackerID, DoseFilter{DoseID: d.ID}, func([]DoseInstance) ([]Command, error) {
			return []Command{TransitionToTaken{InstanceID: d.ID, TakenAt: takenAt}}, nil
		})
		require.NoError(t, err)
	}
}

type countingHook struct {
	calls int
	err   error
}

func (h *countingHook) BeforeAccess(context.Context, string) error {
	h.calls++
	return h.err
}
