package medication

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsOverdue(t *testing.T) {
	d := dueDose("dose_1", "2026-03-01", "08:00")

	assert.False(t, IsOverdue(d, at(t, "2026-03-01", "09:59")))
	assert.False(t, IsOverdue(d, at(t, "2026-03-01", "10:00")))
	assert.True(t, IsOverdue(d, at(t, "2026-03-01", "10:01")))

	d.Status = StatusTaken
	assert.False(t, IsOverdue(d, at(t, "2026-03-02", "10:01")))
}

func TestIsOverdue_UsesNowLocation(t *testing.T) {
	d := dueDose("dose_1", "2026-03-01", "08:00")
	tokyo := time.FixedZone("JST", 9*60*60)

	// 01:30 UTC is 10:30 in Tokyo, past the grace period for an 08:00 slot there
	now := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	assert.False(t, IsOverdue(d, now))
	assert.True(t, IsOverdue(d, now.In(tokyo)))
}

func seedDoses(t *testing.T, repo *MemoryRepository, med *Medicine) []DoseInstance {
	t.Helper()
	saveMedicine(t, repo, med)
	m := NewMaterializer(repo, zap.NewNop(), nil)
	_, err := m.GenerateForRange(context.Background(), med, med.StartDate, med.EndDate)
	require.NoError(t, err)
	doses, err := repo.ListDoses(context.Background(), med.TrackerID, DoseFilter{})
	require.NoError(t, err)
	return doses
}

func TestSweeper_Monotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	doses := seedDoses(t, repo, testMedicine("user_1", "2026-03-01", "2026-03-02", "08:00", "20:00"))
	require.Len(t, doses, 4)

	takeAll(t, repo, "user_1", doses[:1], 5*time.Minute)
	_, err := repo.Mutate(ctx, "user_1", DoseFilter{DoseID: doses[1].ID}, func([]DoseInstance) ([]Command, error) {
		return []Command{TransitionToSkipped{InstanceID: doses[1].ID, At: at(t, "2026-03-01", "20:00"), Reason: "nausea"}}, nil
	})
	require.NoError(t, err)

	before, err := repo.ListDoses(ctx, "user_1", DoseFilter{})
	require.NoError(t, err)

	now := at(t, "2026-03-02", "12:00")
	s := NewSweeper(repo, zap.NewNop(), nil)
	n, err := s.Sweep(ctx, "user_1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := repo.ListDoses(ctx, "user_1", DoseFilter{})
	require.NoError(t, err)
	require.Len(t, after, 4)

	// resolved instances are untouched
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[1], after[1])

	// 08:00 on the 2nd is past grace, 20:00 is still in the future
	assert.Equal(t, StatusMissed, after[2].Status)
	assert.True(t, strings.Contains(after[2].Notes, "marked missed automatically"))
	assert.Equal(t, StatusDue, after[3].Status)
}

func TestSweeper_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedDoses(t, repo, testMedicine("user_1", "2026-03-01", "2026-03-03", "08:00", "20:00"))

	now := at(t, "2026-03-04", "00:00")
	s := NewSweeper(repo, zap.NewNop(), nil)

	n, err := s.Sweep(ctx, "user_1", now)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	snapshot, err := repo.ListDoses(ctx, "user_1", DoseFilter{})
	require.NoError(t, err)

	n, err = s.Sweep(ctx, "user_1", now)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := repo.ListDoses(ctx, "user_1", DoseFilter{})
	require.NoError(t, err)
	assert.Equal(t, snapshot, again)
}

func TestSweeper_NoteAppendedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	med := testMedicine("user_1", "2026-03-01", "2026-03-01", "08:00")
	med.Schedule[0].Instructions = "after breakfast"
	seedDoses(t, repo, med)

	now := at(t, "2026-03-01", "11:00")
	s := NewSweeper(repo, zap.NewNop(), nil)
	_, err := s.Sweep(ctx, "user_1", now)
	require.NoError(t, err)
	_, err = s.Sweep(ctx, "user_1", now.Add(time.Hour))
	require.NoError(t, err)

	doses, err := repo.ListDoses(ctx, "user_1", DoseFilter{})
	require.NoError(t, err)
	require.Len(t, doses, 1)
	assert.Equal(t, "after breakfast\n"+MissedNote(now), doses[0].Notes)
}

func TestSweeper_LeavesUnscheduledInstancesDue(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	med := testMedicine("user_1", "2026-03-01", "2026-03-02", "08:00", "20:00")
	seedDoses(t, repo, med)

	med.EndDate = "2026-03-01"
	med.Schedule = med.Schedule[:1]
	saveMedicine(t, repo, med)

	s := NewSweeper(repo, zap.NewNop(), nil)
	n, err := s.Sweep(ctx, "user_1", at(t, "2026-03-05", "00:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := repo.ListDoses(ctx, "user_1", DoseFilter{Status: StatusDue})
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestSweeper_UnknownTracker(t *testing.T) {
	s := NewSweeper(NewMemoryRepository(), zap.NewNop(), nil)
	n, err := s.Sweep(context.Background(), "nobody", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type recordingRecorder struct {
	NopRecorder
	missed int
	sweeps int
	failed int
}

func (r *recordingRecorder) DosesMissed(n int) { r.missed += n }

func (r *recordingRecorder) SweepCompleted(_ time.Duration, err error) {
	r.sweeps++
	if err != nil {
		r.failed++
	}
}

func TestSweeper_PersistenceFailureLeavesDosesDue(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedDoses(t, repo, testMedicine("user_1", "2026-03-01", "2026-03-01", "08:00"))
	repo.FailWrites(errors.New("read-only file system"))

	rec := &recordingRecorder{}
	s := NewSweeper(repo, zap.NewNop(), rec)
	_, err := s.Sweep(ctx, "user_1", at(t, "2026-03-02", "00:00"))
	assert.ErrorIs(t, err, apperrors.ErrPersistence)
	assert.Equal(t, 1, rec.failed)
	assert.Zero(t, rec.missed)

	repo.FailWrites(nil)
	doses, err := repo.ListDoses(ctx, "user_1", DoseFilter{Status: StatusDue})
	require.NoError(t, err)
	assert.Len(t, doses, 1)

	n, err := s.Sweep(ctx, "user_1", at(t, "2026-03-02", "00:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.missed)
	assert.Equal(t, 2, rec.sweeps)
}
