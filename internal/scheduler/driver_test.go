package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu       sync.Mutex
	trackers []string
	fail     map[string]error
	calls    map[string]int
	now      time.Time
	listErr  error
}

func newFakeTarget(trackers ...string) *fakeTarget {
	return &fakeTarget{
		trackers: trackers,
		fail:     map[string]error{},
		calls:    map[string]int{},
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeTarget) Trackers(ctx context.Context) ([]string, error) {
	return f.trackers, f.listErr
}

func (f *fakeTarget) SweepAt(ctx context.Context, trackerID string, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[trackerID]++
	if err := f.fail[trackerID]; err != nil {
		return 0, err
	}
	return 2, nil
}

func (f *fakeTarget) Now() time.Time { return f.now }

func (f *fakeTarget) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recordingRecorder struct {
	mu      sync.Mutex
	ticks   map[string]int
	changes []bool
}

func (r *recordingRecorder) SchedulerTick(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticks == nil {
		r.ticks = map[string]int{}
	}
	r.ticks[mode]++
}

func (r *recordingRecorder) BreakerStateChanged(name string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, open)
}

func (r *recordingRecorder) tickCount(mode string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks[mode]
}

func TestDriver_StartStopIdempotent(t *testing.T) {
	d := NewDriver(newFakeTarget(), NewOnDemandTicker(), Options{}, nil, nil)
	ctx := context.Background()

	assert.False(t, d.IsRunning())
	d.Stop()
	assert.False(t, d.IsRunning())

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsRunning())

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())

	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsRunning())
	d.Stop()
}

func TestDriver_SweepAllIsolatesFailures(t *testing.T) {
	target := newFakeTarget("a", "b", "c", "d")
	target.fail["b"] = apperrors.Errorf(apperrors.ErrBadRequest, "broken tracker")

	d := NewDriver(target, NewOnDemandTicker(), Options{MaxConcurrent: 2}, nil, nil)
	res, err := d.SweepAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Trackers: 4, Missed: 6, Failed: 1}, res)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, target.callsFor(id), id)
	}
}

func TestDriver_SweepAllListFailure(t *testing.T) {
	target := newFakeTarget()
	target.listErr = errors.New("db down")

	d := NewDriver(target, nil, Options{}, nil, nil)
	_, err := d.SweepAll(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestDriver_BreakerOpensOnStorageFailures(t *testing.T) {
	target := newFakeTarget("a")
	target.fail["a"] = apperrors.Persistence("a", errors.New("disk I/O error"))
	rec := &recordingRecorder{}

	d := NewDriver(target, NewOnDemandTicker(), Options{
		MaxConcurrent:   1,
		BreakerFailures: 2,
		BreakerTimeout:  time.Hour,
	}, nil, rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := d.SweepAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}
	assert.True(t, d.BreakerOpen())
	assert.Equal(t, []bool{true}, rec.changes)

	res, err := d.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Trackers: 1, Skipped: 1}, res)
	assert.Equal(t, 2, target.callsFor("a"))
}

func TestDriver_DomainErrorsDoNotTripBreaker(t *testing.T) {
	target := newFakeTarget("a")
	target.fail["a"] = apperrors.Errorf(apperrors.ErrNotFound, "gone")

	d := NewDriver(target, nil, Options{BreakerFailures: 1}, nil, nil)
	for i := 0; i < 3; i++ {
		_, err := d.SweepAll(context.Background())
		require.NoError(t, err)
	}
	assert.False(t, d.BreakerOpen())
	assert.Equal(t, 3, target.callsFor("a"))
}

func TestDriver_BeforeAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("on demand sweeps only while running", func(t *testing.T) {
		target := newFakeTarget("a")
		rec := &recordingRecorder{}
		d := NewDriver(target, NewOnDemandTicker(), Options{}, nil, rec)

		require.NoError(t, d.BeforeAccess(ctx, "a"))
		assert.Equal(t, 0, target.callsFor("a"))

		require.NoError(t, d.Start(ctx))
		defer d.Stop()
		require.NoError(t, d.BeforeAccess(ctx, "a"))
		assert.Equal(t, 1, target.callsFor("a"))
		assert.Equal(t, 1, rec.tickCount(ModeOnDemand))
	})

	t.Run("periodic sweeps between ticks", func(t *testing.T) {
		target := newFakeTarget("a")
		rec := &recordingRecorder{}
		d := NewDriver(target, NewPeriodicTicker(time.Hour, time.UTC, false, nil), Options{}, nil, rec)

		require.NoError(t, d.BeforeAccess(ctx, "a"))
		assert.Equal(t, 0, target.callsFor("a"))

		require.NoError(t, d.Start(ctx))
		defer d.Stop()
		require.NoError(t, d.BeforeAccess(ctx, "a"))
		assert.Equal(t, 1, target.callsFor("a"))
		assert.Equal(t, 0, rec.tickCount(ModePeriodic))
	})

	t.Run("errors surface to the caller", func(t *testing.T) {
		target := newFakeTarget("a")
		target.fail["a"] = apperrors.Persistence("a", errors.New("locked"))
		d := NewDriver(target, NewOnDemandTicker(), Options{}, nil, nil)
		require.NoError(t, d.Start(ctx))
		defer d.Stop()

		assert.ErrorIs(t, d.BeforeAccess(ctx, "a"), apperrors.ErrPersistence)
	})
}

func TestDriver_PeriodicRunsOnStart(t *testing.T) {
	target := newFakeTarget("a", "b")
	rec := &recordingRecorder{}
	d := NewDriver(target, NewPeriodicTicker(time.Hour, time.UTC, true, nil), Options{MaxConcurrent: 2}, nil, rec)

	require.NoError(t, d.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return target.callsFor("a") == 1 && target.callsFor("b") == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	assert.Equal(t, 1, rec.tickCount(ModePeriodic))
}

func TestPeriodicTicker_TicksAndStops(t *testing.T) {
	var ticks atomic.Int32
	p := NewPeriodicTicker(time.Second, time.UTC, false, nil)

	require.NoError(t, p.Start(context.Background(), func(ctx context.Context) {
		ticks.Add(1)
	}))
	assert.Error(t, p.Start(context.Background(), func(context.Context) {}))

	assert.Eventually(t, func() bool { return ticks.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	p.Stop()
	p.Stop()

	after := ticks.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestPeriodicTicker_StopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	p := NewPeriodicTicker(time.Hour, time.UTC, true, nil)
	require.NoError(t, p.Start(context.Background(), func(ctx context.Context) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	}))

	<-started
	p.Stop()
	assert.True(t, finished.Load())
}

func TestNewTicker(t *testing.T) {
	tk, err := NewTicker(ModeOnDemand, 0, nil, nil)
	require.NoError(t, err)
	assert.True(t, tk.Lazy())

	tk, err = NewTicker(ModePeriodic, 0, nil, nil)
	require.NoError(t, err)
	assert.False(t, tk.Lazy())
	assert.Equal(t, DefaultInterval, tk.(*PeriodicTicker).Interval())

	_, err = NewTicker("hourly", 0, nil, nil)
	assert.Error(t, err)
}

// Both modes must leave a tracker in the same state for the same instant,
// even when no periodic tick has fired yet.
func TestDriver_ModesConverge(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	later := time.Date(2026, 3, 3, 23, 30, 0, 0, time.UTC)

	run := func(lazy bool) *medication.AdherenceReport {
		now := created
		repo := medication.NewMemoryRepository()
		svc := medication.NewService(repo,
			medication.WithLocation(time.UTC),
			medication.WithClock(func() time.Time { return now }),
		)

		_, doses, err := svc.CreateMedicine(ctx, "user_1", medication.MedicineInput{
			Name:      "Metformin",
			StartDate: "2026-03-01",
			EndDate:   "2026-03-10",
			Schedule: []medication.ScheduleSlot{
				{Time: "08:00", Dosage: "500mg"},
				{Time: "19:00", Dosage: "500mg"},
			},
		})
		require.NoError(t, err)

		takenAt := time.Date(2026, 3, 1, 8, 20, 0, 0, time.UTC)
		_, err = svc.MarkTaken(ctx, "user_1", doses[0].ID, medication.TakeInput{TakenAt: &takenAt})
		require.NoError(t, err)

		now = later
		var ticker Ticker = NewPeriodicTicker(time.Hour, time.UTC, false, nil)
		if lazy {
			ticker = NewOnDemandTicker()
		}
		d := NewDriver(svc, ticker, Options{MaxConcurrent: 2}, nil, nil)
		svc.SetAccessHook(d)
		require.NoError(t, d.Start(ctx))
		defer d.Stop()

		report, err := svc.Report(ctx, "user_1")
		require.NoError(t, err)
		return report
	}

	periodic := run(false)
	onDemand := run(true)

	assert.Equal(t, 5, periodic.Missed)
	assert.Equal(t, 1, periodic.Taken)
	assert.Equal(t, periodic.Missed, onDemand.Missed)
	assert.Equal(t, periodic.Taken, onDemand.Taken)
	assert.Equal(t, periodic.AdherenceRate, onDemand.AdherenceRate)
	assert.Equal(t, periodic.RiskLevel, onDemand.RiskLevel)
}
