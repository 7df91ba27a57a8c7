package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const breakerName = "sweep"

// Target is what the driver sweeps. *medication.Service implements it.
type Target interface {
	Trackers(ctx context.Context) ([]string, error)
	SweepAt(ctx context.Context, trackerID string, now time.Time) (int, error)
	Now() time.Time
}

// Recorder receives scheduler metrics
type Recorder interface {
	SchedulerTick(mode string)
	BreakerStateChanged(name string, open bool)
}

type nopRecorder struct{}

func (nopRecorder) SchedulerTick(string)              {}
func (nopRecorder) BreakerStateChanged(string, bool) {}

// Options tune the sweep fan-out
type Options struct {
	MaxConcurrent   int
	SweepsPerSecond float64
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// SweepResult summarizes one SweepAll pass
type SweepResult struct {
	Trackers int `json:"trackers"`
	Missed   int `json:"missed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Driver owns the sweep lifecycle. It is created by process bootstrap and is
// stopped until Start is called.
type Driver struct {
	target   Target
	ticker   Ticker
	logger   *zap.Logger
	recorder Recorder
	opts     Options

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[int]

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

var _ medication.AccessHook = (*Driver)(nil)

// NewDriver creates a stopped driver
func NewDriver(target Target, ticker Ticker, opts Options, logger *zap.Logger, recorder Recorder) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if ticker == nil {
		ticker = NewOnDemandTicker()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	limit := rate.Inf
	if opts.SweepsPerSecond > 0 {
		limit = rate.Limit(opts.SweepsPerSecond)
	}

	d := &Driver{
		target:   target,
		ticker:   ticker,
		logger:   logger,
		recorder: recorder,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.MaxConcurrent),
	}
	d.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// only storage trouble counts against the breaker
			return err == nil || !isStorageError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("Sweep circuit breaker changed state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			d.recorder.BreakerStateChanged(name, to == gobreaker.StateOpen)
		},
	})
	return d
}

func isStorageError(err error) bool {
	return errors.Is(err, apperrors.ErrPersistence) || errors.Is(err, apperrors.ErrConcurrentModification)
}

// Mode returns the ticker mode
func (d *Driver) Mode() string {
	return d.ticker.Mode()
}

// Start moves the driver to running. Starting a running driver is a no-op.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.ticker.Start(runCtx, d.tick); err != nil {
		cancel()
		return err
	}
	d.cancel = cancel
	d.running = true
	d.logger.Info("Scheduler started", zap.String("mode", d.ticker.Mode()))
	return nil
}

// Stop moves the driver to stopped, letting an in-flight tick finish.
// Stopping a stopped driver is a no-op.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	d.ticker.Stop()
	cancel()
	d.logger.Info("Scheduler stopped")
}

// IsRunning returns whether the driver is started
func (d *Driver) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// BeforeAccess sweeps trackerID while the driver is running. Periodic mode
// sweeps here too so reads between ticks match on-demand mode.
func (d *Driver) BeforeAccess(ctx context.Context, trackerID string) error {
	if !d.IsRunning() {
		return nil
	}
	if d.ticker.Lazy() {
		d.recorder.SchedulerTick(d.ticker.Mode())
	}
	_, err := d.sweepTracker(ctx, trackerID, d.target.Now())
	return err
}

func (d *Driver) tick(ctx context.Context) {
	d.recorder.SchedulerTick(d.ticker.Mode())
	res, err := d.SweepAll(ctx)
	if err != nil {
		d.logger.Error("Scheduled sweep failed", zap.Error(err))
		return
	}
	d.logger.Debug("Scheduled sweep finished",
		zap.Int("trackers", res.Trackers),
		zap.Int("missed", res.Missed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
}

// SweepAll sweeps every tracker as of one instant. Trackers run in parallel
// and one tracker's failure never aborts the others.
func (d *Driver) SweepAll(ctx context.Context) (SweepResult, error) {
	trackers, err := d.target.Trackers(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	now := d.target.Now()
	res := SweepResult{Trackers: len(trackers)}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.opts.MaxConcurrent)
	)

	for _, trackerID := range trackers {
		if err := d.limiter.Wait(ctx); err != nil {
			wg.Wait()
			return res, err
		}

		wg.Add(1)
		sem <- struct{}{} // Acquire

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			n, err := d.sweepTracker(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				res.Skipped++
			case err != nil:
				res.Failed++
			default:
				res.Missed += n
			}
		}(trackerID)
	}

	wg.Wait()

	if res.Missed > 0 || res.Failed > 0 {
		d.logger.Info("Swept trackers",
			zap.Int("trackers", res.Trackers),
			zap.Int("missed", res.Missed),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func (d *Driver) sweepTracker(ctx context.Context, trackerID string, now time.Time) (int, error) {
	n, err := d.breaker.Execute(func() (int, error) {
		return d.target.SweepAt(ctx, trackerID, now)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		d.logger.Debug("Sweep skipped, circuit open", zap.String("tracker_id", trackerID))
	}
	return n, err
}

// BreakerOpen reports whether sweeps are currently being skipped
func (d *Driver) BreakerOpen() bool {
	return d.breaker.State() == gobreaker.StateOpen
}
