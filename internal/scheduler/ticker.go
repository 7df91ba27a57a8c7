// Package scheduler drives overdue sweeps, either on a fixed interval or
// lazily before a tracker's dose history is touched.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Mode names
const (
	ModePeriodic = "periodic"
	ModeOnDemand = "on_demand"
)

// DefaultInterval is the periodic sweep cadence
const DefaultInterval = 15 * time.Minute

// TickFunc is invoked by a ticker on every tick
type TickFunc func(ctx context.Context)

// Ticker decides when sweeps run. Periodic tickers call the tick function on
// their own; lazy tickers rely on the driver's access hook alone.
type Ticker interface {
	Mode() string
	Lazy() bool
	Start(ctx context.Context, tick TickFunc) error
	Stop()
}

// PeriodicTicker runs the tick on a fixed interval through robfig/cron.
// Overlapping ticks are skipped rather than queued.
type PeriodicTicker struct {
	interval   time.Duration
	loc        *time.Location
	runOnStart bool
	logger     *zap.Logger

	mu sync.Mutex
	c  *cron.Cron
	wg sync.WaitGroup
}

// NewPeriodicTicker creates a ticker firing every interval. When runOnStart
// is set the first tick fires immediately.
func NewPeriodicTicker(interval time.Duration, loc *time.Location, runOnStart bool, logger *zap.Logger) *PeriodicTicker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodicTicker{
		interval:   interval,
		loc:        loc,
		runOnStart: runOnStart,
		logger:     logger,
	}
}

func (p *PeriodicTicker) Mode() string { return ModePeriodic }

func (p *PeriodicTicker) Lazy() bool { return false }

// Interval returns the tick cadence
func (p *PeriodicTicker) Interval() time.Duration { return p.interval }

// Start schedules tick. Calling Start on a started ticker is an error.
func (p *PeriodicTicker) Start(ctx context.Context, tick TickFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.c != nil {
		return fmt.Errorf("periodic ticker already started")
	}

	cl := cronLogger{s: p.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(p.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	job := cron.FuncJob(func() { tick(ctx) })
	c.Schedule(cron.Every(p.interval), job)

	if p.runOnStart {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			tick(ctx)
		}()
	}

	c.Start()
	p.c = c
	p.logger.Info("Periodic sweeps scheduled",
		zap.Duration("interval", p.interval),
		zap.String("tz", p.loc.String()),
	)
	return nil
}

// Stop cancels future ticks and waits for an in-flight tick to finish
func (p *PeriodicTicker) Stop() {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.wg.Wait()
}

// OnDemandTicker never fires on its own. Sweeps run from the driver's access
// hook instead.
type OnDemandTicker struct{}

// NewOnDemandTicker creates a lazy ticker
func NewOnDemandTicker() *OnDemandTicker {
	return &OnDemandTicker{}
}

func (OnDemandTicker) Mode() string { return ModeOnDemand }

func (OnDemandTicker) Lazy() bool { return true }

func (OnDemandTicker) Start(ctx context.Context, tick TickFunc) error { return nil }

func (OnDemandTicker) Stop() {}

// NewTicker builds the ticker for mode
func NewTicker(mode string, interval time.Duration, loc *time.Location, logger *zap.Logger) (Ticker, error) {
	switch mode {
	case ModePeriodic, "":
		return NewPeriodicTicker(interval, loc, true, logger), nil
	case ModeOnDemand:
		return NewOnDemandTicker(), nil
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", mode)
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
