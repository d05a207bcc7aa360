package memsess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/memsess/internal/correlation"
)

// JanitorConfig controls a background sweeper.
type JanitorConfig struct {
	// Interval between sweeps. Zero uses the store's JanitorInterval.
	Interval time.Duration
	// MaxLife passed to each sweep. Zero uses the store's MaxLife.
	MaxLife time.Duration
	// OnSweep, when set, receives the outcome of every pass.
	OnSweep func(SweepResult, error)
}

// Janitor sweeps a store on a fixed interval until stopped.
type Janitor struct {
	store    *Store
	interval time.Duration
	maxLife  time.Duration
	onSweep  func(SweepResult, error)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// StartJanitor launches a goroutine that calls Sweep every interval, timed by
// the store's clock. It stops when ctx is cancelled or Stop is called.
func (s *Store) StartJanitor(ctx context.Context, cfg JanitorConfig) (*Janitor, error) {
	if cfg.Interval == 0 {
		cfg.Interval = s.cfg.JanitorInterval
	}
	if cfg.MaxLife == 0 {
		cfg.MaxLife = s.cfg.MaxLife
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("memsess: janitor interval must be > 0")
	}
	if cfg.MaxLife < 0 {
		return nil, fmt.Errorf("memsess: janitor max life must be >= 0")
	}
	ctx, cancel := context.WithCancel(ctx)
	j := &Janitor{
		store:    s,
		interval: cfg.Interval,
		maxLife:  cfg.MaxLife,
		onSweep:  cfg.OnSweep,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.logger.Info("janitor.start", "interval", j.interval, "max_life", j.maxLife)
	go j.loop(ctx)
	return j, nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-j.store.clock.After(j.interval):
			j.sweepOnce(ctx)
		case <-ctx.Done():
			j.store.logger.Info("janitor.stop")
			return
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	cid := correlation.New()
	res, err := j.store.Sweep(correlation.With(ctx, cid), j.maxLife)
	logger := j.store.logger.With("cid", cid)
	if err != nil {
		logger.Warn("janitor.sweep.error", "error", err)
	} else if res.Reclaimed > 0 || res.Failed > 0 {
		logger.Info("janitor.sweep",
			"examined", res.Examined,
			"reclaimed", res.Reclaimed,
			"failed", res.Failed,
			"elapsed", res.Duration,
		)
	}
	if j.onSweep != nil {
		j.onSweep(res, err)
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(j.cancel)
	<-j.done
}

// Done is closed once the janitor has stopped.
func (j *Janitor) Done() <-chan struct{} { return j.done }
