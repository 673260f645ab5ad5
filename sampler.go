package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Broadcaster delivers a record to every connected client.
type Broadcaster interface {
	Broadcast(rec *Record)
}

// Sampler runs the fixed-cadence sampling loop.
//
// Ticks are driven by a ticker and executed inline on the loop goroutine. A tick
// that overruns the period causes the following ticker fire to be dropped rather
// than queued, so a slow source never builds a backlog.
type Sampler struct {
	reader   *Reader
	tracker  *BandwidthTracker
	out      Broadcaster
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	doneCh chan struct{}
}

func newSampler(reader *Reader, tracker *BandwidthTracker, out Broadcaster, clk clock.Clock, interval time.Duration, log *zap.Logger) *Sampler {
	return &Sampler{
		reader:   reader,
		tracker:  tracker,
		out:      out,
		clock:    clk,
		interval: interval,
		log:      log,
	}
}

// Start launches the loop. The ticker exists once Start returns.
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go func() {
		defer close(s.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits up to grace for an in-flight tick to finish.
func (s *Sampler) Stop(grace time.Duration) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.doneCh:
	case <-time.After(grace):
		s.log.Warn("sampler did not stop within grace period", zap.Duration("grace", grace))
	}
}

// Tick performs one sampling cycle and hands the record to the broadcaster.
// Failed sources are logged and left out of the record.
func (s *Sampler) Tick(ctx context.Context) *Record {
	started := time.Now()
	now := s.clock.Now()

	readCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	var (
		uptime    UptimeSnapshot
		load      LoadSnapshot
		memory    MemorySnapshot
		counters  InterfaceCounters
		uptimeErr error
		loadErr   error
		memErr    error
		ifaceErr  error
	)

	// Each reader records its own error; none may cancel the others.
	var g errgroup.Group
	g.Go(func() error {
		uptime, uptimeErr = s.reader.Uptime(readCtx)
		return nil
	})
	g.Go(func() error {
		load, loadErr = s.reader.Load(readCtx)
		return nil
	})
	g.Go(func() error {
		memory, memErr = s.reader.Memory(readCtx)
		return nil
	})
	g.Go(func() error {
		counters, ifaceErr = s.reader.Interfaces(readCtx)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}

	rec := &Record{Timestamp: now.UnixMilli()}
	if s.ok(uptimeErr) {
		rec.Uptime = &uptime.Uptime
		rec.Idle = &uptime.Idle
	}
	if s.ok(loadErr) {
		rec.Load = &load
	}
	if s.ok(memErr) {
		rec.Memory = memory
	}
	if s.ok(ifaceErr) {
		rates, err := s.tracker.Update(counters, now)
		if err != nil {
			s.log.Warn("bandwidth rates omitted", zap.Error(err))
		} else if len(rates) > 0 {
			rec.Bandwidth = rates
		}
	}

	s.out.Broadcast(rec)

	ticksTotal.Inc()
	tickDuration.Observe(time.Since(started).Seconds())
	return rec
}

func (s *Sampler) ok(err error) bool {
	if err == nil {
		return true
	}
	source := "unknown"
	var re *ReadError
	if errors.As(err, &re) {
		source = string(re.Source)
	}
	readErrors.WithLabelValues(source).Inc()
	s.log.Warn("metrics source failed", zap.String("source", source), zap.Error(err))
	return false
}

// Probe reads every source once without touching the tracker. It fails only
// when no source at all is readable.
func (s *Sampler) Probe(ctx context.Context) error {
	checks := []func(context.Context) error{
		func(ctx context.Context) error { _, err := s.reader.Uptime(ctx); return err },
		func(ctx context.Context) error { _, err := s.reader.Load(ctx); return err },
		func(ctx context.Context) error { _, err := s.reader.Memory(ctx); return err },
		func(ctx context.Context) error { _, err := s.reader.Interfaces(ctx); return err },
	}

	var errs error
	for _, check := range checks {
		if err := check(ctx); err != nil {
			s.log.Warn("metrics source unavailable at startup", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if len(multierr.Errors(errs)) == len(checks) {
		return fmt.Errorf("no metrics source is readable: %w", errs)
	}
	return nil
}
