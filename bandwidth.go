package main

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BandwidthTracker turns successive cumulative interface counters into rates.
// It is safe for concurrent use; updates are serialized.
type BandwidthTracker struct {
	mu       sync.Mutex
	prev     InterfaceCounters
	lastTime time.Time
	armed    bool
	log      *zap.Logger
}

func newBandwidthTracker(log *zap.Logger) *BandwidthTracker {
	return &BandwidthTracker{log: log}
}

// Update records counters taken at now and returns the rates since the previous
// call. The first call only establishes a baseline and returns an empty map.
// The stored baseline is replaced on every call, including failed ones.
func (t *BandwidthTracker) Update(counters InterfaceCounters, now time.Time) (map[string]Rate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, last, armed := t.prev, t.lastTime, t.armed
	t.prev = counters
	t.lastTime = now
	t.armed = true

	rates := make(map[string]Rate)
	if !armed {
		return rates, nil
	}

	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return rates, &ElapsedTooSmallError{Elapsed: elapsed}
	}
	secs := elapsed.Seconds()

	for name, cur := range counters {
		old, ok := prev[name]
		if !ok {
			continue
		}
		r := Rate{Receive: cur.RxBytes, Transmit: cur.TxBytes}
		if cur.RxBytes < old.RxBytes || cur.TxBytes < old.TxBytes {
			// Counter reset or wrap: report zero and rebaseline on the new values.
			t.log.Debug("counter reset",
				zap.String("interface", name),
				zap.Uint64("old_rx", old.RxBytes), zap.Uint64("new_rx", cur.RxBytes),
				zap.Uint64("old_tx", old.TxBytes), zap.Uint64("new_tx", cur.TxBytes))
			counterResets.WithLabelValues(name).Inc()
			rates[name] = r
			continue
		}
		r.RxRate = float64(cur.RxBytes-old.RxBytes) / secs
		r.TxRate = float64(cur.TxBytes-old.TxBytes) / secs
		rates[name] = r
	}
	return rates, nil
}

// Reset drops the baseline; the next Update re-arms the tracker.
func (t *BandwidthTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prev = nil
	t.lastTime = time.Time{}
	t.armed = false
}
