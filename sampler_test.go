package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	records []*Record
}

func (b *recordingBroadcaster) Broadcast(rec *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func netDev(lines ...string) string {
	s := "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"
	for _, l := range lines {
		s += l + "\n"
	}
	return s
}

type samplerFixture struct {
	files   *fakeFiles
	clock   *clock.Mock
	out     *recordingBroadcaster
	sampler *Sampler
}

func newSamplerFixture(t *testing.T) *samplerFixture {
	t.Helper()
	f := &samplerFixture{
		files: newFakeFiles(),
		clock: clock.NewMock(),
		out:   &recordingBroadcaster{},
	}
	f.clock.Set(t0)
	log := zaptest.NewLogger(t)
	reader := newReader(f.files, testSources, NetDevFilter{Exclude: []string{"lo"}})
	f.sampler = newSampler(reader, newBandwidthTracker(log), f.out, f.clock, 500*time.Millisecond, log)
	return f
}

func TestSampler_FailingReaderOmitsOnlyItsField(t *testing.T) {
	f := newSamplerFixture(t)
	f.files.set(testSources.Uptime, "100.00 50.00\n")
	f.files.set(testSources.LoadAvg, "garbage\n")
	f.files.set(testSources.MemInfo, "MemTotal: 1000000\nMemFree: 400000\n")
	f.files.set(testSources.NetDev, netDev("  eth0: 1000 0 0 0 0 0 0 0 2000 0 0 0 0 0 0 0"))

	rec := f.sampler.Tick(context.Background())
	require.NotNil(t, rec)
	assert.Nil(t, rec.Load)
	assert.Equal(t, MemorySnapshot{"MemTotal": 1000000, "MemFree": 400000}, rec.Memory)
	require.NotNil(t, rec.Uptime)
	assert.Equal(t, 100.0, *rec.Uptime)
	assert.Equal(t, 50.0, *rec.Idle)
	assert.Nil(t, rec.Bandwidth)
	assert.Equal(t, t0.UnixMilli(), rec.Timestamp)
	assert.Equal(t, 1, f.out.count())

	// The next tick still runs.
	f.clock.Add(500 * time.Millisecond)
	require.NotNil(t, f.sampler.Tick(context.Background()))
	assert.Equal(t, 2, f.out.count())
}

func TestSampler_EndToEndScenario(t *testing.T) {
	f := newSamplerFixture(t)
	f.files.set(testSources.MemInfo, "MemTotal: 1000000\nMemFree: 400000\n")
	f.files.set(testSources.LoadAvg, "0.1 0.2\n")
	f.files.set(testSources.NetDev, netDev("  eth0: 1000 0 0 0 0 0 0 0 2000 0 0 0 0 0 0 0"))

	first := f.sampler.Tick(context.Background())
	require.NotNil(t, first)
	assert.NotNil(t, first.Memory)
	assert.Nil(t, first.Load)
	assert.Nil(t, first.Bandwidth)

	f.clock.Add(500 * time.Millisecond)
	f.files.set(testSources.NetDev, netDev("  eth0: 1500 0 0 0 0 0 0 0 2000 0 0 0 0 0 0 0"))

	second := f.sampler.Tick(context.Background())
	require.NotNil(t, second)
	require.Contains(t, second.Bandwidth, "eth0")
	assert.Equal(t, 1000.0, second.Bandwidth["eth0"].RxRate)
	assert.Equal(t, 0.0, second.Bandwidth["eth0"].TxRate)
	assert.Equal(t, 2, f.out.count())
}

func TestSampler_CounterResetScenario(t *testing.T) {
	f := newSamplerFixture(t)
	f.files.set(testSources.NetDev, netDev("  eth0: 5000 0 0 0 0 0 0 0 5000 0 0 0 0 0 0 0"))
	f.sampler.Tick(context.Background())

	f.clock.Add(500 * time.Millisecond)
	f.files.set(testSources.NetDev, netDev("  eth0: 100 0 0 0 0 0 0 0 5100 0 0 0 0 0 0 0"))
	rec := f.sampler.Tick(context.Background())
	assert.Equal(t, Rate{Receive: 100, Transmit: 5100}, rec.Bandwidth["eth0"])

	f.clock.Add(500 * time.Millisecond)
	f.files.set(testSources.NetDev, netDev("  eth0: 200 0 0 0 0 0 0 0 5150 0 0 0 0 0 0 0"))
	rec = f.sampler.Tick(context.Background())
	assert.Equal(t, 200.0, rec.Bandwidth["eth0"].RxRate)
	assert.Equal(t, 100.0, rec.Bandwidth["eth0"].TxRate)
}

func TestSampler_MissingCountersSkipTracker(t *testing.T) {
	f := newSamplerFixture(t)
	f.files.set(testSources.NetDev, netDev("  eth0: 1000 0 0 0 0 0 0 0 1000 0 0 0 0 0 0 0"))
	f.sampler.Tick(context.Background())

	f.clock.Add(500 * time.Millisecond)
	f.files.remove(testSources.NetDev)
	rec := f.sampler.Tick(context.Background())
	assert.Nil(t, rec.Bandwidth)

	// Rates are measured against the last successful sample, 1s ago.
	f.clock.Add(500 * time.Millisecond)
	f.files.set(testSources.NetDev, netDev("  eth0: 3000 0 0 0 0 0 0 0 1500 0 0 0 0 0 0 0"))
	rec = f.sampler.Tick(context.Background())
	assert.Equal(t, 2000.0, rec.Bandwidth["eth0"].RxRate)
	assert.Equal(t, 500.0, rec.Bandwidth["eth0"].TxRate)
}

func TestSampler_AllSourcesFailing(t *testing.T) {
	f := newSamplerFixture(t)

	rec := f.sampler.Tick(context.Background())
	require.NotNil(t, rec)
	assert.Nil(t, rec.Uptime)
	assert.Nil(t, rec.Load)
	assert.Nil(t, rec.Memory)
	assert.Nil(t, rec.Bandwidth)
	assert.Equal(t, 1, f.out.count())

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":1700000000000}`, string(data))
}

func TestSampler_RecordJSON(t *testing.T) {
	f := newSamplerFixture(t)
	f.files.set(testSources.Uptime, "10.5 2.25\n")
	f.files.set(testSources.LoadAvg, "0.5 0.25 0.125 1/2 3\n")
	f.files.set(testSources.MemInfo, "MemTotal: 2 kB\n")
	f.files.set(testSources.NetDev, netDev("  eth0: 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0"))
	f.sampler.Tick(context.Background())
	f.clock.Add(time.Second)
	f.files.set(testSources.NetDev, netDev("  eth0: 10 0 0 0 0 0 0 0 20 0 0 0 0 0 0 0"))

	data, err := json.Marshal(f.sampler.Tick(context.Background()))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": 1700000001000,
		"uptime": 10.5,
		"idle": 2.25,
		"load": [0.5, 0.25, 0.125],
		"memory": {"MemTotal": 2048},
		"bandwidth": {"eth0": {"rx_rate": 10, "tx_rate": 20, "receive": 10, "transmit": 20}}
	}`, string(data))
}

func TestSampler_LoopRunsOnCadence(t *testing.T) {
	f := newSamplerFixture(t)
	f.files.set(testSources.Uptime, "1 1\n")

	f.sampler.Start(context.Background())

	f.clock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return f.out.count() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return f.out.count() == 2 }, time.Second, 5*time.Millisecond)

	f.sampler.Stop(time.Second)
	f.clock.Add(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.out.count())
}

// stallingFiles blocks reads of one path until release is closed.
type stallingFiles struct {
	*fakeFiles
	path    string
	entered chan struct{}
	release chan struct{}
}

func (f *stallingFiles) Read(ctx context.Context, path string) ([]byte, error) {
	if path == f.path {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.release
	}
	return f.fakeFiles.Read(ctx, path)
}

func TestSampler_OverrunDropsFires(t *testing.T) {
	files := &stallingFiles{
		fakeFiles: newFakeFiles(),
		path:      testSources.Uptime,
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	files.set(testSources.Uptime, "1 1\n")
	clk := clock.NewMock()
	clk.Set(t0)
	out := &recordingBroadcaster{}
	log := zaptest.NewLogger(t)
	reader := newReader(files, testSources, NetDevFilter{})
	sampler := newSampler(reader, newBandwidthTracker(log), out, clk, 500*time.Millisecond, log)

	sampler.Start(context.Background())
	defer sampler.Stop(time.Second)

	clk.Add(500 * time.Millisecond)
	select {
	case <-files.entered:
	case <-time.After(time.Second):
		t.Fatal("first tick did not start")
	}

	// Three fires while the first tick is stuck: one is buffered, the rest are lost.
	clk.Add(500 * time.Millisecond)
	clk.Add(500 * time.Millisecond)
	clk.Add(500 * time.Millisecond)
	close(files.release)

	require.Eventually(t, func() bool { return out.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, out.count())
}

func TestSampler_StopWithoutStart(t *testing.T) {
	f := newSamplerFixture(t)
	f.sampler.Stop(time.Second)
	assert.Zero(t, f.out.count())
}

func TestSampler_Probe(t *testing.T) {
	f := newSamplerFixture(t)
	err := f.sampler.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no metrics source is readable")

	f.files.set(testSources.MemInfo, memInfoFixture)
	assert.NoError(t, f.sampler.Probe(context.Background()))
	assert.Zero(t, f.out.count())
}
