package acquisition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

type fakeDriver struct {
	mu     sync.Mutex
	device string
	calls  []int

	failAt    int
	onAcquire func(i int)
	block     chan struct{}
	realized  daq.Realized
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{device: "Dev1", failAt: -1}
}

func (d *fakeDriver) Name() string                   { return "fake" }
func (d *fakeDriver) ListDevices() ([]string, error) { return []string{"Dev1"}, nil }
func (d *fakeDriver) Connect(device string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.device = device
	return nil
}
func (d *fakeDriver) ConnectedDevice() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}
func (d *fakeDriver) ListPorts() ([]string, error) { return []string{"ai0"}, nil }
func (d *fakeDriver) ListTerminalConfigs() ([]daq.TerminalConfig, daq.TerminalConfig) {
	return []daq.TerminalConfig{daq.TerminalDefault}, daq.TerminalDefault
}
func (d *fakeDriver) Properties() (map[string]string, error) { return nil, nil }

func (d *fakeDriver) Acquire(ctx context.Context, row []float64, index int, cfg daq.Config, report daq.ReportFunc) error {
	d.mu.Lock()
	d.calls = append(d.calls, index)
	d.mu.Unlock()
	if d.onAcquire != nil {
		d.onAcquire(index)
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if index == d.failAt {
		return errors.New("device unplugged")
	}
	if d.realized.SampleRate > 0 {
		report(d.realized)
	}
	fs := cfg.SampleRateHz()
	for k := range row {
		row[k] = math.Sin(2*math.Pi*10*float64(k)/fs) + 0.1*float64(index)
	}
	return nil
}

func (d *fakeDriver) Calls() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.calls...)
}

func testConfig(averages int) daq.Config {
	cfg := daq.DefaultConfig()
	cfg.SampleRate = daq.Hz(100)
	cfg.Duration = daq.Seconds(1)
	cfg.Averages = averages
	return cfg
}

func collect(t *testing.T, run *Run) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("run did not finish, got %d events", len(events))
		}
	}
}

func progressIndices(events []Event) []int {
	var idx []int
	for _, ev := range events {
		if ev.Type == Progress && !ev.Settle {
			idx = append(idx, ev.Index)
		}
	}
	return idx
}

func requireFinishedLast(t *testing.T, events []Event, want State) {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, Finished, last.Type)
	assert.Equal(t, want, last.State)
	for _, ev := range events[:len(events)-1] {
		assert.NotEqual(t, Finished, ev.Type, "only one finished event")
	}
}

func TestCompleteRunWithLiveSpectrum(t *testing.T) {
	drv := newFakeDriver()
	drv.realized = daq.Realized{SampleRate: 100, RangeMin: -10, RangeMax: 10}
	l := NewLoop(drv)

	run, err := l.Start(context.Background(), testConfig(4))
	require.NoError(t, err)
	events := collect(t, run)
	require.NoError(t, run.Wait())
	assert.Equal(t, Completed, run.State())
	assert.Equal(t, Completed, l.State())

	assert.Equal(t, []int{0, 1, 2, 3}, progressIndices(events))
	require.Len(t, events, 6)
	assert.Equal(t, 4, events[3].Snapshot.Done, "PSDs were computed while acquiring")
	settle := events[4]
	assert.True(t, settle.Settle)
	assert.Equal(t, -1, settle.Index)
	assert.True(t, settle.Snapshot.Complete)
	assert.Len(t, settle.Snapshot.Aggregate, 51)
	requireFinishedLast(t, events, Completed)

	buf := l.Buffer()
	assert.Equal(t, 4, buf.Rows())
	assert.Equal(t, []int{0, 1, 2, 3}, buf.DoneIndices())
	assert.Equal(t, []int{0, 1, 2, 3}, drv.Calls())

	cfg := l.Config()
	assert.Equal(t, run.ID(), cfg.SessionID)
	assert.NotEmpty(t, cfg.SessionID)
	assert.False(t, cfg.StartTime.IsZero())
	assert.Equal(t, "fake", cfg.Driver)
	assert.Equal(t, "Dev1", cfg.Device)
	assert.Equal(t, 100.0, cfg.Realized.SampleRate)
	assert.Equal(t, -10.0, cfg.Realized.RangeMin)
}

func TestSpectrumToggledOffCatchesUpAtEnd(t *testing.T) {
	drv := newFakeDriver()
	l := NewLoop(drv)
	drv.onAcquire = func(i int) {
		if i == 1 {
			l.SetSpectrumEnabled(false)
		}
	}

	run, err := l.Start(context.Background(), testConfig(4))
	require.NoError(t, err)
	events := collect(t, run)
	require.NoError(t, run.Wait())

	assert.Equal(t, []int{0, 1, 2, 3}, progressIndices(events))
	assert.Equal(t, 1, events[3].Snapshot.Done, "only row 0 was computed live")
	settle := events[4]
	require.True(t, settle.Settle)
	assert.Equal(t, 4, settle.Snapshot.Done)
	assert.True(t, settle.Snapshot.Complete)
	requireFinishedLast(t, events, Completed)

	buf := l.Buffer()
	want := make([]float64, len(buf.Frequencies()))
	for _, row := range buf.VoltageData() {
		_, p := psd.Periodogram(row, 100)
		for k := range want {
			want[k] += p[k] / 4
		}
	}
	agg := buf.Aggregate()
	for k := range want {
		assert.InDelta(t, want[k], agg[k], 1e-12)
	}
}

func TestStopBetweenAverages(t *testing.T) {
	drv := newFakeDriver()
	l := NewLoop(drv)
	l.rowWritten = func(i int) {
		if i == 1 {
			l.Stop()
		}
	}

	run, err := l.Start(context.Background(), testConfig(5))
	require.NoError(t, err)
	events := collect(t, run)
	require.NoError(t, run.Wait())
	assert.Equal(t, Aborted, run.State())

	assert.Equal(t, []int{0, 1}, drv.Calls(), "no read after the stop")
	assert.Equal(t, []int{0, 1}, progressIndices(events))
	require.Len(t, events, 4)
	assert.True(t, events[2].Settle)
	assert.Equal(t, 2, events[2].Snapshot.Rows)
	assert.True(t, events[2].Snapshot.Complete)
	requireFinishedLast(t, events, Aborted)

	buf := l.Buffer()
	assert.Equal(t, 2, buf.Rows())
	assert.Len(t, buf.VoltageData(), 2)
	assert.Equal(t, []int{0, 1}, buf.DoneIndices())
}

func TestStopDuringReadDiscardsRow(t *testing.T) {
	drv := newFakeDriver()
	l := NewLoop(drv)
	drv.onAcquire = func(i int) {
		if i == 2 {
			l.Stop()
		}
	}

	run, err := l.Start(context.Background(), testConfig(5))
	require.NoError(t, err)
	events := collect(t, run)
	require.NoError(t, run.Wait())

	assert.Equal(t, []int{0, 1, 2}, drv.Calls())
	assert.Equal(t, []int{0, 1}, progressIndices(events))
	assert.Equal(t, 2, l.Buffer().Rows())
	requireFinishedLast(t, events, Aborted)
}

func TestStopBeforeFirstAverage(t *testing.T) {
	drv := newFakeDriver()
	l := NewLoop(drv)
	drv.onAcquire = func(int) { l.Stop() }

	run, err := l.Start(context.Background(), testConfig(3))
	require.NoError(t, err)
	events := collect(t, run)
	require.NoError(t, run.Wait())

	assert.Zero(t, l.Buffer().Rows())
	require.Len(t, events, 2)
	assert.True(t, events[0].Settle)
	assert.Equal(t, -1, events[0].Snapshot.Index)
	requireFinishedLast(t, events, Aborted)
}

func TestContextCancelStopsRun(t *testing.T) {
	drv := newFakeDriver()
	l := NewLoop(drv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.rowWritten = func(i int) {
		if i == 0 {
			cancel()
		}
	}

	run, err := l.Start(ctx, testConfig(4))
	require.NoError(t, err)
	events := collect(t, run)
	require.NoError(t, run.Wait())
	assert.Equal(t, Aborted, run.State())
	assert.Equal(t, 1, l.Buffer().Rows())
	requireFinishedLast(t, events, Aborted)
}

func TestHardwareFailure(t *testing.T) {
	drv := newFakeDriver()
	drv.failAt = 2
	l := NewLoop(drv)

	run, err := l.Start(context.Background(), testConfig(5))
	require.NoError(t, err)
	events := collect(t, run)

	err = run.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, daq.ErrAcquisition)
	assert.Contains(t, err.Error(), "device unplugged")
	assert.Equal(t, Failed, run.State())
	assert.Equal(t, Failed, l.State())

	require.Len(t, events, 4)
	assert.Equal(t, []int{0, 1}, progressIndices(events))
	assert.Equal(t, Error, events[2].Type)
	assert.Equal(t, daq.KindAcquisition, events[2].Kind)
	assert.Equal(t, "AcquisitionError", events[2].Kind.String())
	requireFinishedLast(t, events, Failed)

	assert.Equal(t, []int{0, 1, 2}, drv.Calls(), "no retries")
	assert.Equal(t, 2, l.Buffer().Rows())
}

// configuringDriver rejects the run before the first acquisition.
type configuringDriver struct {
	*fakeDriver
	err error
}

func (d *configuringDriver) Configure(context.Context, daq.Config) (daq.Realized, error) {
	return daq.Realized{}, d.err
}

func TestConfigureFailure(t *testing.T) {
	drv := &configuringDriver{fakeDriver: newFakeDriver(), err: errors.New("rate not supported")}
	l := NewLoop(drv)

	run, err := l.Start(context.Background(), testConfig(4))
	require.NoError(t, err)
	events := collect(t, run)

	err = run.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, daq.ErrAcquisition)
	assert.Contains(t, err.Error(), "configuring fake")
	assert.NotContains(t, err.Error(), "average")
	assert.Equal(t, Failed, run.State())
	assert.Equal(t, Failed, l.State())

	require.Len(t, events, 2)
	assert.Equal(t, Error, events[0].Type)
	assert.Equal(t, daq.KindAcquisition, events[0].Kind)
	requireFinishedLast(t, events, Failed)

	assert.Empty(t, drv.Calls())
	assert.Equal(t, 0, l.Buffer().Rows(), "no row was written")
	assert.Equal(t, 0, l.Buffer().FilledCount())
}

func TestConfigureFailureKeepsKind(t *testing.T) {
	drv := &configuringDriver{fakeDriver: newFakeDriver(), err: fmt.Errorf("channel ai9: %w", daq.ErrInvalidConfiguration)}
	l := NewLoop(drv)

	run, err := l.Start(context.Background(), testConfig(2))
	require.NoError(t, err)
	events := collect(t, run)

	assert.ErrorIs(t, run.Wait(), daq.ErrInvalidConfiguration)
	assert.NotErrorIs(t, run.Wait(), daq.ErrAcquisition)
	require.Len(t, events, 2)
	assert.Equal(t, daq.KindInvalidConfiguration, events[0].Kind)
	assert.Equal(t, 0, l.Buffer().Rows())
}

func TestRunDiscard(t *testing.T) {
	l := NewLoop(newFakeDriver())
	run, err := l.Start(context.Background(), testConfig(3))
	require.NoError(t, err)
	run.Discard()
	require.NoError(t, run.Wait())
	assert.Equal(t, Completed, run.State())

	assert.Zero(t, run.events.Len())
	assert.Eventually(t, func() bool {
		select {
		case _, open := <-run.Events():
			return !open
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "the stream closes without a reader")
}

func TestStartPreconditions(t *testing.T) {
	l := NewLoop(nil)
	_, err := l.Start(context.Background(), testConfig(1))
	assert.ErrorIs(t, err, daq.ErrNotReady)
	assert.Equal(t, Idle, l.State())

	drv := newFakeDriver()
	drv.device = ""
	require.NoError(t, l.SetDriver(drv))
	_, err = l.Start(context.Background(), testConfig(1))
	assert.ErrorIs(t, err, daq.ErrNoDevice)

	require.NoError(t, drv.Connect("Dev1"))
	_, err = l.Start(context.Background(), testConfig(0))
	assert.ErrorIs(t, err, daq.ErrInvalidConfiguration)
	short := testConfig(1)
	short.Duration = daq.Seconds(0.02)
	_, err = l.Start(context.Background(), short)
	assert.ErrorIs(t, err, daq.ErrInvalidConfiguration)
	assert.Equal(t, Idle, l.State())
	assert.Empty(t, drv.Calls())
}

func TestStartWhileRunning(t *testing.T) {
	drv := newFakeDriver()
	drv.block = make(chan struct{})
	l := NewLoop(drv)

	run, err := l.Start(context.Background(), testConfig(2))
	require.NoError(t, err)
	assert.True(t, l.State().Active())

	_, err = l.Start(context.Background(), testConfig(2))
	assert.ErrorIs(t, err, daq.ErrAlreadyRunning)
	assert.ErrorIs(t, l.SetDriver(newFakeDriver()), daq.ErrAlreadyRunning)

	close(drv.block)
	collect(t, run)
	require.NoError(t, run.Wait())

	// A finished run does not block the next one.
	drv.block = nil
	next, err := l.Start(context.Background(), testConfig(1))
	require.NoError(t, err)
	collect(t, next)
	require.NoError(t, next.Wait())
	assert.NotEqual(t, run.ID(), next.ID())
	assert.Equal(t, 1, l.Buffer().Rows())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "Aborted", Aborted.String())
	assert.Equal(t, "State(42)", State(42).String())
}
