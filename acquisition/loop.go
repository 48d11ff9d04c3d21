// Package acquisition runs measurement sessions: it reads averages from a daq.Driver into a
// psd.Buffer, keeps the PSD estimate current and streams progress to a single consumer.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

type State int

const (
	Idle State = iota
	Configuring
	Running
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s == Configuring || s == Running
}

// Loop owns one buffer and runs at most one measurement on it at a time. Completed, Aborted
// and Failed are resting states: Start accepts them like Idle.
type Loop struct {
	mu     sync.Mutex
	driver daq.Driver
	state  State
	cfg    daq.Config

	buf *psd.Buffer
	est *psd.Estimator

	stop     atomic.Bool
	spectrum atomic.Bool

	// rowWritten is called on the run goroutine after row i was stored and handed to the
	// PSD worker.
	rowWritten func(i int)
}

func NewLoop(driver daq.Driver) *Loop {
	buf := psd.NewBuffer()
	l := &Loop{
		driver: driver,
		buf:    buf,
		est:    psd.NewEstimator(buf),
	}
	l.spectrum.Store(true)
	return l
}

// Run is the handle of one started measurement.
type Run struct {
	id     string
	events *Channel
	done   chan struct{}

	state State
	err   error
}

func (r *Run) ID() string {
	return r.id
}

// Events streams the run's notifications. The channel closes after the Finished event.
// Callers that only Wait for the run must call Discard instead, otherwise the undelivered
// events are kept until the process exits.
func (r *Run) Events() <-chan Event {
	return r.events.Events()
}

// Discard drops the run's notifications.
func (r *Run) Discard() {
	r.events.Discard()
}

// Done is closed once the run has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has ended and returns its error, nil unless it failed.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// State is the state the run ended in. It is only meaningful after Done is closed.
func (r *Run) State() State {
	<-r.done
	return r.state
}

// Start validates the preconditions and starts a run on its own goroutine. Cancelling ctx has
// the same effect as Stop.
func (l *Loop) Start(ctx context.Context, cfg daq.Config) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Active() {
		return nil, fmt.Errorf("cannot start: %w", daq.ErrAlreadyRunning)
	}
	if l.driver == nil {
		return nil, fmt.Errorf("cannot start: %w", daq.ErrNotReady)
	}
	device := l.driver.ConnectedDevice()
	if device == "" {
		return nil, fmt.Errorf("cannot start with driver %q: %w", l.driver.Name(), daq.ErrNoDevice)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	frozen := cfg
	frozen.Driver = l.driver.Name()
	frozen.Device = device
	frozen.SessionID = uuid.NewString()
	frozen.StartTime = time.Now()
	frozen.Realized = daq.Realized{}

	l.stop.Store(false)
	l.state = Configuring
	l.cfg = frozen

	run := &Run{
		id:     frozen.SessionID,
		events: NewChannel(),
		done:   make(chan struct{}),
	}
	glog.Infof("Starting measurement %s: %d x %s at %s on %s/%s", frozen.SessionID, frozen.Averages, frozen.Duration, frozen.SampleRate, frozen.Driver, device)
	go l.execute(ctx, l.driver, frozen, run)
	return run, nil
}

// Stop asks the running measurement to end after the current average. It is a no-op when
// nothing runs.
func (l *Loop) Stop() {
	l.stop.Store(true)
}

// SetSpectrumEnabled toggles the live PSD computation. The acquisition loop reads it once per
// average; rows acquired while it is off are caught up when the run ends.
func (l *Loop) SetSpectrumEnabled(on bool) {
	l.spectrum.Store(on)
}

func (l *Loop) SpectrumEnabled() bool {
	return l.spectrum.Load()
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Config returns the frozen configuration of the current or last run.
func (l *Loop) Config() daq.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) Buffer() *psd.Buffer {
	return l.buf
}

func (l *Loop) Driver() daq.Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.driver
}

// SetDriver replaces the driver used by the next run.
func (l *Loop) SetDriver(d daq.Driver) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Active() {
		return fmt.Errorf("cannot change driver: %w", daq.ErrAlreadyRunning)
	}
	l.driver = d
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) stopRequested(ctx context.Context) bool {
	return l.stop.Load() || ctx.Err() != nil
}

func (l *Loop) execute(ctx context.Context, drv daq.Driver, cfg daq.Config, run *Run) {
	state, err := l.acquire(ctx, drv, &cfg, run)

	l.mu.Lock()
	l.state = state
	l.cfg = cfg
	l.mu.Unlock()

	if err != nil {
		glog.Warningf("Measurement %s failed: %s", cfg.SessionID, err)
		run.events.Publish(Event{Type: Error, Index: -1, Kind: daq.KindOf(err), Message: err.Error()})
	} else {
		glog.Infof("Measurement %s finished: %s (%d averages kept)", cfg.SessionID, state, l.buf.Rows())
	}
	run.state = state
	run.err = err
	run.events.Publish(Event{Type: Finished, Index: -1, State: state})
	run.events.Close()
	close(run.done)
}

// acquisitionError wraps driver errors that do not carry a kind of their own.
func acquisitionError(index int, err error) error {
	if daq.KindOf(err) != daq.KindUnknown {
		return fmt.Errorf("average %d: %w", index, err)
	}
	return fmt.Errorf("average %d: %w: %w", index, daq.ErrAcquisition, err)
}

func (l *Loop) acquire(ctx context.Context, drv daq.Driver, cfg *daq.Config, run *Run) (State, error) {
	averages := cfg.Averages
	if err := l.buf.Initialize(averages, cfg.DurationSeconds(), cfg.SampleRateHz()); err != nil {
		return Failed, err
	}

	var cfgMu sync.Mutex
	apply := func(r daq.Realized) {
		cfgMu.Lock()
		defer cfgMu.Unlock()
		cfg.Realized = r
		if r.SampleRate > 0 {
			l.est.SetSampleRate(r.SampleRate)
		}
		glog.V(1).Infof("Realized sample rate %g Hz, range [%g, %g] V", r.SampleRate, r.RangeMin, r.RangeMax)
	}
	var reportOnce sync.Once
	if c, ok := drv.(daq.Configurer); ok {
		r, err := c.Configure(ctx, *cfg)
		if err != nil {
			// Nothing was written yet.
			l.buf.Truncate(0)
			if daq.KindOf(err) == daq.KindUnknown {
				return Failed, fmt.Errorf("configuring %s: %w: %w", drv.Name(), daq.ErrAcquisition, err)
			}
			return Failed, fmt.Errorf("configuring %s: %w", drv.Name(), err)
		}
		reportOnce.Do(func() { apply(r) })
	}
	report := func(r daq.Realized) {
		reportOnce.Do(func() { apply(r) })
	}

	l.setState(Running)
	worker := newPSDWorker(l.est, run.events, averages)
	scratch := make([]float64, l.buf.SamplesPerAverage())

	// abort keeps the first kept rows and settles the estimate over them.
	abort := func(kept int) (State, error) {
		glog.Info("Measurement aborted")
		if err := worker.drain(); err != nil {
			l.buf.Truncate(kept)
			return Failed, err
		}
		l.buf.Truncate(kept)
		if kept > 0 {
			if _, _, err := l.est.Finalize(); err != nil {
				return Failed, err
			}
		}
		run.events.Publish(Event{Type: Progress, Index: -1, Settle: true, Snapshot: l.buf.Snapshot(-1)})
		return Aborted, nil
	}
	fail := func(written int, err error) (State, error) {
		worker.drain()
		l.buf.Truncate(written)
		return Failed, err
	}

	for i := 0; i < averages; i++ {
		if l.stopRequested(ctx) {
			return abort(i)
		}
		if err := worker.Err(); err != nil {
			return fail(i, err)
		}
		glog.V(1).Infof("Measurement in progress (%d / %d)", i+1, averages)
		cfgMu.Lock()
		current := *cfg
		cfgMu.Unlock()
		if err := drv.Acquire(ctx, scratch, i, current, report); err != nil {
			if l.stopRequested(ctx) {
				return abort(i)
			}
			return fail(i, acquisitionError(i, err))
		}
		// A stop that arrived during the read discards the row.
		if l.stopRequested(ctx) {
			return abort(i)
		}
		if err := l.buf.WriteRow(i, scratch); err != nil {
			return fail(i, err)
		}
		worker.submit(psdTask{index: i, spectrum: l.spectrum.Load()})
		if l.rowWritten != nil {
			l.rowWritten(i)
		}
	}

	if err := worker.drain(); err != nil {
		return Failed, err
	}
	if _, _, err := l.est.Finalize(); err != nil {
		return Failed, err
	}
	run.events.Publish(Event{Type: Progress, Index: -1, Settle: true, Snapshot: l.buf.Snapshot(-1)})
	return Completed, nil
}
