package psd

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/daq"
)

// Estimator maintains the aggregate PSD of a Buffer. It must only be driven from one goroutine
// at a time; readers of the buffer are unaffected.
type Estimator struct {
	buf *Buffer
}

func NewEstimator(buf *Buffer) *Estimator {
	return &Estimator{buf: buf}
}

func (e *Estimator) Buffer() *Buffer {
	return e.buf
}

// SetSampleRate sets the realized sample rate used for periodograms and recomputes the
// frequency bins. Call it before the first Update of a run.
func (e *Estimator) SetSampleRate(fs float64) {
	if fs <= 0 {
		return
	}
	b := e.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized || fs == b.sampleRate {
		return
	}
	b.sampleRate = fs
	b.freqs = Frequencies(b.n, fs)
}

// SampleRate is the rate periodograms are computed at.
func (e *Estimator) SampleRate() float64 {
	e.buf.mu.RLock()
	defer e.buf.mu.RUnlock()
	return e.buf.sampleRate
}

// Update computes the periodogram of row index and folds it into the running mean:
// agg = agg*n/(n+1) + p/(n+1) where n is the number of done rows before the call.
// A row that is already done is recomputed and its contribution replaced instead, so no row is
// ever counted twice.
func (e *Estimator) Update(index int) error {
	b := e.buf
	b.mu.RLock()
	if !b.initialized || len(b.voltage) == 0 {
		b.mu.RUnlock()
		return fmt.Errorf("cannot compute PSD of row %d: %w", index, daq.ErrNoData)
	}
	if index < 0 || index >= len(b.voltage) {
		rows := len(b.voltage)
		b.mu.RUnlock()
		return fmt.Errorf("cannot compute PSD of row %d, have %d rows: %w", index, rows, daq.ErrIndexOutOfRange)
	}
	if !b.filled[index] {
		b.mu.RUnlock()
		return fmt.Errorf("row %d not acquired yet: %w", index, daq.ErrNoData)
	}
	row, fs := b.voltage[index], b.sampleRate
	b.mu.RUnlock()

	_, p := Periodogram(row, fs)

	b.mu.Lock()
	defer b.mu.Unlock()
	if index >= len(b.psds) {
		return fmt.Errorf("row %d truncated during PSD computation: %w", index, daq.ErrIndexOutOfRange)
	}
	n := float64(len(b.done))
	if b.done[index] {
		old := b.psds[index]
		for k := range b.aggregate {
			b.aggregate[k] += (p[k] - old[k]) / n
		}
		copy(b.psds[index], p)
		delete(b.stale, index)
		glog.V(2).Infof("PSD recomputed at index %d", index)
		return nil
	}
	copy(b.psds[index], p)
	for k := range b.aggregate {
		b.aggregate[k] = b.aggregate[k]*(n/(n+1)) + p[k]/(n+1)
	}
	b.done[index] = true
	glog.V(2).Infof("PSD calculated at index %d (%d/%d done)", index, len(b.done), len(b.voltage))
	return nil
}

// Finalize computes the periodograms of every row not yet folded in (and of rewritten rows),
// then sets the aggregate to the mean over all rows. When nothing is outstanding the current
// frequencies and aggregate are returned unchanged.
func (e *Estimator) Finalize() (freqs, aggregate []float64, err error) {
	b := e.buf
	b.mu.RLock()
	if !b.initialized || len(b.voltage) == 0 {
		b.mu.RUnlock()
		return nil, nil, fmt.Errorf("cannot finalize PSD: %w", daq.ErrNoData)
	}
	if b.completeLocked() {
		freqs, aggregate = clone(b.freqs), clone(b.aggregate)
		b.mu.RUnlock()
		glog.V(1).Info("PSD complete, nothing to catch up")
		return freqs, aggregate, nil
	}
	var undone []int
	for i := range b.voltage {
		if !b.filled[i] {
			b.mu.RUnlock()
			return nil, nil, fmt.Errorf("row %d not acquired yet: %w", i, daq.ErrNoData)
		}
		if !b.done[i] || b.stale[i] {
			undone = append(undone, i)
		}
	}
	rows := make([][]float64, len(undone))
	for j, i := range undone {
		rows[j] = b.voltage[i]
	}
	fs := b.sampleRate
	b.mu.RUnlock()

	computed := make([][]float64, len(rows))
	for j, row := range rows {
		_, computed[j] = Periodogram(row, fs)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for j, i := range undone {
		if i >= len(b.psds) {
			return nil, nil, fmt.Errorf("row %d truncated during PSD computation: %w", i, daq.ErrIndexOutOfRange)
		}
		copy(b.psds[i], computed[j])
	}
	for i := range b.psds {
		b.done[i] = true
	}
	b.stale = map[int]bool{}
	b.recomputeAggregateLocked()
	glog.V(1).Infof("All PSDs calculated (%d/%d at the end)", len(undone), len(b.psds))
	return clone(b.freqs), clone(b.aggregate), nil
}
