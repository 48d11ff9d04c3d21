// Package psd stores the traces of an acquisition session and keeps a running power spectral
// density estimate over them.
package psd

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hb9tf/spectran/daq"
)

// Buffer holds voltageData[averages][N], the per-row periodograms, and the aggregate PSD,
// which is always the mean of the per-row PSDs of the done rows.
//
// Rows are written by a single producer; the aggregate and the done set are updated by a single
// estimator. Readers take a Snapshot.
type Buffer struct {
	mu sync.RWMutex

	initialized bool
	n           int
	duration    float64
	sampleRate  float64

	voltage [][]float64
	filled  []bool
	psds    [][]float64

	timeAxis  []float64
	freqs     []float64
	aggregate []float64

	done  map[int]bool
	stale map[int]bool
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Initialize (re)allocates the buffer for averages traces of floor(duration*sampleRate)
// samples each. Previous contents are discarded. On error the buffer is left untouched.
func (b *Buffer) Initialize(averages int, duration, sampleRate float64) error {
	n := daq.SamplesPerAverage(duration, sampleRate)
	if n <= 2 {
		return fmt.Errorf("duration %gs too short for sample rate %gHz (%d samples): %w", duration, sampleRate, n, daq.ErrInvalidConfiguration)
	}
	if averages < 1 {
		return fmt.Errorf("averages must be at least 1, got %d: %w", averages, daq.ErrInvalidConfiguration)
	}
	bins := n/2 + 1

	voltage := make([][]float64, averages)
	backing := make([]float64, averages*n)
	psds := make([][]float64, averages)
	psdBacking := make([]float64, averages*bins)
	for i := range voltage {
		voltage[i] = backing[i*n : (i+1)*n : (i+1)*n]
		psds[i] = psdBacking[i*bins : (i+1)*bins : (i+1)*bins]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	b.n = n
	b.duration = duration
	b.sampleRate = sampleRate
	b.voltage = voltage
	b.filled = make([]bool, averages)
	b.psds = psds
	b.timeAxis = linspace(0, duration, n)
	b.freqs = Frequencies(n, sampleRate)
	b.aggregate = make([]float64, bins)
	b.done = map[int]bool{}
	b.stale = map[int]bool{}
	return nil
}

// WriteRow stores a full trace at index. Rewriting a row the estimator already used keeps it in
// the done set and marks it for recomputation.
func (b *Buffer) WriteRow(index int, samples []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return fmt.Errorf("buffer not initialized: %w", daq.ErrNoData)
	}
	if index < 0 || index >= len(b.voltage) {
		return fmt.Errorf("row %d not in [0, %d): %w", index, len(b.voltage), daq.ErrIndexOutOfRange)
	}
	if len(samples) != b.n {
		return fmt.Errorf("row %d has %d samples, want %d: %w", index, len(samples), b.n, daq.ErrInvalidConfiguration)
	}
	if b.filled[index] {
		// Snapshots may still reference the old row.
		b.voltage[index] = make([]float64, b.n)
	}
	copy(b.voltage[index], samples)
	b.filled[index] = true
	if b.done[index] {
		b.stale[index] = true
	}
	return nil
}

// Truncate keeps only the first k rows if that is fewer than there are. The aggregate is
// recomputed from the done rows that remain.
func (b *Buffer) Truncate(k int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k < 0 {
		k = 0
	}
	if !b.initialized || k >= len(b.voltage) {
		return
	}
	b.voltage = b.voltage[:k]
	b.filled = b.filled[:k]
	b.psds = b.psds[:k]
	for i := range b.done {
		if i >= k {
			delete(b.done, i)
		}
	}
	for i := range b.stale {
		if i >= k {
			delete(b.stale, i)
		}
	}
	b.recomputeAggregateLocked()
}

// recomputeAggregateLocked sets the aggregate to the mean over the done rows.
func (b *Buffer) recomputeAggregateLocked() {
	agg := make([]float64, len(b.aggregate))
	if len(b.done) > 0 {
		for i := range b.done {
			for k, v := range b.psds[i] {
				agg[k] += v
			}
		}
		for k := range agg {
			agg[k] /= float64(len(b.done))
		}
	}
	b.aggregate = agg
}

// Rows is the current number of rows, which shrinks after Truncate.
func (b *Buffer) Rows() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.voltage)
}

func (b *Buffer) SamplesPerAverage() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

func (b *Buffer) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// Filled reports whether row index has been written.
func (b *Buffer) Filled(index int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return index >= 0 && index < len(b.filled) && b.filled[index]
}

// FilledCount is the number of written rows.
func (b *Buffer) FilledCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, f := range b.filled {
		if f {
			count++
		}
	}
	return count
}

// Row returns a copy of the trace at index.
func (b *Buffer) Row(index int) ([]float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.voltage) {
		return nil, fmt.Errorf("row %d not in [0, %d): %w", index, len(b.voltage), daq.ErrIndexOutOfRange)
	}
	return clone(b.voltage[index]), nil
}

// TimeAxis is linspace(0, duration, N), shared by all rows.
func (b *Buffer) TimeAxis() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.timeAxis)
}

func (b *Buffer) Frequencies() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.freqs)
}

func (b *Buffer) Aggregate() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.aggregate)
}

func (b *Buffer) DoneCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.done)
}

// DoneIndices returns the sorted indices folded into the aggregate.
func (b *Buffer) DoneIndices() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := make([]int, 0, len(b.done))
	for i := range b.done {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Complete reports whether every row is folded into the aggregate and none is stale.
func (b *Buffer) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.completeLocked()
}

func (b *Buffer) completeLocked() bool {
	return b.initialized && len(b.voltage) > 0 && len(b.done) == len(b.voltage) && len(b.stale) == 0
}

// VoltageData returns a deep copy of all rows.
func (b *Buffer) VoltageData() [][]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone2(b.voltage)
}

// PerRowPSD returns a deep copy of the per-row periodograms.
func (b *Buffer) PerRowPSD() [][]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone2(b.psds)
}

// Snapshot is an immutable view of the buffer for consumers.
type Snapshot struct {
	Rows     int
	Done     int
	Complete bool
	// Index is the row Trace belongs to, -1 if no row has been written.
	Index       int
	Trace       []float64
	TimeAxis    []float64
	Frequencies []float64
	Aggregate   []float64
}

// Snapshot captures the aggregate and the trace at index. A negative index selects the last
// written row.
func (b *Buffer) Snapshot(index int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.filled) || !b.filled[index] {
		index = -1
		for i := len(b.filled) - 1; i >= 0; i-- {
			if b.filled[i] {
				index = i
				break
			}
		}
	}
	s := Snapshot{
		Rows:     len(b.voltage),
		Done:     len(b.done),
		Complete: b.completeLocked(),
		Index:    index,
		// The time axis is never written after Initialize and rows are replaced, not
		// mutated, on rewrite, so both can be shared.
		TimeAxis:    b.timeAxis,
		Frequencies: clone(b.freqs),
		Aggregate:   clone(b.aggregate),
	}
	if index >= 0 {
		s.Trace = b.voltage[index]
	}
	return s
}

func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func clone(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

func clone2(s [][]float64) [][]float64 {
	out := make([][]float64, len(s))
	for i, row := range s {
		out[i] = clone(row)
	}
	return out
}
