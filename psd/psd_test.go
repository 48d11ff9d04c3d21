package psd_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

const tolerance = 1e-12

func noise(rng *rand.Rand, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	return x
}

func meanOf(rows [][]float64, idx []int) []float64 {
	out := make([]float64, len(rows[0]))
	for _, i := range idx {
		for k, v := range rows[i] {
			out[k] += v
		}
	}
	for k := range out {
		out[k] /= float64(len(idx))
	}
	return out
}

func assertMeanInvariant(t *testing.T, buf *psd.Buffer) {
	t.Helper()
	done := buf.DoneIndices()
	agg := buf.Aggregate()
	if len(done) == 0 {
		for _, v := range agg {
			assert.Zero(t, v)
		}
		return
	}
	want := meanOf(buf.PerRowPSD(), done)
	require.Len(t, agg, len(want))
	for k := range want {
		assert.InDelta(t, want[k], agg[k], tolerance*math.Max(1, math.Abs(want[k])), "bin %d", k)
	}
}

func filledBuffer(t *testing.T, averages int) *psd.Buffer {
	t.Helper()
	buf := psd.NewBuffer()
	require.NoError(t, buf.Initialize(averages, 1, 100))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < averages; i++ {
		require.NoError(t, buf.WriteRow(i, noise(rng, 100)))
	}
	return buf
}

func TestInitialize(t *testing.T) {
	buf := psd.NewBuffer()
	err := buf.Initialize(4, 0.00001, 10)
	assert.ErrorIs(t, err, daq.ErrInvalidConfiguration)
	assert.False(t, buf.Initialized())

	require.NoError(t, buf.Initialize(4, 1, 100))
	assert.Equal(t, 4, buf.Rows())
	assert.Equal(t, 100, buf.SamplesPerAverage())
	assert.Len(t, buf.Frequencies(), 51)
	assert.Len(t, buf.Aggregate(), 51)
	assert.Len(t, buf.PerRowPSD(), 4)
	assert.Zero(t, buf.DoneCount())

	axis := buf.TimeAxis()
	require.Len(t, axis, 100)
	assert.Equal(t, 0.0, axis[0])
	assert.InDelta(t, 1.0, axis[99], tolerance)

	freqs := buf.Frequencies()
	assert.Equal(t, 0.0, freqs[0])
	assert.InDelta(t, 50.0, freqs[50], tolerance)

	assert.ErrorIs(t, buf.Initialize(4, 0.02, 100), daq.ErrInvalidConfiguration, "N=2 must be rejected")
	assert.ErrorIs(t, buf.Initialize(0, 1, 100), daq.ErrInvalidConfiguration)
}

func TestWriteRowPreconditions(t *testing.T) {
	buf := psd.NewBuffer()
	assert.ErrorIs(t, buf.WriteRow(0, make([]float64, 100)), daq.ErrNoData)

	require.NoError(t, buf.Initialize(2, 1, 100))
	assert.ErrorIs(t, buf.WriteRow(2, make([]float64, 100)), daq.ErrIndexOutOfRange)
	assert.ErrorIs(t, buf.WriteRow(-1, make([]float64, 100)), daq.ErrIndexOutOfRange)
	assert.ErrorIs(t, buf.WriteRow(0, make([]float64, 99)), daq.ErrInvalidConfiguration)
	assert.False(t, buf.Filled(0))
	require.NoError(t, buf.WriteRow(0, make([]float64, 100)))
	assert.True(t, buf.Filled(0))
	assert.Equal(t, 1, buf.FilledCount())
}

func TestPeriodogramSine(t *testing.T) {
	const fs, n = 100.0, 100
	x := make([]float64, n)
	for i := range x {
		x[i] = 3 + math.Sin(2*math.Pi*10*float64(i)/fs)
	}
	freqs, pxx := psd.Periodogram(x, fs)
	require.Len(t, freqs, 51)
	require.Len(t, pxx, 51)

	peak := 0
	for k := range pxx {
		if pxx[k] > pxx[peak] {
			peak = k
		}
	}
	assert.Equal(t, 10, peak)
	assert.InDelta(t, 10.0, freqs[peak], tolerance)
	// A unit sine carries 0.5 of power; one bin is 1 Hz wide.
	assert.InDelta(t, 0.5, pxx[peak], 1e-9)
	// The offset is removed before the transform.
	assert.InDelta(t, 0, pxx[0], 1e-9)
}

func TestPeriodogramParseval(t *testing.T) {
	for _, n := range []int{100, 101, 128} {
		const fs = 250.0
		x := noise(rand.New(rand.NewSource(int64(n))), n)
		_, pxx := psd.Periodogram(x, fs)

		mean := 0.0
		for _, v := range x {
			mean += v
		}
		mean /= float64(n)
		variance := 0.0
		for _, v := range x {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n)

		total := 0.0
		for _, p := range pxx {
			total += p * fs / float64(n)
		}
		assert.InDelta(t, variance, total, 1e-9, "n=%d", n)
	}
}

func TestIncrementalMeanInvariant(t *testing.T) {
	buf := filledBuffer(t, 6)
	est := psd.NewEstimator(buf)

	for _, i := range []int{3, 0, 5, 1} {
		require.NoError(t, est.Update(i))
		assertMeanInvariant(t, buf)
	}
	assert.Equal(t, []int{0, 1, 3, 5}, buf.DoneIndices())
	assert.False(t, buf.Complete())
}

func TestUpdateErrors(t *testing.T) {
	est := psd.NewEstimator(psd.NewBuffer())
	assert.ErrorIs(t, est.Update(0), daq.ErrNoData)
	_, _, err := est.Finalize()
	assert.ErrorIs(t, err, daq.ErrNoData)

	buf := psd.NewBuffer()
	require.NoError(t, buf.Initialize(4, 1, 100))
	est = psd.NewEstimator(buf)
	assert.ErrorIs(t, est.Update(4), daq.ErrIndexOutOfRange)
	assert.ErrorIs(t, est.Update(-1), daq.ErrIndexOutOfRange)
	assert.ErrorIs(t, est.Update(0), daq.ErrNoData, "row never written")
	_, _, err = est.Finalize()
	assert.ErrorIs(t, err, daq.ErrNoData, "rows never written")
}

func TestNoDoubleCount(t *testing.T) {
	buf := filledBuffer(t, 4)
	est := psd.NewEstimator(buf)
	require.NoError(t, est.Update(0))
	require.NoError(t, est.Update(1))
	require.NoError(t, est.Update(1))
	assert.Equal(t, 2, buf.DoneCount())
	assertMeanInvariant(t, buf)

	// A retried row replaces its old contribution.
	rng := rand.New(rand.NewSource(99))
	require.NoError(t, buf.WriteRow(1, noise(rng, 100)))
	assert.Equal(t, 2, buf.DoneCount(), "rewriting keeps the row done")
	require.NoError(t, est.Update(1))
	assert.Equal(t, 2, buf.DoneCount())
	assertMeanInvariant(t, buf)

	rows, err := buf.Row(1)
	require.NoError(t, err)
	_, want := psd.Periodogram(rows, 100)
	got := buf.PerRowPSD()[1]
	for k := range want {
		assert.InDelta(t, want[k], got[k], tolerance)
	}
}

func TestFinalizeCatchUp(t *testing.T) {
	buf := filledBuffer(t, 4)
	est := psd.NewEstimator(buf)
	require.NoError(t, est.Update(0))
	assert.Equal(t, []int{0}, buf.DoneIndices())

	freqs, agg, err := est.Finalize()
	require.NoError(t, err)
	assert.Len(t, freqs, 51)
	assert.Equal(t, []int{0, 1, 2, 3}, buf.DoneIndices())
	assert.True(t, buf.Complete())
	assertMeanInvariant(t, buf)

	want := meanOf(buf.PerRowPSD(), []int{0, 1, 2, 3})
	for k := range want {
		assert.InDelta(t, want[k], agg[k], tolerance)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	buf := filledBuffer(t, 4)
	est := psd.NewEstimator(buf)
	for i := 0; i < 4; i++ {
		require.NoError(t, est.Update(i))
	}
	before := buf.Aggregate()
	freqs, agg, err := est.Finalize()
	require.NoError(t, err)
	assert.Equal(t, before, agg, "complete buffer must be returned unchanged")
	assert.Equal(t, buf.Frequencies(), freqs)

	_, again, err := est.Finalize()
	require.NoError(t, err)
	assert.Equal(t, agg, again)
}

func TestFinalizeRecomputesStaleRows(t *testing.T) {
	buf := filledBuffer(t, 3)
	est := psd.NewEstimator(buf)
	_, _, err := est.Finalize()
	require.NoError(t, err)

	require.NoError(t, buf.WriteRow(2, make([]float64, 100)))
	assert.False(t, buf.Complete())
	_, agg, err := est.Finalize()
	require.NoError(t, err)
	assert.True(t, buf.Complete())
	for _, v := range buf.PerRowPSD()[2] {
		assert.Zero(t, v)
	}
	want := meanOf(buf.PerRowPSD(), []int{0, 1, 2})
	for k := range want {
		assert.InDelta(t, want[k], agg[k], tolerance)
	}
}

func TestTruncate(t *testing.T) {
	buf := psd.NewBuffer()
	require.NoError(t, buf.Initialize(4, 1, 100))
	rng := rand.New(rand.NewSource(7))
	est := psd.NewEstimator(buf)
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.WriteRow(i, noise(rng, 100)))
		require.NoError(t, est.Update(i))
	}

	buf.Truncate(4)
	assert.Equal(t, 4, buf.Rows(), "nothing to cut")

	buf.Truncate(2)
	assert.Equal(t, 2, buf.Rows())
	assert.Len(t, buf.VoltageData(), 2)
	assert.Len(t, buf.PerRowPSD(), 2)
	assert.Equal(t, []int{0, 1}, buf.DoneIndices())
	assertMeanInvariant(t, buf)
	assert.True(t, buf.Complete())

	buf.Truncate(0)
	assert.Zero(t, buf.Rows())
	assertMeanInvariant(t, buf)
	_, _, err := est.Finalize()
	assert.ErrorIs(t, err, daq.ErrNoData)
}

func TestSetSampleRate(t *testing.T) {
	buf := psd.NewBuffer()
	require.NoError(t, buf.Initialize(1, 1, 100))
	est := psd.NewEstimator(buf)
	est.SetSampleRate(200)
	assert.Equal(t, 200.0, est.SampleRate())
	freqs := buf.Frequencies()
	assert.InDelta(t, 100.0, freqs[len(freqs)-1], tolerance)
}

func TestSnapshot(t *testing.T) {
	buf := filledBuffer(t, 3)
	est := psd.NewEstimator(buf)
	require.NoError(t, est.Update(1))

	s := buf.Snapshot(1)
	assert.Equal(t, 1, s.Index)
	assert.Equal(t, 3, s.Rows)
	assert.Equal(t, 1, s.Done)
	assert.False(t, s.Complete)
	assert.Len(t, s.Trace, 100)
	assert.Len(t, s.Aggregate, 51)

	// Later updates do not leak into a taken snapshot.
	before := append([]float64(nil), s.Aggregate...)
	require.NoError(t, est.Update(2))
	assert.Equal(t, before, s.Aggregate)

	last := buf.Snapshot(-1)
	assert.Equal(t, 2, last.Index)

	empty := psd.NewBuffer().Snapshot(-1)
	assert.Equal(t, -1, empty.Index)
	assert.Nil(t, empty.Trace)
}
