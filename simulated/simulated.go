// Package simulated provides a DAQ driver without hardware. Every average is a sum of decaying
// sines plus white noise.
package simulated

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/daq"
)

const (
	SourceName = "simulated"

	numTones   = 100
	noiseSigma = 0.1
	maxRate    = 10e6
)

var devices = []string{"Dev1", "Dev2", "Dev3"}

type DAQ struct {
	// Realtime makes Acquire take as long as the configured duration.
	Realtime bool

	mu     sync.Mutex
	device string
	rng    *rand.Rand
}

// New returns a driver seeded with seed; 0 seeds from the clock.
func New(seed int64) *DAQ {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DAQ{rng: rand.New(rand.NewSource(seed))}
}

func (d *DAQ) Name() string {
	return SourceName
}

func (d *DAQ) ListDevices() ([]string, error) {
	return append([]string(nil), devices...), nil
}

func (d *DAQ) Connect(device string) error {
	for _, dev := range devices {
		if dev == device {
			d.mu.Lock()
			d.device = device
			d.mu.Unlock()
			glog.Infof("Connected to simulated device %s", device)
			return nil
		}
	}
	return fmt.Errorf("unknown device %q: %w", device, daq.ErrNoDevice)
}

func (d *DAQ) ConnectedDevice() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

func (d *DAQ) ListPorts() ([]string, error) {
	if d.ConnectedDevice() == "" {
		return nil, daq.ErrNoDevice
	}
	ports := make([]string, 8)
	for i := range ports {
		ports[i] = fmt.Sprintf("ai%d", i)
	}
	return ports, nil
}

func (d *DAQ) ListTerminalConfigs() ([]daq.TerminalConfig, daq.TerminalConfig) {
	return []daq.TerminalConfig{daq.TerminalDefault, daq.TerminalDiff, daq.TerminalRSE, daq.TerminalNRSE, daq.TerminalPseudoDiff}, daq.TerminalDiff
}

func (d *DAQ) Properties() (map[string]string, error) {
	dev := d.ConnectedDevice()
	if dev == "" {
		return nil, daq.ErrNoDevice
	}
	return map[string]string{
		"device":          dev,
		"sample_rate_min": "1 Hz",
		"sample_rate_max": fmt.Sprintf("%g Hz", maxRate),
	}, nil
}

// Configure clamps the requested sample rate to what the simulated device supports.
func (d *DAQ) Configure(_ context.Context, cfg daq.Config) (daq.Realized, error) {
	rate := math.Min(cfg.SampleRateHz(), maxRate)
	return daq.Realized{
		SampleRate: rate,
		RangeMin:   cfg.RangeMin.MustIn(daq.Volt),
		RangeMax:   cfg.RangeMax.MustIn(daq.Volt),
	}, nil
}

func (d *DAQ) Acquire(ctx context.Context, row []float64, index int, cfg daq.Config, _ daq.ReportFunc) error {
	start := time.Now()
	d.mu.Lock()
	d.generate(row, cfg.EffectiveSampleRate())
	d.mu.Unlock()

	if d.Realtime {
		wait := time.Duration(cfg.DurationSeconds()*float64(time.Second)) - time.Since(start)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	glog.V(2).Infof("Simulated average %d/%d in %s", index+1, cfg.Averages, time.Since(start))
	return nil
}

// generate fills row with tones at random frequencies below Nyquist whose amplitudes fall
// logarithmically from 1 V to 1 mV, plus Gaussian noise.
func (d *DAQ) generate(row []float64, fs float64) {
	freqs := make([]float64, numTones)
	for i := range freqs {
		freqs[i] = d.rng.Float64() * fs / 2
	}
	sort.Float64s(freqs)

	for k := range row {
		row[k] = d.rng.NormFloat64() * noiseSigma
	}
	for i, f := range freqs {
		amp := math.Pow(10, -3*float64(i)/float64(numTones-1))
		w := 2 * math.Pi * f / fs
		for k := range row {
			row[k] += amp * math.Sin(w*float64(k))
		}
	}
}
