// Package audio uses a sound card capture device as a single-channel analog input. Samples are
// the normalized full-scale values reported by the card, so the signal range is [-1, 1].
package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/golang/glog"

	"github.com/hb9tf/spectran/daq"
)

const (
	SourceName = "audio"

	// DefaultDevice selects the system's default capture device.
	DefaultDevice = "default"
)

type Capture struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device string
}

func New() *Capture {
	return &Capture{}
}

func (c *Capture) Name() string {
	return SourceName
}

// malgoContext lazily initializes the malgo context. Callers hold c.mu.
func (c *Capture) malgoContext() (*malgo.AllocatedContext, error) {
	if c.ctx != nil {
		return c.ctx, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init malgo context: %w", err)
	}
	c.ctx = ctx
	return ctx, nil
}

func (c *Capture) devices() ([]malgo.DeviceInfo, error) {
	ctx, err := c.malgoContext()
	if err != nil {
		return nil, err
	}
	return ctx.Devices(malgo.Capture)
}

func (c *Capture) ListDevices() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos, err := c.devices()
	if err != nil {
		return nil, err
	}
	names := []string{DefaultDevice}
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (c *Capture) Connect(device string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if device == DefaultDevice {
		c.device = device
		return nil
	}
	infos, err := c.devices()
	if err != nil {
		return err
	}
	if _, ok := match(infos, device); !ok {
		return fmt.Errorf("no capture device matching %q: %w", device, daq.ErrNoDevice)
	}
	c.device = device
	glog.Infof("Connected to capture device %q", device)
	return nil
}

func match(infos []malgo.DeviceInfo, name string) (malgo.DeviceInfo, bool) {
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(name)) {
			return info, true
		}
	}
	return malgo.DeviceInfo{}, false
}

func (c *Capture) ConnectedDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Capture) ListPorts() ([]string, error) {
	if c.ConnectedDevice() == "" {
		return nil, daq.ErrNoDevice
	}
	return []string{"ai0"}, nil
}

func (c *Capture) ListTerminalConfigs() ([]daq.TerminalConfig, daq.TerminalConfig) {
	return []daq.TerminalConfig{daq.TerminalDefault}, daq.TerminalDefault
}

func (c *Capture) Properties() (map[string]string, error) {
	dev := c.ConnectedDevice()
	if dev == "" {
		return nil, daq.ErrNoDevice
	}
	return map[string]string{
		"device":       dev,
		"format":       "f32",
		"signal_range": "[-1, 1]",
	}, nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	return err
}

// Acquire opens the capture device at the configured rate, records len(row) frames and closes
// it again.
func (c *Capture) Acquire(ctx context.Context, row []float64, index int, cfg daq.Config, report daq.ReportFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == "" {
		return daq.ErrNoDevice
	}
	mctx, err := c.malgoContext()
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRateHz())
	deviceConfig.Alsa.NoMMap = 1
	if c.device != DefaultDevice {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			return err
		}
		info, ok := match(infos, c.device)
		if !ok {
			return fmt.Errorf("capture device %q disappeared: %w", c.device, daq.ErrNoDevice)
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	col := newCollector(row)
	onRecvFrames := func(_, input []byte, frames uint32) {
		if len(input) == 0 {
			return
		}
		col.add(unsafe.Slice((*float32)(unsafe.Pointer(&input[0])), int(frames)))
	}
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return fmt.Errorf("failed to init capture device: %w", err)
	}
	defer device.Uninit()

	if report != nil {
		report(daq.Realized{SampleRate: float64(device.SampleRate()), RangeMin: -1, RangeMax: 1})
	}
	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	defer device.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-col.full:
	}
	glog.V(2).Infof("Captured average %d (%d frames at %d Hz)", index, len(row), device.SampleRate())
	return nil
}

// collector copies captured frames into a row and signals once it is full.
type collector struct {
	mu   sync.Mutex
	row  []float64
	n    int
	full chan struct{}
}

func newCollector(row []float64) *collector {
	c := &collector{row: row, full: make(chan struct{})}
	if len(row) == 0 {
		close(c.full)
	}
	return c
}

func (c *collector) add(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == len(c.row) {
		return
	}
	for _, s := range samples {
		c.row[c.n] = float64(s)
		c.n++
		if c.n == len(c.row) {
			close(c.full)
			return
		}
	}
}
