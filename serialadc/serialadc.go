// Package serialadc drives a microcontroller ADC that streams samples over a serial line.
//
// The host requests an average with "ACQ <samples> <rate>\n". The device answers with
// "RATE <realized rate>\n", one voltage per line and a closing "END\n".
package serialadc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/tarm/serial"

	"github.com/hb9tf/spectran/daq"
)

const (
	SourceName = "serialadc"

	DefaultBaud = 115200
)

var devicePatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/cu.usbmodem*"}

type ADC struct {
	Baud        int
	ReadTimeout time.Duration

	open func(*serial.Config) (io.ReadWriteCloser, error)

	mu      sync.Mutex
	device  string
	port    io.ReadWriteCloser
	scanner *bufio.Scanner
}

func New(baud int) *ADC {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &ADC{
		Baud:        baud,
		ReadTimeout: 2 * time.Second,
		open: func(c *serial.Config) (io.ReadWriteCloser, error) {
			return serial.OpenPort(c)
		},
	}
}

func (a *ADC) Name() string {
	return SourceName
}

func (a *ADC) ListDevices() ([]string, error) {
	var devs []string
	for _, p := range devicePatterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, err
		}
		devs = append(devs, matches...)
	}
	sort.Strings(devs)
	return devs, nil
}

// Connect opens the serial port, closing any port opened before.
func (a *ADC) Connect(device string) error {
	port, err := a.open(&serial.Config{
		Name:        device,
		Baud:        a.Baud,
		ReadTimeout: a.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("unable to open %s (%v): %w", device, err, daq.ErrNoDevice)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port != nil {
		a.port.Close()
	}
	a.device = device
	a.port = port
	a.scanner = bufio.NewScanner(port)
	glog.Infof("Connected to serial ADC on %s at %d baud", device, a.Baud)
	return nil
}

func (a *ADC) ConnectedDevice() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}

func (a *ADC) ListPorts() ([]string, error) {
	if a.ConnectedDevice() == "" {
		return nil, daq.ErrNoDevice
	}
	return []string{"ai0"}, nil
}

func (a *ADC) ListTerminalConfigs() ([]daq.TerminalConfig, daq.TerminalConfig) {
	return []daq.TerminalConfig{daq.TerminalRSE}, daq.TerminalRSE
}

func (a *ADC) Properties() (map[string]string, error) {
	dev := a.ConnectedDevice()
	if dev == "" {
		return nil, daq.ErrNoDevice
	}
	return map[string]string{
		"device": dev,
		"baud":   strconv.Itoa(a.Baud),
	}, nil
}

func (a *ADC) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port, a.scanner, a.device = nil, nil, ""
	return err
}

func (a *ADC) Acquire(ctx context.Context, row []float64, index int, cfg daq.Config, report daq.ReportFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return daq.ErrNoDevice
	}
	// A scanner that hit an error stays broken, start over with a fresh one.
	defer func() {
		if a.scanner.Err() != nil {
			a.scanner = bufio.NewScanner(a.port)
		}
	}()

	req := fmt.Sprintf("ACQ %d %s\n", len(row), strconv.FormatFloat(cfg.SampleRateHz(), 'f', -1, 64))
	if _, err := io.WriteString(a.port, req); err != nil {
		return fmt.Errorf("unable to send request: %w", err)
	}

	rate, err := a.readHeader()
	if err != nil {
		return err
	}
	if report != nil {
		report(daq.Realized{
			SampleRate: rate,
			RangeMin:   cfg.RangeMin.MustIn(daq.Volt),
			RangeMax:   cfg.RangeMax.MustIn(daq.Volt),
		})
	}

	for i := range row {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := a.scanRow()
		if err != nil {
			return fmt.Errorf("sample %d of average %d: %w", i, index, err)
		}
		row[i] = v
	}
	line, err := a.next()
	if err != nil {
		return err
	}
	if line != "END" {
		return fmt.Errorf("expected END after %d samples, got %q", len(row), line)
	}
	return nil
}

func (a *ADC) next() (string, error) {
	if !a.scanner.Scan() {
		if err := a.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(a.scanner.Text()), nil
}

func (a *ADC) readHeader() (float64, error) {
	line, err := a.next()
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "RATE" {
		return 0, fmt.Errorf("unexpected response %q", line)
	}
	return strconv.ParseFloat(fields[1], 64)
}

func (a *ADC) scanRow() (float64, error) {
	line, err := a.next()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(line, 64)
}
