// Package daq defines the boundary between the acquisition pipeline and analog-input hardware:
// the driver interface, the session configuration and the error kinds shared by all packages.
package daq

import (
	"context"
)

// ReportFunc lets a driver hand back the values the hardware actually configured.
type ReportFunc func(Realized)

type Driver interface {
	// Name identifies the driver, e.g. "simulated".
	Name() string
	// ListDevices lists the devices the driver can see.
	ListDevices() ([]string, error)
	// Connect selects the device to acquire from.
	Connect(device string) error
	// ConnectedDevice returns the selected device, "" if none.
	ConnectedDevice() string
	// ListPorts lists the analog-input channels of the connected device.
	ListPorts() ([]string, error)
	// ListTerminalConfigs returns the supported terminal modes and the default one.
	ListTerminalConfigs() ([]TerminalConfig, TerminalConfig)
	// Properties describes the connected device.
	Properties() (map[string]string, error)
	// Acquire fills row with exactly len(row) samples for average index. It blocks for up to
	// one average's duration. A driver may call report once with realized values.
	Acquire(ctx context.Context, row []float64, index int, cfg Config, report ReportFunc) error
}

// Configurer is implemented by drivers that can report realized values before the first
// acquisition.
type Configurer interface {
	Configure(ctx context.Context, cfg Config) (Realized, error)
}

// Closer is implemented by drivers holding OS resources.
type Closer interface {
	Close() error
}
