// Package drivers maps driver names to daq.Driver implementations.
package drivers

import (
	"fmt"
	"sort"

	"github.com/hb9tf/spectran/audio"
	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/serialadc"
	"github.com/hb9tf/spectran/simulated"
)

// Options tunes the drivers that need it.
type Options struct {
	// Seed of the simulated driver, 0 for the clock.
	Seed int64
	// Realtime paces the simulated driver to the configured duration.
	Realtime bool
	// Baud rate of the serial ADC.
	Baud int
}

var factories = map[string]func(Options) daq.Driver{
	simulated.SourceName: func(o Options) daq.Driver {
		d := simulated.New(o.Seed)
		d.Realtime = o.Realtime
		return d
	},
	serialadc.SourceName: func(o Options) daq.Driver {
		return serialadc.New(o.Baud)
	},
	audio.SourceName: func(Options) daq.Driver {
		return audio.New()
	},
}

// Names lists the known drivers, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a fresh instance of the named driver.
func New(name string, opts Options) (daq.Driver, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q, supported: %v: %w", name, Names(), daq.ErrNotReady)
	}
	return f(opts), nil
}
