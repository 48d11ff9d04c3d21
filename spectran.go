package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/acquisition"
	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/drivers"
	"github.com/hb9tf/spectran/export"
	"github.com/hb9tf/spectran/filter"
	"github.com/hb9tf/spectran/plot"
	"github.com/hb9tf/spectran/psd"
)

// Flags
var (
	driverName = flag.String("driver", "simulated", fmt.Sprintf("DAQ driver to use (one of: %s)", strings.Join(drivers.Names(), ", ")))
	device     = flag.String("device", "", "Device to acquire from, the first one the driver lists if empty.")
	list       = flag.Bool("list", false, "List the devices, ports and terminal configs of the driver and exit.")
	channel    = flag.String("channel", "ai0", "Analog input channel.")
	terminal   = flag.String("terminal", "", "Terminal config, the driver's default if empty.")
	sampleRate = flag.String("sampleRate", "100 kHz", "Sample rate, e.g. 100 kHz.")
	duration   = flag.String("duration", "2 s", "Duration of a single average, e.g. 500 ms.")
	averages   = flag.Int("averages", 1, "Number of averages to acquire.")
	rangeMin   = flag.String("rangeMin", "-10 V", "Lower end of the signal range.")
	rangeMax   = flag.String("rangeMax", "10 V", "Upper end of the signal range.")
	noSpectrum = flag.Bool("noSpectrum", false, "Skip the live PSD computation, the spectrum is computed after the last average.")

	// Drivers
	seed     = flag.Int64("seed", 0, "Seed of the simulated driver, 0 to seed from the clock.")
	realtime = flag.Bool("realtime", false, "Pace the simulated driver to the configured duration.")
	baud     = flag.Int("baud", 115200, "Baud rate of the serial ADC.")

	// Export
	format       = flag.String("format", "text", fmt.Sprintf("Export format to use (one of: %v), empty to skip saving.", export.Formats))
	output       = flag.String("output", "", "File path to save to, /tmp/spectran with the format's extension if empty.")
	saveTimeLine = flag.Bool("saveTimeLine", false, "Save the time axis along with the voltage data.")
	savePSDs     = flag.Bool("savePSDs", false, "Save the frequencies, the averaged and the per-average PSDs.")

	// MySQL
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser         = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName       = flag.String("mysqlDBName", "spectran", "Name of the DB to use.")

	// Plot
	plotPath = flag.String("plot", "", "Path of the spectrum image, empty to skip plotting.")
	livePlot = flag.Bool("livePlot", false, "Redraw the spectrum image after every average.")
	lowFreq  = flag.Float64("lowFreq", 0, "Plot frequencies from this value in Hz.")
	highFreq = flag.Float64("highFreq", 0, "Plot frequencies up to this value in Hz, 0 for no limit.")
)

// progressLog reports run events on the console.
type progressLog struct {
	last acquisition.State
}

func (p *progressLog) OnProgress(index int, settle bool, snap psd.Snapshot) {
	if settle {
		glog.Infof("Spectrum settled over %d/%d averages", snap.Done, snap.Rows)
		return
	}
	glog.V(1).Infof("Average %d acquired, %d/%d spectra computed", index+1, snap.Done, snap.Rows)
}

func (p *progressLog) OnError(kind daq.Kind, message string) {
	glog.Errorf("%s: %s", kind, message)
}

func (p *progressLog) OnFinished(state acquisition.State) {
	p.last = state
}

func quantity(name, value string) daq.Quantity {
	q, err := daq.ParseQuantity(value)
	if err != nil {
		glog.Exitf("invalid -%s: %s", name, err)
	}
	return q
}

func listDriver(d daq.Driver) {
	devices, err := d.ListDevices()
	if err != nil {
		glog.Exitf("unable to list devices of %s: %s", d.Name(), err)
	}
	fmt.Printf("Devices of %s:\n", d.Name())
	for _, dev := range devices {
		fmt.Printf("  - %s\n", dev)
	}
	if d.ConnectedDevice() == "" {
		return
	}
	ports, err := d.ListPorts()
	if err != nil {
		glog.Exitf("unable to list ports: %s", err)
	}
	fmt.Printf("Ports of %s: %s\n", d.ConnectedDevice(), strings.Join(ports, ", "))
	configs, def := d.ListTerminalConfigs()
	fmt.Printf("Terminal configs: %v (default %s)\n", configs, def)
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	// Driver setup
	drv, err := drivers.New(strings.ToLower(*driverName), drivers.Options{
		Seed:     *seed,
		Realtime: *realtime,
		Baud:     *baud,
	})
	if err != nil {
		glog.Exit(err)
	}
	if closer, ok := drv.(daq.Closer); ok {
		defer closer.Close()
	}
	dev := *device
	if dev == "" {
		devices, err := drv.ListDevices()
		if err != nil || len(devices) == 0 {
			if *list {
				listDriver(drv)
				return
			}
			glog.Exitf("no device found for driver %s (%v), pick one with -device", drv.Name(), err)
		}
		dev = devices[0]
	}
	if err := drv.Connect(dev); err != nil {
		glog.Exitf("unable to connect to %s: %s", dev, err)
	}
	if *list {
		listDriver(drv)
		return
	}

	// Session config
	cfg := daq.DefaultConfig()
	cfg.Channel = *channel
	cfg.SampleRate = quantity("sampleRate", *sampleRate)
	cfg.Duration = quantity("duration", *duration)
	cfg.Averages = *averages
	cfg.RangeMin = quantity("rangeMin", *rangeMin)
	cfg.RangeMax = quantity("rangeMax", *rangeMax)
	cfg.TerminalConfig = daq.TerminalConfig(strings.ToUpper(*terminal))
	if *terminal == "" {
		_, cfg.TerminalConfig = drv.ListTerminalConfigs()
	}

	// Exporter setup
	var saveFormat export.Format
	dest := *output
	if *format != "" {
		if saveFormat, err = export.ParseFormat(*format); err != nil {
			glog.Exit(err)
		}
		switch {
		case saveFormat == export.MySQL:
			dest, err = export.MySQLOptions{
				Server:       *mysqlServer,
				User:         *mysqlUser,
				PasswordFile: *mysqlPasswordFile,
				DBName:       *mysqlDBName,
			}.DSN()
			if err != nil {
				glog.Exit(err)
			}
		case dest == "":
			dest = "/tmp/spectran" + saveFormat.Extension()
		}
	}

	// Run
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := acquisition.NewLoop(drv)
	loop.SetSpectrumEnabled(!*noSpectrum)
	run, err := loop.Start(ctx, cfg)
	if err != nil {
		glog.Exitf("unable to start measurement: %s", err)
	}

	progress := &progressLog{}
	consumer := acquisition.Consumer(progress)
	if *plotPath != "" {
		consumer = acquisition.Consumers(progress, &plot.Writer{
			Path: *plotPath,
			Unit: cfg.Unit,
			Live: *livePlot,
			Options: plot.Options{
				Band: filter.Band{Low: *lowFreq, High: *highFreq},
			},
		})
	}
	if err := acquisition.Dispatch(context.Background(), run.Events(), consumer); err != nil {
		glog.Exit(err)
	}
	runErr := run.Wait()
	fmt.Printf("Measurement %s %s with %d averages\n", run.ID(), strings.ToLower(run.State().String()), loop.Buffer().Rows())

	if saveFormat != "" {
		session, err := export.FromBuffer(loop.Config(), loop.Buffer())
		if err != nil {
			glog.Warningf("nothing saved: %s", err)
		} else if err := export.Save(context.Background(), saveFormat, dest, session, export.Options{
			TimeAxis: *saveTimeLine,
			PSDs:     *savePSDs,
		}); err != nil {
			glog.Errorf("unable to save measurement: %s", err)
		}
	}
	if runErr != nil {
		glog.Flush()
		os.Exit(1)
	}
}
