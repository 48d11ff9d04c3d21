package main

/*
This application renders plots of a saved measurement: the averaged spectrum, a waterfall of
the per-average periodograms and the trace of one average.

It reads text exports and sqlite databases.
*/

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/export"
	"github.com/hb9tf/spectran/filter"
	"github.com/hb9tf/spectran/plot"

	// Blind import support for sqlite3 used by export.LoadSQL.
	_ "github.com/mattn/go-sqlite3"
)

// Flags
var (
	input         = flag.String("input", "", "Text export or sqlite DB file to read the measurement from.")
	sessionID     = flag.String("session", "", "Session to render from a sqlite DB, the latest one if empty.")
	listSessions  = flag.Bool("list", false, "List the sessions stored in the sqlite DB and exit.")
	lowFreq       = flag.Float64("lowFreq", 0, "Plot frequencies from this value in Hz.")
	highFreq      = flag.Float64("highFreq", 0, "Plot frequencies up to this value in Hz, 0 for no limit.")
	spectrumPath  = flag.String("spectrumPath", "/tmp/spectrum.png", "Path of the spectrum image, empty to skip.")
	waterfallPath = flag.String("waterfallPath", "", "Path of the waterfall image, empty to skip.")
	tracePath     = flag.String("tracePath", "", "Path of the trace image, empty to skip.")
	traceIndex    = flag.Int("trace", 0, "Average whose trace is plotted.")
	imgWidth      = flag.Int("imgWidth", plot.DefaultWidth, "Width of output images in pixels.")
	imgHeight     = flag.Int("imgHeight", plot.DefaultHeight, "Height of output images in pixels.")
)

const timeFmt = "2006-01-02 15:04:05"

func isDB(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".db":
		return true
	}
	return false
}

func load(ctx context.Context) (*export.Session, error) {
	if !isDB(*input) {
		return export.ReadText(*input)
	}
	db, err := sql.Open("sqlite3", *input)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite DB %q: %w", *input, err)
	}
	defer db.Close()

	if *listSessions {
		sessions, err := export.ListSessions(ctx, db)
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %s/%s  %d averages\n", s.SessionID, time.UnixMilli(s.StartUnix).Format(timeFmt), s.Driver, s.Device, s.Averages)
		}
		return nil, nil
	}
	return export.LoadSQL(ctx, db, *sessionID)
}

func main() {
	ctx := context.Background()
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	if *input == "" {
		glog.Exit("-input is required")
	}
	s, err := load(ctx)
	if err != nil {
		glog.Exitf("unable to load measurement from %q: %s", *input, err)
	}
	if s == nil {
		return
	}
	if err := s.ComputePSD(); err != nil {
		glog.Exitf("unable to compute spectra: %s", err)
	}

	cfg := s.Config
	fmt.Println("Selected session metadata:")
	fmt.Printf("  - Session: %s\n", cfg.SessionID)
	fmt.Printf("  - Driver: %s on %s (%s)\n", cfg.Driver, cfg.Device, cfg.Channel)
	fmt.Printf("  - Start time: %s\n", cfg.StartTime.Format(timeFmt))
	fmt.Printf("  - Sample rate: %s (realized %s)\n", cfg.SampleRate, plot.ReadableFreq(cfg.EffectiveSampleRate()))
	fmt.Printf("  - Averages: %d x %d samples\n", len(s.VoltageData), s.Samples())

	opts := plot.Options{
		Width:  *imgWidth,
		Height: *imgHeight,
		Band:   filter.Band{Low: *lowFreq, High: *highFreq},
	}
	unit := plot.UnitLabel(cfg.Unit)

	if *spectrumPath != "" {
		img, err := plot.Spectrum(s.Frequencies, s.Aggregate, unit, opts)
		if err != nil {
			glog.Exitf("unable to plot spectrum: %s", err)
		}
		write(*spectrumPath, img)
	}
	if *waterfallPath != "" {
		img, err := plot.Waterfall(s.Frequencies, s.PerRowPSD, opts)
		if err != nil {
			glog.Exitf("unable to render waterfall: %s", err)
		}
		write(*waterfallPath, img)
	}
	if *tracePath != "" {
		if *traceIndex < 0 || *traceIndex >= len(s.VoltageData) {
			glog.Exitf("trace %d out of range, the session has %d averages", *traceIndex, len(s.VoltageData))
		}
		timeAxis := s.TimeAxis
		if len(timeAxis) != s.Samples() {
			timeAxis = make([]float64, s.Samples())
			for i := range timeAxis {
				timeAxis[i] = float64(i) / cfg.EffectiveSampleRate()
			}
		}
		img, err := plot.Trace(timeAxis, s.VoltageData[*traceIndex], unit, opts)
		if err != nil {
			glog.Exitf("unable to plot trace: %s", err)
		}
		write(*tracePath, img)
	}
}

func write(path string, img image.Image) {
	fmt.Printf("Writing image to %q\n", path)
	if err := plot.WriteImage(path, img); err != nil {
		glog.Exitf("unable to write %q: %s", path, err)
	}
}
