// Package export persists measurement sessions.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

// Session is everything a finished measurement produced.
type Session struct {
	Config      daq.Config
	TimeAxis    []float64
	VoltageData [][]float64
	Frequencies []float64
	PerRowPSD   [][]float64
	Aggregate   []float64
}

// FromBuffer copies the rows currently held by buf. A buffer truncated by an abort yields
// exactly its kept rows.
func FromBuffer(cfg daq.Config, buf *psd.Buffer) (*Session, error) {
	voltage := buf.VoltageData()
	if len(voltage) == 0 {
		return nil, fmt.Errorf("nothing to save: %w", daq.ErrNoData)
	}
	for i := range voltage {
		if !buf.Filled(i) {
			return nil, fmt.Errorf("average %d was never acquired: %w", i, daq.ErrNoData)
		}
	}
	return &Session{
		Config:      cfg,
		TimeAxis:    buf.TimeAxis(),
		VoltageData: voltage,
		Frequencies: buf.Frequencies(),
		PerRowPSD:   buf.PerRowPSD(),
		Aggregate:   buf.Aggregate(),
	}, nil
}

// Samples is the number of samples per average.
func (s *Session) Samples() int {
	if len(s.VoltageData) == 0 {
		return 0
	}
	return len(s.VoltageData[0])
}

// Options selects the optional datasets written next to the voltage data.
type Options struct {
	TimeAxis bool `json:"save_time_line"`
	PSDs     bool `json:"save_psds"`
}

type Exporter interface {
	Write(ctx context.Context, s *Session, opts Options) error
}

type Format string

const (
	Text    Format = "text"
	Binary  Format = "binary"
	Parquet Format = "parquet"
	SQLite  Format = "sqlite"
	MySQL   Format = "mysql"
)

var Formats = []Format{Text, Binary, Parquet, SQLite, MySQL}

func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown format %q, supported: %v: %w", s, Formats, daq.ErrInvalidConfiguration)
}

// Extension is the usual file name extension of the format, "" for databases.
func (f Format) Extension() string {
	switch f {
	case Text:
		return ".txt"
	case Binary:
		return ".npy"
	case Parquet:
		return ".parquet"
	case SQLite:
		return ".sqlite"
	}
	return ""
}

// Save writes s to dest in the given format. dest is a file path, or a DSN for MySQL.
func Save(ctx context.Context, format Format, dest string, s *Session, opts Options) error {
	if s == nil || len(s.VoltageData) == 0 {
		return fmt.Errorf("nothing to save: %w", daq.ErrNoData)
	}
	if dest == "" {
		return fmt.Errorf("no destination given: %w", daq.ErrInvalidConfiguration)
	}

	var e Exporter
	switch format {
	case Text:
		e = &TextFile{Path: dest}
	case Binary:
		e = &BinaryFile{Path: dest}
	case Parquet:
		e = &ParquetFile{Path: dest}
	case SQLite, MySQL:
		driver := "sqlite3"
		if format == MySQL {
			driver = "mysql"
		}
		db, err := sql.Open(driver, dest)
		if err != nil {
			return fmt.Errorf("unable to open %s database: %w", format, err)
		}
		defer db.Close()
		dialect := SQLiteDialect
		if format == MySQL {
			dialect = MySQLDialect
		}
		e = &SQL{DB: db, Dialect: dialect}
	default:
		return fmt.Errorf("unknown format %q: %w", format, daq.ErrInvalidConfiguration)
	}

	if err := e.Write(ctx, s, opts); err != nil {
		return err
	}
	if format == MySQL {
		glog.Infof("Data of session %s saved to MySQL", s.Config.SessionID)
	} else {
		glog.Infof("Data saved to %s", dest)
	}
	return nil
}

// Header returns the human-readable description stored with file exports: a title line followed
// by one "key: value" line per metadata field.
func Header(cfg daq.Config) []string {
	lines := []string{fmt.Sprintf("Measurement with Driver:%s on Device:%s", cfg.Driver, cfg.Device)}
	for _, f := range cfg.Metadata() {
		lines = append(lines, f.Key+": "+f.Value)
	}
	return lines
}

// ParseHeader reads the metadata fields back from header lines. Lines that are not
// "key: value" pairs are skipped.
func ParseHeader(lines []string) (daq.Config, error) {
	var fields []daq.Field
	for _, l := range lines {
		key, value, ok := strings.Cut(l, ": ")
		if !ok || strings.ContainsAny(key, " :") {
			continue
		}
		fields = append(fields, daq.Field{Key: key, Value: value})
	}
	return daq.ConfigFromMetadata(fields)
}

// ComputePSD fills in the periodograms and the aggregate from the voltage data when the source
// did not store them.
func (s *Session) ComputePSD() error {
	if len(s.VoltageData) == 0 {
		return fmt.Errorf("no voltage data: %w", daq.ErrNoData)
	}
	if len(s.PerRowPSD) == len(s.VoltageData) && len(s.Aggregate) > 0 && len(s.Frequencies) == len(s.Aggregate) {
		return nil
	}
	fs := s.Config.EffectiveSampleRate()
	if fs <= 0 {
		return fmt.Errorf("unknown sample rate: %w", daq.ErrInvalidConfiguration)
	}
	s.PerRowPSD = make([][]float64, len(s.VoltageData))
	for i, row := range s.VoltageData {
		s.Frequencies, s.PerRowPSD[i] = psd.Periodogram(row, fs)
	}
	s.Aggregate = make([]float64, len(s.Frequencies))
	for _, p := range s.PerRowPSD {
		for k, v := range p {
			s.Aggregate[k] += v / float64(len(s.PerRowPSD))
		}
	}
	return nil
}
