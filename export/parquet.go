package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/segmentio/parquet-go"
)

// parquetTrace is one average. PSD is empty unless Options.PSDs is set.
type parquetTrace struct {
	Average int64     `parquet:"average"`
	Voltage []float64 `parquet:"voltage"`
	PSD     []float64 `parquet:"psd"`
}

// ParquetFile writes one row per average. The session configuration is stored as key/value
// metadata: every metadata field under its own key plus the whole config as JSON under
// "config". The time axis, frequencies and aggregate PSD go to JSON arrays in the metadata too.
type ParquetFile struct {
	Path string
}

func (p *ParquetFile) Write(ctx context.Context, s *Session, opts Options) error {
	options, err := parquetMetadata(s, opts)
	if err != nil {
		return err
	}

	f, err := os.Create(p.Path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", p.Path, err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[parquetTrace](f, options...)
	rows := make([]parquetTrace, len(s.VoltageData))
	for i, v := range s.VoltageData {
		rows[i] = parquetTrace{Average: int64(i), Voltage: v}
		if opts.PSDs && i < len(s.PerRowPSD) {
			rows[i].PSD = s.PerRowPSD[i]
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("unable to write rows to %s: %w", p.Path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("unable to close parquet writer: %w", err)
	}
	return f.Close()
}

func parquetMetadata(s *Session, opts Options) ([]parquet.WriterOption, error) {
	config, err := json.Marshal(s.Config)
	if err != nil {
		return nil, err
	}
	options := []parquet.WriterOption{parquet.KeyValueMetadata("config", string(config))}
	for _, f := range s.Config.Metadata() {
		options = append(options, parquet.KeyValueMetadata(f.Key, f.Value))
	}

	arrays := map[string][]float64{}
	if opts.TimeAxis {
		arrays["time_axis"] = s.TimeAxis
	}
	if opts.PSDs {
		arrays["frequencies"] = s.Frequencies
		arrays["psd"] = s.Aggregate
	}
	for k, v := range arrays {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unable to encode %s: %w", k, err)
		}
		options = append(options, parquet.KeyValueMetadata(k, string(b)))
	}
	return options, nil
}
