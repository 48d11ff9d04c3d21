package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hb9tf/spectran/daq"
)

const (
	commentPrefix = "# "
	columnsKey    = "columns"
	timeColumn    = "time"
	freqColumn    = "frequency"
	psdColumn     = "psd"
)

// TextFile writes tab-separated columns, one per average, below a "#" comment header. With
// Options.PSDs the spectra go to a second file with a "_psd" suffix.
type TextFile struct {
	Path string
}

func (t *TextFile) Write(ctx context.Context, s *Session, opts Options) error {
	columns, names := voltageColumns(s, opts)
	if err := writeColumns(t.Path, s.Config, names, columns); err != nil {
		return err
	}
	if !opts.PSDs {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	columns, names = psdColumns(s)
	return writeColumns(SiblingPath(t.Path, "_psd"), s.Config, names, columns)
}

func averageName(i int) string {
	return "average_" + strconv.Itoa(i)
}

func voltageColumns(s *Session, opts Options) ([][]float64, []string) {
	var columns [][]float64
	var names []string
	if opts.TimeAxis {
		columns = append(columns, s.TimeAxis)
		names = append(names, timeColumn)
	}
	for i, row := range s.VoltageData {
		columns = append(columns, row)
		names = append(names, averageName(i))
	}
	return columns, names
}

func psdColumns(s *Session) ([][]float64, []string) {
	columns := [][]float64{s.Frequencies, s.Aggregate}
	names := []string{freqColumn, psdColumn}
	for i, row := range s.PerRowPSD {
		columns = append(columns, row)
		names = append(names, averageName(i))
	}
	return columns, names
}

// SiblingPath inserts suffix between the base name and the extension of path.
func SiblingPath(path, suffix string) string {
	dot := strings.LastIndex(path, ".")
	if dot <= strings.LastIndex(path, "/") {
		return path + suffix
	}
	return path[:dot] + suffix + path[dot:]
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'e', -1, 64)
}

func writeColumns(path string, cfg daq.Config, names []string, columns [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, l := range Header(cfg) {
		fmt.Fprintln(bw, commentPrefix+l)
	}
	fmt.Fprintln(bw, commentPrefix+columnsKey+": "+strings.Join(names, "\t"))

	w := csv.NewWriter(bw)
	w.Comma = '\t'
	rows := 0
	for _, c := range columns {
		rows = max(rows, len(c))
	}
	record := make([]string, len(columns))
	for k := 0; k < rows; k++ {
		for j, c := range columns {
			record[j] = ""
			if k < len(c) {
				record[j] = formatValue(c[k])
			}
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("error while writing line %d: %w", k, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("error flushing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// ReadText reads a file written by TextFile back. Only the voltage file is read: the
// configuration, the time axis if present and the averages.
func ReadText(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var header []string
	var names []string
	for {
		peek, err := br.Peek(1)
		if err != nil || peek[0] != '#' {
			break
		}
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimPrefix(strings.TrimRight(line, "\r\n"), commentPrefix)
		if cols, ok := strings.CutPrefix(line, columnsKey+": "); ok {
			names = strings.Split(cols, "\t")
			continue
		}
		header = append(header, line)
	}
	cfg, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s has no columns line: %w", path, daq.ErrNoData)
	}

	r := csv.NewReader(br)
	r.Comma = '\t'
	r.FieldsPerRecord = len(names)
	r.ReuseRecord = true
	columns := make([][]float64, len(names))
	for line := 0; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for j, field := range record {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, names[j], err)
			}
			columns[j] = append(columns[j], v)
		}
	}

	s := &Session{Config: cfg}
	for j, name := range names {
		if name == timeColumn {
			s.TimeAxis = columns[j]
			continue
		}
		s.VoltageData = append(s.VoltageData, columns[j])
	}
	if len(s.VoltageData) == 0 {
		return nil, fmt.Errorf("%s holds no averages: %w", path, daq.ErrNoData)
	}
	return s, nil
}
