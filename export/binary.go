package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const (
	npyMagic     = "\x93NUMPY"
	npyAlignment = 64
)

// BinaryFile stores the voltage matrix as a little-endian float64 .npy file with the header text in
// a ".metadata" sidecar. The optional datasets get their own .npy files with "_time",
// "_frequencies", "_psd" and "_psds" suffixes.
type BinaryFile struct {
	Path string
}

func (b *BinaryFile) Write(ctx context.Context, s *Session, opts Options) error {
	if err := writeNPYFile(b.Path, s.VoltageData); err != nil {
		return err
	}
	meta := b.Path + ".metadata"
	if err := os.WriteFile(meta, []byte(strings.Join(Header(s.Config), "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %w", meta, err)
	}

	extra := map[string][][]float64{}
	if opts.TimeAxis {
		extra["_time"] = [][]float64{s.TimeAxis}
	}
	if opts.PSDs {
		extra["_frequencies"] = [][]float64{s.Frequencies}
		extra["_psd"] = [][]float64{s.Aggregate}
		extra["_psds"] = s.PerRowPSD
	}
	for suffix, data := range extra {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeNPYFile(SiblingPath(b.Path, suffix), data); err != nil {
			return err
		}
	}
	return nil
}

func writeNPYFile(path string, rows [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := WriteNPY(w, rows); err != nil {
		return fmt.Errorf("unable to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// WriteNPY writes rows as a C-ordered 2-D float64 array in NumPy's .npy format, version 1.0.
// A single row is written as a 1-D array.
func WriteNPY(w io.Writer, rows [][]float64) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	for i, r := range rows {
		if len(r) != cols {
			return fmt.Errorf("row %d has %d values, want %d", i, len(r), cols)
		}
	}
	shape := fmt.Sprintf("(%d, %d)", len(rows), cols)
	if len(rows) == 1 {
		shape = fmt.Sprintf("(%d,)", cols)
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': %s, }", shape)
	// magic(6) + version(2) + header length(2) + header, padded to the alignment and ended by '\n'.
	pad := npyAlignment - (10+len(header)+1)%npyAlignment
	if pad == npyAlignment {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var pre bytes.Buffer
	pre.WriteString(npyMagic)
	pre.Write([]byte{1, 0})
	binary.Write(&pre, binary.LittleEndian, uint16(len(header)))
	pre.WriteString(header)
	if _, err := w.Write(pre.Bytes()); err != nil {
		return err
	}

	buf := make([]byte, 8*cols)
	for _, r := range rows {
		putFloats(buf, r)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

var npyShape = regexp.MustCompile(`'shape':\s*\(\s*(\d+)\s*,\s*(\d*)\s*\)`)

// ReadNPY reads a float64 array written by WriteNPY. 1-D arrays come back as a single row.
func ReadNPY(r io.Reader) ([][]float64, error) {
	pre := make([]byte, 10)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, err
	}
	if string(pre[:6]) != npyMagic || pre[6] != 1 {
		return nil, errors.New("not a version 1 .npy file")
	}
	header := make([]byte, binary.LittleEndian.Uint16(pre[8:]))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	h := string(header)
	if !strings.Contains(h, "'<f8'") || !strings.Contains(h, "'fortran_order': False") {
		return nil, fmt.Errorf("unsupported array %q", strings.TrimSpace(h))
	}
	m := npyShape.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("no shape in header %q", strings.TrimSpace(h))
	}
	first, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, err
	}
	rows, cols := 1, first
	if m[2] != "" {
		rows = first
		if cols, err = strconv.Atoi(m[2]); err != nil {
			return nil, err
		}
	}

	out := make([][]float64, rows)
	buf := make([]byte, 8*cols)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = getFloats(buf)
	}
	return out, nil
}

func putFloats(dst []byte, v []float64) {
	for i, f := range v {
		binary.LittleEndian.PutUint64(dst[8*i:], math.Float64bits(f))
	}
}

func getFloats(src []byte) []float64 {
	v := make([]float64, len(src)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[8*i:]))
	}
	return v
}
