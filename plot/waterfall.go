package plot

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/filter"
)

// Colors defining the gradient in the heatmap. The higher the index, the warmer.
var gradient = []color.RGBA{
	{0, 0, 0, 255},       // black
	{0, 0, 255, 255},     // blue
	{0, 255, 255, 255},   // cyan
	{0, 255, 0, 255},     // green
	{255, 255, 0, 255},   // yellow
	{255, 0, 0, 255},     // red
	{255, 255, 255, 255}, // white
}

// levelColor interpolates the gradient at lvl, which is clamped to [0, 1].
func levelColor(lvl float64) color.RGBA {
	lvl = math.Max(0, math.Min(1, lvl))
	pos := lvl * float64(len(gradient)-1)
	i := int(pos)
	if i >= len(gradient)-1 {
		return gradient[len(gradient)-1]
	}
	fract := pos - float64(i)
	prev, next := gradient[i], gradient[i+1]
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*fract))
	}
	return color.RGBA{mix(prev.R, next.R), mix(prev.G, next.G), mix(prev.B, next.B), 255}
}

// Waterfall renders the per-average periodograms as a heat map: one band of lines per average
// from top to bottom, frequency from left to right, and the PSD in dB as color. When there are
// more bins than pixels, a pixel shows the loudest bin it covers.
func Waterfall(freqs []float64, rows [][]float64, opts Options) (*image.RGBA, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no periodograms to render: %w", daq.ErrNoData)
	}
	idx := make([]float64, len(freqs))
	for i := range idx {
		idx[i] = float64(i)
	}
	band := opts.Band
	_, kept := filter.Filter(freqs, idx, filter.ExcludeDC{}, &band)
	if len(kept) == 0 {
		return nil, fmt.Errorf("no frequency bins in band: %w", daq.ErrNoData)
	}

	minDB, maxDB := math.Inf(1), math.Inf(-1)
	levels := make([][]float64, len(rows))
	for r, row := range rows {
		levels[r] = make([]float64, len(kept))
		for k, i := range kept {
			db := math.NaN()
			if j := int(i); j < len(row) && row[j] > 0 {
				db = 10 * math.Log10(row[j])
				minDB = math.Min(minDB, db)
				maxDB = math.Max(maxDB, db)
			}
			levels[r][k] = db
		}
	}
	dbRange := maxDB - minDB
	if math.IsInf(dbRange, 0) || math.IsNaN(dbRange) {
		return nil, fmt.Errorf("no positive PSD values: %w", daq.ErrNoData)
	}
	if dbRange == 0 {
		dbRange = 1
	}

	width, height := opts.size()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	cols := len(kept)
	for y := 0; y < height; y++ {
		line := levels[y*len(rows)/height]
		for x := 0; x < width; x++ {
			k0 := x * cols / width
			k1 := max(k0+1, (x+1)*cols/width)
			loudest := math.NaN()
			for _, db := range line[k0:k1] {
				if math.IsNaN(loudest) || db > loudest {
					loudest = db
				}
			}
			c := gradient[0]
			if !math.IsNaN(loudest) {
				c = levelColor((loudest - minDB) / dbRange)
			}
			canvas.SetRGBA(x, y, c)
		}
	}
	return canvas, nil
}
