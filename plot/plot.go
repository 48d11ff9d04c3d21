// Package plot renders spectra and traces as PNG images.
package plot

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/filter"
)

var (
	gridColor           = color.RGBA{0, 0, 0, 255}       // black
	gridBackgroundColor = color.RGBA{255, 255, 255, 255} // white
	helperLineColor     = color.RGBA{225, 225, 225, 255} // light grey
	lineColor           = color.RGBA{0, 0, 255, 255}     // blue

	expSuffixLookup = map[int]string{
		0: "Hz",  // 10^0
		1: "kHz", // 10^3
		2: "MHz", // 10^6
		3: "GHz", // 10^9
	}
)

const (
	DefaultWidth  = 800
	DefaultHeight = 480

	gridMarginTop    = 25  // pixels
	gridMarginLeft   = 70  // pixels
	gridMarginBottom = 30  // pixels
	gridMarginRight  = 25  // pixels
	gridTickLen      = 5   // pixels
	linearTicks      = 5
	charWidth        = 7   // basicfont.Face7x13
	charHeight       = 13  // basicfont.Face7x13
)

type Options struct {
	Width  int
	Height int
	Title  string
	// Band limits the plotted frequencies of a spectrum.
	Band filter.Band
}

func (o Options) size() (int, int) {
	w, h := o.Width, o.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return w, h
}

// ReadableFreq formats a frequency with an SI prefix.
func ReadableFreq(freq float64) string {
	exp := 0
	for f := math.Abs(freq); f >= 1000; f = f / 1000.0 {
		exp += 1
	}
	suffix, ok := expSuffixLookup[exp]
	if !ok {
		return fmt.Sprintf("%g Hz", freq)
	}
	return fmt.Sprintf("%.4g %s", freq/math.Pow(1000, float64(exp)), suffix)
}

// UnitLabel returns the axis label for data recorded with the given config unit. The default
// "Volt" and an empty unit are shortened to "V".
func UnitLabel(unit string) string {
	if unit == "" || unit == "Volt" {
		return "V"
	}
	return unit
}

// Spectrum plots the amplitude spectral density sqrt(psd) over frequency on log-log axes. The
// DC bin is left out.
func Spectrum(freqs, psd []float64, unit string, opts Options) (*image.RGBA, error) {
	band := opts.Band
	f, p := filter.Filter(freqs, psd, filter.ExcludeDC{}, &band)
	var xs, ys []float64
	for i := range f {
		asd := math.Sqrt(p[i])
		if f[i] <= 0 || asd <= 0 || math.IsNaN(asd) || math.IsInf(asd, 0) {
			continue
		}
		xs = append(xs, f[i])
		ys = append(ys, asd)
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("spectrum has %d plottable bins: %w", len(xs), daq.ErrNoData)
	}
	if unit == "" {
		unit = "V"
	}
	if opts.Title == "" {
		opts.Title = fmt.Sprintf("ASD [%s/sqrt(Hz)]", unit)
	}
	xa := newAxis(xs, true, ReadableFreq)
	ya := newAxis(ys, true, func(v float64) string { return fmt.Sprintf("%.0e", v) })
	return draw2D(xs, ys, xa, ya, opts), nil
}

// Trace plots one average over time on linear axes.
func Trace(timeAxis, values []float64, unit string, opts Options) (*image.RGBA, error) {
	n := min(len(timeAxis), len(values))
	if n < 2 {
		return nil, fmt.Errorf("trace has %d samples: %w", n, daq.ErrNoData)
	}
	if unit == "" {
		unit = "V"
	}
	if opts.Title == "" {
		opts.Title = fmt.Sprintf("Signal [%s]", unit)
	}
	xs, ys := timeAxis[:n], values[:n]
	xa := newAxis(xs, false, func(v float64) string { return fmt.Sprintf("%.3g s", v) })
	ya := newAxis(ys, false, func(v float64) string { return fmt.Sprintf("%.3g", v) })
	return draw2D(xs, ys, xa, ya, opts), nil
}

// WriteImage encodes img to path, as JPEG if the path ends in .jpg or .jpeg and as PNG
// otherwise.
func WriteImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: jpeg.DefaultQuality})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", path, err)
	}
	return f.Close()
}

type axis struct {
	min, max float64
	log      bool
	label    func(float64) string
}

func newAxis(values []float64, log bool, label func(float64) string) axis {
	a := axis{min: math.Inf(1), max: math.Inf(-1), log: log, label: label}
	for _, v := range values {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	if a.min == a.max {
		if log {
			a.min, a.max = a.min/10, a.max*10
		} else {
			a.min, a.max = a.min-1, a.max+1
		}
	}
	return a
}

// pos maps v to [0, 1] along the axis.
func (a axis) pos(v float64) float64 {
	if a.log {
		return (math.Log10(v) - math.Log10(a.min)) / (math.Log10(a.max) - math.Log10(a.min))
	}
	return (v - a.min) / (a.max - a.min)
}

func (a axis) ticks() []float64 {
	if a.log {
		var t []float64
		for e := math.Ceil(math.Log10(a.min)); e <= math.Floor(math.Log10(a.max)); e++ {
			t = append(t, math.Pow(10, e))
		}
		if len(t) >= 2 {
			return t
		}
	}
	step := niceStep((a.max - a.min) / linearTicks)
	var t []float64
	for v := math.Ceil(a.min/step) * step; v <= a.max+step*1e-9; v += step {
		t = append(t, v)
	}
	return t
}

// niceStep rounds raw up to 1, 2 or 5 times a power of ten.
func niceStep(raw float64) float64 {
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	for _, m := range []float64{1, 2, 5, 10} {
		if m*mag >= raw {
			return m * mag
		}
	}
	return 10 * mag
}

func drawTick(canvas *image.RGBA, start image.Point, length int, horizontal bool, c color.RGBA) {
	for i := 0; i <= length; i++ {
		if horizontal {
			canvas.SetRGBA(start.X+i, start.Y, c)
		} else {
			canvas.SetRGBA(start.X, start.Y+i, c)
		}
	}
}

func drawString(canvas *image.RGBA, x, y int, s string) {
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(gridColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawLine draws a straight segment between two points.
func drawLine(canvas *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := x1-x0, y1-y0
	steps := max(abs(dx), abs(dy))
	if steps == 0 {
		canvas.SetRGBA(x0, y0, c)
		return
	}
	for i := 0; i <= steps; i++ {
		canvas.SetRGBA(x0+dx*i/steps, y0+dy*i/steps, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func draw2D(xs, ys []float64, xa, ya axis, opts Options) *image.RGBA {
	width, height := opts.size()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{gridBackgroundColor}, image.Point{}, draw.Src)

	area := image.Rect(gridMarginLeft, gridMarginTop, width-gridMarginRight, height-gridMarginBottom)
	px := func(v float64) int { return area.Min.X + int(math.Round(xa.pos(v)*float64(area.Dx()-1))) }
	py := func(v float64) int { return area.Max.Y - 1 - int(math.Round(ya.pos(v)*float64(area.Dy()-1))) }

	// Draw X ticks and helper lines.
	for _, t := range xa.ticks() {
		x := px(t)
		drawTick(canvas, image.Point{x, area.Min.Y}, area.Dy()-1, false, helperLineColor)
		drawTick(canvas, image.Point{x, area.Max.Y}, gridTickLen, false, gridColor)
		label := xa.label(t)
		drawString(canvas, x-len(label)*charWidth/2, area.Max.Y+gridTickLen+charHeight, label)
	}
	// Draw Y ticks and helper lines.
	for _, t := range ya.ticks() {
		y := py(t)
		drawTick(canvas, image.Point{area.Min.X, y}, area.Dx()-1, true, helperLineColor)
		drawTick(canvas, image.Point{area.Min.X - gridTickLen, y}, gridTickLen, true, gridColor)
		label := ya.label(t)
		drawString(canvas, area.Min.X-gridTickLen-2-len(label)*charWidth, y+charHeight/2-2, label)
	}
	// Frame.
	drawTick(canvas, image.Point{area.Min.X, area.Min.Y}, area.Dx()-1, true, gridColor)
	drawTick(canvas, image.Point{area.Min.X, area.Max.Y - 1}, area.Dx()-1, true, gridColor)
	drawTick(canvas, image.Point{area.Min.X, area.Min.Y}, area.Dy()-1, false, gridColor)
	drawTick(canvas, image.Point{area.Max.X - 1, area.Min.Y}, area.Dy()-1, false, gridColor)

	drawString(canvas, gridMarginLeft, gridMarginTop-8, opts.Title)

	for i := 1; i < len(xs); i++ {
		drawLine(canvas, px(xs[i-1]), py(ys[i-1]), px(xs[i]), py(ys[i]), lineColor)
	}
	return canvas
}
