package filter

// Bin is one point of a spectrum.
type Bin struct {
	Freq  float64
	Value float64
}

type Filterer interface {
	ShouldIgnore(Bin) bool
}

// Filter returns the bins no filter ignores. freqs and values are paired by index; extra values
// in the longer slice are dropped.
func Filter(freqs, values []float64, filters ...Filterer) ([]float64, []float64) {
	n := min(len(freqs), len(values))
	outF := make([]float64, 0, n)
	outV := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		b := Bin{Freq: freqs[i], Value: values[i]}
		skip := false
		for _, f := range filters {
			if f.ShouldIgnore(b) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		outF = append(outF, b.Freq)
		outV = append(outV, b.Value)
	}
	return outF, outV
}

// ExcludeDC drops the 0 Hz bin.
type ExcludeDC struct{}

func (ExcludeDC) ShouldIgnore(b Bin) bool {
	return b.Freq == 0
}

// Band keeps bins within [Low, High] Hz. A zero High means no upper limit.
type Band struct {
	Low  float64
	High float64
}

func (f *Band) ShouldIgnore(b Bin) bool {
	// Check if the bin is below what we want to include.
	if b.Freq < f.Low {
		return true
	}
	// Check if the bin is above what we want to include.
	if f.High > 0 && b.Freq > f.High {
		return true
	}
	return false
}
