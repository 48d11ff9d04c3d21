package daq

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const timeFmt = "2006-01-02 15:04:05"

// TerminalConfig is the input terminal mode of an analog-input channel.
type TerminalConfig string

const (
	TerminalDefault    TerminalConfig = "DEFAULT"
	TerminalDiff       TerminalConfig = "DIFF"
	TerminalRSE        TerminalConfig = "RSE"
	TerminalNRSE       TerminalConfig = "NRSE"
	TerminalPseudoDiff TerminalConfig = "PSEUDO_DIFF"
)

// Realized holds what the hardware actually configured. Zero values mean "not reported".
type Realized struct {
	SampleRate float64 `json:"sample_rate_hz"`
	RangeMin   float64 `json:"range_min_v"`
	RangeMax   float64 `json:"range_max_v"`
}

// Config describes one acquisition session. The acquisition loop copies it at start and only
// fills in the provenance fields (SessionID, StartTime, Realized) on its copy.
type Config struct {
	Driver         string         `json:"driver"`
	Device         string         `json:"device"`
	Channel        string         `json:"input_channel"`
	TerminalConfig TerminalConfig `json:"terminal_config"`

	// SampleRate is the requested sample rate.
	SampleRate Quantity `json:"sample_rate"`
	// Duration is the length of a single average.
	Duration Quantity `json:"duration"`
	// Averages is how many traces are acquired and averaged.
	Averages int `json:"averages"`
	// RangeMin and RangeMax are the requested signal range.
	RangeMin Quantity `json:"signal_range_min"`
	RangeMax Quantity `json:"signal_range_max"`
	// Unit labels the acquired data, e.g. "Volt".
	Unit string `json:"unit"`

	SessionID string    `json:"session_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	Realized  Realized  `json:"realized"`
}

// DefaultConfig returns the values used when nothing else was configured.
func DefaultConfig() Config {
	return Config{
		Channel:        "ai0",
		TerminalConfig: TerminalDefault,
		SampleRate:     Quantity{100, Kilohertz},
		Duration:       Seconds(2),
		Averages:       1,
		RangeMin:       Volts(-10),
		RangeMax:       Volts(10),
		Unit:           "Volt",
	}
}

// SampleRateHz returns the requested sample rate in Hz, 0 if it has the wrong unit.
func (c Config) SampleRateHz() float64 {
	v, _ := c.SampleRate.In(Hertz)
	return v
}

// DurationSeconds returns the duration of one average in seconds, 0 if it has the wrong unit.
func (c Config) DurationSeconds() float64 {
	v, _ := c.Duration.In(Second)
	return v
}

// EffectiveSampleRate is the realized sample rate if the hardware reported one, else the
// requested one.
func (c Config) EffectiveSampleRate() float64 {
	if c.Realized.SampleRate > 0 {
		return c.Realized.SampleRate
	}
	return c.SampleRateHz()
}

// SamplesPerAverage is floor(duration * sampleRate).
func (c Config) SamplesPerAverage() int {
	return SamplesPerAverage(c.DurationSeconds(), c.SampleRateHz())
}

// SamplesPerAverage is floor(duration * sampleRate).
func SamplesPerAverage(duration, sampleRate float64) int {
	n := math.Floor(duration * sampleRate)
	if math.IsNaN(n) || n < 0 || n > math.MaxInt32 {
		return 0
	}
	return int(n)
}

func checkDimension(name string, q Quantity, want dimension) error {
	dim, ok := q.dimension()
	if !ok {
		return fmt.Errorf("%s has unknown unit %q: %w", name, q.Unit, ErrInvalidConfiguration)
	}
	if dim != want {
		return fmt.Errorf("%s must be a %s, got %s: %w", name, want, q, ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks that the configuration can be acquired.
func (c Config) Validate() error {
	if c.Averages < 1 {
		return fmt.Errorf("averages must be at least 1, got %d: %w", c.Averages, ErrInvalidConfiguration)
	}
	if err := checkDimension("sample rate", c.SampleRate, frequency); err != nil {
		return err
	}
	if err := checkDimension("duration", c.Duration, timespan); err != nil {
		return err
	}
	if err := checkDimension("signal range min", c.RangeMin, voltage); err != nil {
		return err
	}
	if err := checkDimension("signal range max", c.RangeMax, voltage); err != nil {
		return err
	}
	if c.SampleRate.Value <= 0 || c.Duration.Value <= 0 {
		return fmt.Errorf("sample rate and duration must be positive: %w", ErrInvalidConfiguration)
	}
	if n := c.SamplesPerAverage(); n <= 2 {
		return fmt.Errorf("duration too short for the sample rate (%d samples): %w", n, ErrInvalidConfiguration)
	}
	if c.RangeMin.MustIn(Volt) >= c.RangeMax.MustIn(Volt) {
		return fmt.Errorf("signal range min %s is not below max %s: %w", c.RangeMin, c.RangeMax, ErrInvalidConfiguration)
	}
	return nil
}

// Field is one metadata entry.
type Field struct {
	Key   string
	Value string
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metadata flattens the configuration, realized values included, into ordered string fields
// for saved files.
func (c Config) Metadata() []Field {
	start := ""
	if !c.StartTime.IsZero() {
		start = c.StartTime.Format(timeFmt)
	}
	return []Field{
		{"session_id", c.SessionID},
		{"driver", c.Driver},
		{"device", c.Device},
		{"start_time", start},
		{"input_channel", c.Channel},
		{"terminal_config", string(c.TerminalConfig)},
		{"duration", c.Duration.String()},
		{"sample_rate", c.SampleRate.String()},
		{"sample_rate_real", formatFloat(c.Realized.SampleRate) + " " + string(Hertz)},
		{"signal_range_min", c.RangeMin.String()},
		{"signal_range_max", c.RangeMax.String()},
		{"signal_range_min_real", formatFloat(c.Realized.RangeMin) + " " + string(Volt)},
		{"signal_range_max_real", formatFloat(c.Realized.RangeMax) + " " + string(Volt)},
		{"averages", strconv.Itoa(c.Averages)},
		{"unit", c.Unit},
	}
}

// ConfigFromMetadata is the inverse of Metadata. Unknown keys are ignored.
func ConfigFromMetadata(fields []Field) (Config, error) {
	var c Config
	for _, f := range fields {
		var err error
		switch f.Key {
		case "session_id":
			c.SessionID = f.Value
		case "driver":
			c.Driver = f.Value
		case "device":
			c.Device = f.Value
		case "start_time":
			if f.Value != "" {
				c.StartTime, err = time.ParseInLocation(timeFmt, f.Value, time.Local)
			}
		case "input_channel":
			c.Channel = f.Value
		case "terminal_config":
			c.TerminalConfig = TerminalConfig(f.Value)
		case "duration":
			c.Duration, err = ParseQuantity(f.Value)
		case "sample_rate":
			c.SampleRate, err = ParseQuantity(f.Value)
		case "sample_rate_real":
			c.Realized.SampleRate, err = parseBase(f.Value, Hertz)
		case "signal_range_min":
			c.RangeMin, err = ParseQuantity(f.Value)
		case "signal_range_max":
			c.RangeMax, err = ParseQuantity(f.Value)
		case "signal_range_min_real":
			c.Realized.RangeMin, err = parseBase(f.Value, Volt)
		case "signal_range_max_real":
			c.Realized.RangeMax, err = parseBase(f.Value, Volt)
		case "averages":
			c.Averages, err = strconv.Atoi(f.Value)
		case "unit":
			c.Unit = f.Value
		}
		if err != nil {
			return Config{}, fmt.Errorf("unable to parse metadata field %q: %w", f.Key, err)
		}
	}
	return c, nil
}

func parseBase(s string, u Unit) (float64, error) {
	q, err := ParseQuantity(s)
	if err != nil {
		return 0, err
	}
	return q.In(u)
}
