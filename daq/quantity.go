package daq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Unit tags a Quantity. Only the units the acquisition path needs are known.
type Unit string

const (
	Hertz     Unit = "Hz"
	Kilohertz Unit = "kHz"
	Megahertz Unit = "MHz"

	Second      Unit = "s"
	Millisecond Unit = "ms"
	Microsecond Unit = "us"

	Volt      Unit = "V"
	Millivolt Unit = "mV"
	Microvolt Unit = "uV"
)

type dimension string

const (
	frequency dimension = "frequency"
	timespan  dimension = "time"
	voltage   dimension = "voltage"
)

var units = map[Unit]struct {
	dim   dimension
	scale float64 // relative to the base unit of the dimension
}{
	Hertz:       {frequency, 1},
	Kilohertz:   {frequency, 1e3},
	Megahertz:   {frequency, 1e6},
	Second:      {timespan, 1},
	Millisecond: {timespan, 1e-3},
	Microsecond: {timespan, 1e-6},
	Volt:        {voltage, 1},
	Millivolt:   {voltage, 1e-3},
	Microvolt:   {voltage, 1e-6},
}

// Quantity is a value tagged with its unit.
type Quantity struct {
	Value float64 `json:"magnitude"`
	Unit  Unit    `json:"unit"`
}

func Hz(v float64) Quantity      { return Quantity{v, Hertz} }
func Seconds(v float64) Quantity { return Quantity{v, Second} }
func Volts(v float64) Quantity   { return Quantity{v, Volt} }

// In converts q to unit u. Converting across dimensions fails.
func (q Quantity) In(u Unit) (float64, error) {
	from, ok := units[q.Unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q: %w", q.Unit, ErrInvalidConfiguration)
	}
	to, ok := units[u]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q: %w", u, ErrInvalidConfiguration)
	}
	if from.dim != to.dim {
		return 0, fmt.Errorf("cannot convert %s to %s: %w", q.Unit, u, ErrInvalidConfiguration)
	}
	return q.Value * from.scale / to.scale, nil
}

// MustIn is In for quantities already checked by Config.Validate.
func (q Quantity) MustIn(u Unit) float64 {
	v, err := q.In(u)
	if err != nil {
		panic(err)
	}
	return v
}

func (q Quantity) String() string {
	return strconv.FormatFloat(q.Value, 'g', -1, 64) + " " + string(q.Unit)
}

func (q Quantity) dimension() (dimension, bool) {
	u, ok := units[q.Unit]
	return u.dim, ok
}

// ParseQuantity parses strings like "100 kHz", "2s" or "-3 V".
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	split := len(s)
	for i, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			split = i
			break
		}
	}
	// "e" and "E" are exponent markers only when followed by a digit or sign.
	for split > 0 && (s[split-1] == 'e' || s[split-1] == 'E') {
		split--
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:split]), 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("unable to parse quantity %q: %w", s, ErrInvalidConfiguration)
	}
	u := Unit(strings.TrimSpace(s[split:]))
	if _, ok := units[u]; !ok {
		return Quantity{}, fmt.Errorf("unknown unit in quantity %q: %w", s, ErrInvalidConfiguration)
	}
	return Quantity{Value: v, Unit: u}, nil
}

// UnmarshalJSON accepts both {"magnitude": 1, "unit": "kHz"} and "1 kHz".
func (q *Quantity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParseQuantity(s)
		if err != nil {
			return err
		}
		*q = parsed
		return nil
	}
	type plain Quantity
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = Quantity(p)
	return nil
}
