package daq

import (
	"errors"
)

// Error kinds surfaced by the acquisition pipeline. Errors returned by the packages in this
// module wrap one of these, so callers classify them with errors.Is or KindOf.
var (
	ErrNotReady             = errors.New("no driver selected")
	ErrNoDevice             = errors.New("no device connected")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrAlreadyRunning       = errors.New("measurement already running")
	ErrAcquisition          = errors.New("acquisition failed")
	ErrNoData               = errors.New("no data")
	ErrIndexOutOfRange      = errors.New("index out of range")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotReady
	KindNoDevice
	KindInvalidConfiguration
	KindAlreadyRunning
	KindAcquisition
	KindNoData
	KindIndexOutOfRange
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindNotReady:             "NotReady",
	KindNoDevice:             "NoDevice",
	KindInvalidConfiguration: "InvalidConfiguration",
	KindAlreadyRunning:       "AlreadyRunning",
	KindAcquisition:          "AcquisitionError",
	KindNoData:               "NoData",
	KindIndexOutOfRange:      "IndexOutOfRange",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

var kindErrors = []struct {
	err  error
	kind Kind
}{
	{ErrNotReady, KindNotReady},
	{ErrNoDevice, KindNoDevice},
	{ErrInvalidConfiguration, KindInvalidConfiguration},
	{ErrAlreadyRunning, KindAlreadyRunning},
	{ErrAcquisition, KindAcquisition},
	{ErrNoData, KindNoData},
	{ErrIndexOutOfRange, KindIndexOutOfRange},
}

// KindOf classifies err by the sentinel it wraps, KindUnknown if none.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindUnknown
}
