package model

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrResource marks model/tokenizer load failures and invalid
// device or precision selections.
var ErrResource = errors.New("resource error")

// Device describes where tensor math runs. There is no GPU path; the
// "parallel" device fans matrix multiplies out over CPU cores, "cpu"
// stays single-threaded.
type Device struct {
	Name    string
	Workers int
}

// Precision is the numeric width weights are stored at on disk.
// In-memory math is always float64; float32 halves artifact size at the
// cost of rounding, the same trade reduced-precision loading makes.
type Precision string

const (
	Float32 Precision = "float32"
	Float64 Precision = "float64"
)

// ResolveDevice maps a configured device preference to a concrete device.
// "auto" picks the parallel device when more than one CPU is available.
func ResolveDevice(pref string) (Device, error) {
	switch pref {
	case "auto":
		if n := runtime.NumCPU(); n > 1 {
			return Device{Name: "parallel", Workers: n}, nil
		}
		return Device{Name: "cpu", Workers: 1}, nil
	case "cpu":
		return Device{Name: "cpu", Workers: 1}, nil
	case "parallel":
		return Device{Name: "parallel", Workers: runtime.NumCPU()}, nil
	default:
		return Device{}, fmt.Errorf("%w: unknown device %q", ErrResource, pref)
	}
}

// ResolvePrecision validates the configured precision policy.
func ResolvePrecision(pref string) (Precision, error) {
	switch Precision(pref) {
	case Float32, Float64:
		return Precision(pref), nil
	default:
		return "", fmt.Errorf("%w: unknown precision %q", ErrResource, pref)
	}
}

// UseDevice installs the device for subsequent tensor math.
func UseDevice(d Device) {
	if d.Workers < 1 {
		computeWorkers = 1
		return
	}
	computeWorkers = d.Workers
}
