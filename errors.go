package kattach

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPlatform is returned on non-Linux platforms.
	ErrUnsupportedPlatform = errors.New("kattach: unsupported platform (requires Linux)")
	// ErrInvalidGlob is returned for empty or unsupported glob patterns.
	ErrInvalidGlob = errors.New("invalid glob")
	// ErrCalibration is returned when neither bpf_get_func_ip nor a kretprobe IP
	// offset could be determined.
	ErrCalibration = errors.New("failed to calibrate kretprobe func IP extraction")
	// ErrResourceLimit is returned when RLIMIT_MEMLOCK or RLIMIT_NOFILE cannot be raised.
	ErrResourceLimit = errors.New("failed to raise resource limit")
	// ErrNoKernelBTF is returned when vmlinux BTF cannot be loaded.
	ErrNoKernelBTF = errors.New("kernel BTF unavailable")
	// ErrNoFunctions is returned when no function survives filtering.
	ErrNoFunctions = errors.New("no matching functions found")
	// ErrTooManyFunctions is returned when the configured function budget is exhausted.
	ErrTooManyFunctions = errors.New("maximum allowed number of functions reached")
	// ErrInvalidState is returned when pipeline steps are called out of order.
	ErrInvalidState = errors.New("invalid engine state")
	// ErrMissingSlot is returned when a probe bundle lacks a required program or map.
	ErrMissingSlot = errors.New("probe bundle slot missing")
)

// AttachError reports the function whose load or attach aborted the pipeline.
type AttachError struct {
	// Func is the function description, or "N functions" for batched attach.
	Func  string
	Probe string
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("%s for %s: %v", e.Probe, e.Func, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
