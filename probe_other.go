//go:build !linux

package kattach

// Probe collects a diagnostics report. It requires Linux.
func Probe(_ Calibrator) (*SystemReport, error) {
	return nil, ErrUnsupportedPlatform
}
