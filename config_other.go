//go:build !linux

package kattach

// ErrNoKernelConfig is returned when no kernel config source is available.
// On non-Linux platforms, kernel config is never available.
var ErrNoKernelConfig = ErrUnsupportedPlatform

func readKernelConfig() (*KernelConfig, error) {
	return nil, ErrNoKernelConfig
}
