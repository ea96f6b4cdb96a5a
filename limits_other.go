//go:build !linux

package kattach

import "fmt"

func raiseLimits(uint64) error {
	return fmt.Errorf("%w: %w", ErrResourceLimit, ErrUnsupportedPlatform)
}
