//go:build linux

package kattach

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// raiseLimits lifts RLIMIT_MEMLOCK and sets RLIMIT_NOFILE to nofile. Every
// attached function holds up to four file descriptors.
func raiseLimits(nofile uint64) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("%w: RLIMIT_MEMLOCK: %w", ErrResourceLimit, err)
	}
	lim := unix.Rlimit{Cur: nofile, Max: nofile}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("%w: RLIMIT_NOFILE=%d: %w", ErrResourceLimit, nofile, err)
	}
	return nil
}
