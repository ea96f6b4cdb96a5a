//go:build linux

package kattach

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// ErrNoKernelConfig is returned when no kernel config source is available.
var ErrNoKernelConfig = errors.New("no kernel config found")

type configSource struct {
	path       string
	compressed bool
}

// configSources lists where distributions keep the running kernel's config,
// most authoritative first. /proc/config.gz needs CONFIG_IKCONFIG_PROC.
func configSources(release string) []configSource {
	return []configSource{
		{path: "/proc/config.gz", compressed: true},
		{path: "/boot/config-" + release},
		{path: "/lib/modules/" + release + "/config"},
	}
}

// readKernelConfig returns the first config that parses. The diagnostics
// only need the FPROBE, KPROBES, FUNCTION_TRACER, BPF_EVENTS and
// DEBUG_INFO_BTF switches, but every y/m option is kept.
func readKernelConfig() (*KernelConfig, error) {
	release, err := kernelRelease()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKernelConfig, err)
	}

	var tried error
	for _, src := range configSources(release) {
		kc, err := parseConfigFrom(src)
		if err == nil {
			return kc, nil
		}
		tried = multierror.Append(tried, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoKernelConfig, tried)
}

// kernelRelease returns the uname release, e.g. "6.8.0-45-generic".
func kernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

func openConfig(src configSource) (io.ReadCloser, error) {
	f, err := os.Open(src.path)
	if err != nil {
		return nil, err
	}
	if !src.compressed {
		return f, nil
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", src.path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gr, f}, nil
}

func parseConfigFrom(src configSource) (*KernelConfig, error) {
	rc, err := openConfig(src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	kc, err := parseConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.path, err)
	}
	return kc, nil
}

// parseConfig keeps CONFIG_X=y and CONFIG_X=m lines. Strings, numbers and
// "is not set" comments leave the option at ConfigNotSet.
func parseConfig(r io.Reader) (*KernelConfig, error) {
	raw := make(map[string]ConfigValue)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		name, ok = strings.CutPrefix(name, "CONFIG_")
		if !ok {
			continue
		}
		switch value {
		case "y":
			raw[name] = ConfigBuiltin
		case "m":
			raw[name] = ConfigModule
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewKernelConfig(raw), nil
}
