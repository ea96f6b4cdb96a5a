package kattach

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

const (
	debugfsTracingPath = "/sys/kernel/debug/tracing"
	tracefsPath        = "/sys/kernel/tracing"

	invalidKprobePrefix = "__ftrace_invalid_address___"
)

// availableFilterFunctionsPath prefers debugfs, like the kernel tracing docs do.
func availableFilterFunctionsPath() string {
	if _, err := os.Stat(debugfsTracingPath); err == nil {
		return debugfsTracingPath + "/available_filter_functions"
	}
	return tracefsPath + "/available_filter_functions"
}

// kprobeIndex is the sorted set of functions ftrace reports as attachable.
type kprobeIndex struct {
	names []string
	used  []bool
}

func loadKprobeIndex(path string) (*kprobeIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	idx, err := parseKprobeIndex(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return idx, nil
}

// parseKprobeIndex keeps the first field of every line ("name [module]").
func parseKprobeIndex(r io.Reader) (*kprobeIndex, error) {
	var names []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], invalidKprobePrefix) {
			continue
		}
		names = append(names, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	slices.Sort(names)
	names = slices.Compact(names)
	return &kprobeIndex{names: names, used: make([]bool, len(names))}, nil
}

// find returns the position of name, or -1.
func (k *kprobeIndex) find(name string) int {
	i, ok := slices.BinarySearch(k.names, name)
	if !ok {
		return -1
	}
	return i
}

func (k *kprobeIndex) markUsed(i int) {
	k.used[i] = true
}

// unused returns names never matched through BTF, in sorted order.
func (k *kprobeIndex) unused() []string {
	var out []string
	for i, name := range k.names {
		if !k.used[i] {
			out = append(out, name)
		}
	}
	return out
}

// match returns every indexed name matching the glob pattern, in sorted order.
func (k *kprobeIndex) match(pattern string) ([]string, error) {
	g, err := compileGlob(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range k.names {
		if g.Match(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (k *kprobeIndex) size() int {
	return len(k.names)
}
