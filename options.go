package kattach

import (
	"github.com/rs/zerolog"
)

const defaultMaxFileRlimit = 300000

// FilterFunc is a caller-supplied predicate; returning false skips the candidate.
// It runs after every built-in filter, so c is already known to be attachable.
type FilterFunc func(c *Candidate) bool

// config holds the configuration for an [Engine].
type config struct {
	mode          Mode
	maxFuncCount  int
	maxFileRlimit uint64
	verbose       bool
	debug         bool
	debugExtra    bool
	dryRun        bool
	filter        FilterFunc

	logger     *zerolog.Logger
	symbols    Symbols
	types      TypeSource
	calibrator Calibrator
	kprobeList string // custom available_filter_functions path (for testing)
}

// Option configures an [Engine].
type Option func(*config)

// WithMode selects the attach mode. The default is [ModeAuto].
func WithMode(m Mode) Option {
	return func(c *config) {
		c.mode = m
	}
}

// WithMaxFuncCount caps the number of attached functions. Zero means no cap.
func WithMaxFuncCount(n int) Option {
	return func(c *config) {
		c.maxFuncCount = n
	}
}

// WithMaxFileRlimit overrides the RLIMIT_NOFILE value set during prepare.
// Zero keeps the default.
func WithMaxFileRlimit(n uint64) Option {
	return func(c *config) {
		c.maxFileRlimit = n
	}
}

// WithVerbose logs aggregate counts.
func WithVerbose() Option {
	return func(c *config) {
		c.verbose = true
	}
}

// WithDebug logs calibration results and per-rule match counts. Implies verbose.
func WithDebug() Option {
	return func(c *config) {
		c.verbose = true
		c.debug = true
	}
}

// WithDebugExtra logs every per-function filtering decision. Implies debug.
func WithDebugExtra() Option {
	return func(c *config) {
		c.verbose = true
		c.debug = true
		c.debugExtra = true
	}
}

// WithDryRun performs every step except loading programs and attaching them.
func WithDryRun() Option {
	return func(c *config) {
		c.dryRun = true
	}
}

// WithFilter installs a custom per-function predicate.
func WithFilter(fn FilterFunc) Option {
	return func(c *config) {
		c.filter = fn
	}
}

// WithLogger sets the logger. Without it the engine logs to stderr at a level
// derived from the verbosity options.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.logger = &l
	}
}

// WithSymbols replaces the /proc/kallsyms resolver.
func WithSymbols(s Symbols) Option {
	return func(c *config) {
		c.symbols = s
	}
}

// WithTypes replaces the vmlinux BTF type source.
func WithTypes(t TypeSource) Option {
	return func(c *config) {
		c.types = t
	}
}

// WithCalibrator replaces the feature calibrator.
func WithCalibrator(cal Calibrator) Option {
	return func(c *config) {
		c.calibrator = cal
	}
}

// WithKprobeListPath sets a custom path for available_filter_functions.
// This is primarily for testing; production code picks debugfs or tracefs.
func WithKprobeListPath(path string) Option {
	return func(c *config) {
		c.kprobeList = path
	}
}
