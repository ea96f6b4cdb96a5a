package kattach

import (
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/rs/zerolog"

	"github.com/leodido/kattach/internal/logging"
)

type state int

const (
	stateNew state = iota
	statePrepared
	stateLoaded
	stateAttached
	stateActive
	stateFailed
	stateDestroyed
)

var stateNames = map[state]string{
	stateNew:       "new",
	statePrepared:  "prepared",
	stateLoaded:    "loaded",
	stateAttached:  "attached",
	stateActive:    "active",
	stateFailed:    "failed",
	stateDestroyed: "destroyed",
}

func (s state) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", s)
}

// Engine discovers kernel functions, filters them, and attaches the probe
// bundle to every survivor. The pipeline is Prepare, Load, Attach, Activate
// and finally Destroy.
//
// An Engine is not safe for concurrent use.
type Engine struct {
	cfg    config
	log    zerolog.Logger
	bundle *Bundle
	// spec is the private copy of the bundle specialized by Prepare.
	spec *ebpf.CollectionSpec

	kern       kernel
	setLimits  func(nofile uint64) error
	privileges func() privileges

	allow ruleSet
	deny  ruleSet

	features FeatureSet
	strategy Strategy
	index    *kprobeIndex
	symbols  Symbols
	types    TypeSource

	funcs   []*FunctionRecord
	buckets arityTable
	stats   Stats

	coll      loadedCollection
	entryLink io.Closer // kprobe.multi only
	exitLink  io.Closer // kprobe.multi only

	state state
}

// New creates an engine for the given probe bundle. The enforced deny rules
// are installed before any caller rule can be added.
func New(b *Bundle, opts ...Option) (*Engine, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	cfg := config{maxFileRlimit: defaultMaxFileRlimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		cfg:        cfg,
		bundle:     b,
		spec:       b.Spec.Copy(),
		kern:       newKernel(),
		setLimits:  raiseLimits,
		privileges: probePrivileges,
	}
	if cfg.logger != nil {
		e.log = *cfg.logger
	} else {
		e.log = logging.New(logging.Config{
			Level:  logging.LevelFor(cfg.verbose, cfg.debug, cfg.debugExtra),
			Pretty: true,
		})
	}

	for _, g := range enforcedDenyGlobs {
		if err := e.deny.add(g, ""); err != nil {
			return nil, fmt.Errorf("enforced deny glob: %w", err)
		}
	}
	return e, nil
}

// AllowGlob adds an allow rule. When at least one allow rule exists, only
// matching functions are attached. modGlob may be empty.
func (e *Engine) AllowGlob(nameGlob, modGlob string) error {
	if e.state != stateNew {
		return fmt.Errorf("%w: allow glob added in state %s", ErrInvalidState, e.state)
	}
	return e.allow.add(nameGlob, modGlob)
}

// DenyGlob adds a deny rule. Deny rules win over allow rules.
func (e *Engine) DenyGlob(nameGlob, modGlob string) error {
	if e.state != stateNew {
		return fmt.Errorf("%w: deny glob added in state %s", ErrInvalidState, e.state)
	}
	return e.deny.add(nameGlob, modGlob)
}

// Features returns the calibrated kernel features. Zero before Prepare.
func (e *Engine) Features() FeatureSet {
	return e.features
}

// Strategy returns the attachment strategy chosen by Prepare.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// FuncCount returns the number of accepted functions.
func (e *Engine) FuncCount() int {
	return len(e.funcs)
}

// Func returns the accepted function with the given ID, or nil.
func (e *Engine) Func(id int) *FunctionRecord {
	if id < 0 || id >= len(e.funcs) {
		return nil
	}
	return e.funcs[id]
}

// Rules returns a copy of the allow and deny rules with their match counters.
func (e *Engine) Rules() (allow, deny []GlobRule) {
	return e.allow.snapshot(), e.deny.snapshot()
}

// Stats returns the pipeline counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// BTF returns the type source used during Prepare, or nil before it.
func (e *Engine) BTF() TypeSource {
	return e.types
}

// Prepare calibrates the kernel, builds the function catalog and specializes
// the bundle for the chosen strategy. No program is loaded yet.
//
// Reaching the function budget returns [ErrTooManyFunctions]; the functions
// accepted so far stay readable but the engine cannot proceed.
func (e *Engine) Prepare() error {
	if e.state != stateNew {
		return fmt.Errorf("%w: prepare in state %s", ErrInvalidState, e.state)
	}
	if err := e.prepare(); err != nil {
		e.state = stateFailed
		return err
	}
	e.state = statePrepared
	return nil
}

func (e *Engine) prepare() error {
	nofile := e.cfg.maxFileRlimit
	if nofile == 0 {
		nofile = defaultMaxFileRlimit
	}
	if err := e.setLimits(nofile); err != nil {
		return err
	}
	if missing := e.privileges().missing(); len(missing) > 0 {
		e.log.Warn().Strs("missing", missing).Msg("Process may lack the capabilities needed for tracing")
	}

	cal := e.cfg.calibrator
	if cal == nil {
		cal = defaultCalibrator(e.bundle, e.cfg.kprobeList, e.log)
	}
	fs, err := cal.Calibrate()
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	e.features = fs
	logFeatures(e.log, fs)

	e.strategy = chooseStrategy(e.cfg.mode, fs)
	if e.strategy == StrategyTrampoline && !fs.HasFexitSleepFix {
		for _, g := range sleepableDenyGlobs {
			if err := e.deny.add(g, ""); err != nil {
				return fmt.Errorf("sleepable deny glob: %w", err)
			}
		}
	}
	e.log.Debug().Stringer("strategy", e.strategy).Stringer("mode", e.cfg.mode).Msg("Attach strategy selected")

	if err := e.setConsts(); err != nil {
		return err
	}
	if err := e.loadSources(); err != nil {
		return err
	}
	if err := e.discover(); err != nil {
		return err
	}
	if len(e.funcs) == 0 {
		return ErrNoFunctions
	}
	if err := e.planSpec(); err != nil {
		return err
	}

	e.logCatalog()
	return nil
}

// setConsts writes the calibration results into the bundle's read-only data.
func (e *Engine) setConsts() error {
	if v, ok := e.spec.Variables[varKretIPOff]; ok {
		var val any = e.features.KretIPOffset
		if v.Size() == 8 {
			val = int64(e.features.KretIPOffset)
		}
		if _, err := setConst(e.spec, varKretIPOff, val); err != nil {
			return err
		}
	}
	consts := []struct {
		name  string
		value bool
	}{
		{varFuncIP, e.features.HasFuncIP},
		{varFentryPro, e.features.HasFentryProtection},
		{varCookie, e.features.HasCookie},
	}
	for _, c := range consts {
		if _, err := setConst(e.spec, c.name, c.value); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadSources() error {
	path := e.cfg.kprobeList
	if path == "" {
		path = availableFilterFunctionsPath()
	}
	idx, err := loadKprobeIndex(path)
	if err != nil {
		return fmt.Errorf("available kprobes: %w", err)
	}
	e.index = idx
	e.stats.Kprobes = idx.size()
	e.log.Debug().Int("count", idx.size()).Str("path", path).Msg("Discovered available kprobes")

	e.symbols = e.cfg.symbols
	if e.symbols == nil {
		ks, err := LoadKallsyms()
		if err != nil {
			return err
		}
		e.symbols = ks
	}

	e.types = e.cfg.types
	if e.types == nil {
		kt, err := LoadKernelTypes()
		if err != nil {
			return fmt.Errorf("%w (%s)", err, diagnose(FeatureBTF))
		}
		e.types = kt
	}
	return nil
}

func (e *Engine) logCatalog() {
	e.log.Info().
		Int("found", e.stats.Found).
		Int("skipped", e.stats.Skipped).
		Int("kprobes", e.stats.Kprobes).
		Stringer("strategy", e.strategy).
		Msg("Function catalog built")

	if e.log.GetLevel() > zerolog.DebugLevel {
		return
	}
	for _, r := range e.deny {
		e.log.Debug().Str("glob", r.Glob).Str("mod_glob", r.ModGlob).Int("matches", r.Matches).Msg("Deny glob")
	}
	for _, r := range e.allow {
		e.log.Debug().Str("glob", r.Glob).Str("mod_glob", r.ModGlob).Int("matches", r.Matches).Msg("Allow glob")
	}
}

// fail tears down everything acquired so far and leaves the engine unusable.
func (e *Engine) fail(err error) error {
	if terr := e.teardown(); terr != nil {
		e.log.Warn().Err(terr).Msg("Teardown after failure was incomplete")
	}
	e.state = stateFailed
	return err
}
