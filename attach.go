package kattach

import (
	"fmt"
	"io"
)

// Load specializes and loads the probe bundle. For trampolines every function
// gets its own verified copy of the entry and exit templates. On failure
// everything acquired is released and the engine becomes unusable.
func (e *Engine) Load() error {
	if e.state != statePrepared {
		return fmt.Errorf("%w: load in state %s", ErrInvalidState, e.state)
	}
	if err := e.load(); err != nil {
		return e.fail(err)
	}
	e.state = stateLoaded
	return nil
}

func (e *Engine) load() error {
	if hook := e.bundle.BeforeLoad; hook != nil {
		lc := &LoadContext{
			Strategy: e.strategy,
			Features: e.features,
			Spec:     e.spec,
			funcs:    e.funcs,
		}
		err := hook(lc)
		// The context must not outlive the call.
		lc.Spec, lc.funcs = nil, nil
		if err != nil {
			return fmt.Errorf("before load: %w", err)
		}
	}

	if e.cfg.dryRun {
		return nil
	}

	coll, err := e.kern.loadCollection(e.spec)
	if err != nil {
		return err
	}
	e.coll = coll

	if e.strategy == StrategyTrampoline {
		e.log.Debug().Int("count", 2*len(e.funcs)).Msg("Preparing program copies")
	}

	ipToID := e.usesIPToID()
	for _, f := range e.funcs {
		if ipToID {
			if err := e.coll.updateIPToID(f.Addr, uint32(f.ID)); err != nil {
				return &AttachError{Func: f.Desc(), Probe: "ip_to_id entry", Err: err}
			}
		}
		if e.strategy != StrategyTrampoline {
			continue
		}

		prog, err := e.coll.clone(fentrySlot(f.ArgCount), f.Name)
		if err != nil {
			return &AttachError{Func: f.Desc(), Probe: "fentry program", Err: err}
		}
		f.probes.EntryProg = prog

		exit := fexitSlot(f.ArgCount)
		if isRetVoid(f.Type) {
			exit = fexitVoidSlot(f.ArgCount)
		}
		prog, err = e.coll.clone(exit, f.Name)
		if err != nil {
			return &AttachError{Func: f.Desc(), Probe: "fexit program", Err: err}
		}
		f.probes.ExitProg = prog
	}
	return nil
}

// Attach binds the loaded programs to every function. There is no partial
// success: on failure everything is released and the engine becomes unusable.
func (e *Engine) Attach() error {
	if e.state != stateLoaded {
		return fmt.Errorf("%w: attach in state %s", ErrInvalidState, e.state)
	}

	var err error
	switch e.strategy {
	case StrategyTrampoline:
		err = e.attachTrampolines()
	case StrategySingleProbe:
		err = e.attachSingle()
	case StrategyBatchedProbe:
		err = e.attachBatched()
	default:
		err = fmt.Errorf("%w: no strategy selected", ErrInvalidState)
	}
	if err != nil {
		return e.fail(err)
	}

	e.stats.Attached = len(e.funcs)
	e.log.Info().
		Int("count", len(e.funcs)).
		Bool("dry_run", e.cfg.dryRun).
		Stringer("strategy", e.strategy).
		Msg("Kernel functions attached")
	e.state = stateAttached
	return nil
}

func (e *Engine) attachTrampolines() error {
	for _, f := range e.funcs {
		if !e.cfg.dryRun {
			l, err := e.kern.attachTracing(f.probes.EntryProg)
			if err != nil {
				return &AttachError{Func: f.Desc(), Probe: "fentry", Err: err}
			}
			f.probes.EntryLink = l

			l, err = e.kern.attachTracing(f.probes.ExitProg)
			if err != nil {
				return &AttachError{Func: f.Desc(), Probe: "fexit", Err: err}
			}
			f.probes.ExitLink = l
		}
		e.logAttached(f)
	}
	return nil
}

func (e *Engine) attachSingle() error {
	var entry, exit io.Closer
	if !e.cfg.dryRun {
		var err error
		if entry, err = e.template(slotKentry); err != nil {
			return err
		}
		if exit, err = e.template(slotKexit); err != nil {
			return err
		}
	}

	for _, f := range e.funcs {
		if !e.cfg.dryRun {
			var cookie uint64
			if e.features.HasCookie {
				cookie = uint64(f.ID)
			}

			l, err := e.kern.attachKprobe(f.Name, entry, false, cookie)
			if err != nil {
				return &AttachError{Func: f.Desc(), Probe: "kprobe", Err: err}
			}
			f.probes.EntryLink = l

			l, err = e.kern.attachKprobe(f.Name, exit, true, cookie)
			if err != nil {
				return &AttachError{Func: f.Desc(), Probe: "kretprobe", Err: err}
			}
			f.probes.ExitLink = l
		}
		e.logAttached(f)
	}
	return nil
}

// attachBatched covers every function with one link per direction. Address
// based attachment is faster but stricter about functions the kernel refuses
// to trace, so a rejection is retried once by symbol name.
func (e *Engine) attachBatched() error {
	for _, f := range e.funcs {
		e.logAttached(f)
	}
	if e.cfg.dryRun {
		return nil
	}

	entry, err := e.template(slotKentry)
	if err != nil {
		return err
	}
	exit, err := e.template(slotKexit)
	if err != nil {
		return err
	}

	n := len(e.funcs)
	addrs := make([]uintptr, n)
	syms := make([]string, n)
	cookies := make([]uint64, n)
	for i, f := range e.funcs {
		addrs[i] = uintptr(f.Addr)
		syms[i] = f.Name
		cookies[i] = uint64(f.ID)
	}
	desc := fmt.Sprintf("%d functions", n)

	targets := multiTargets{addrs: addrs, cookies: cookies}
	l, err := e.kern.attachKprobeMulti(entry, targets, false)
	if err != nil {
		e.log.Debug().Err(err).Msg("Address-based kprobe.multi attach rejected, retrying by symbol name")
		targets = multiTargets{syms: syms, cookies: cookies}
		l, err = e.kern.attachKprobeMulti(entry, targets, false)
	}
	if err != nil {
		return &AttachError{Func: desc, Probe: "kprobe.multi", Err: err}
	}
	e.entryLink = l

	l, err = e.kern.attachKprobeMulti(exit, targets, true)
	if err != nil {
		return &AttachError{Func: desc, Probe: "kretprobe.multi", Err: err}
	}
	e.exitLink = l
	return nil
}

func (e *Engine) template(name string) (io.Closer, error) {
	p, ok := e.coll.program(name)
	if !ok {
		return nil, fmt.Errorf("%w: program %s not loaded", ErrMissingSlot, name)
	}
	return p, nil
}

func (e *Engine) logAttached(f *FunctionRecord) {
	e.log.Trace().
		Int("id", f.ID).
		Str("func", f.Desc()).
		Uint64("addr", f.Addr).
		Uint32("btf_id", uint32(f.BTFID)).
		Bool("dry_run", e.cfg.dryRun).
		Msg("Attached")
}

// Activate sets the ready flag the probe programs check before recording.
func (e *Engine) Activate() error {
	if e.state != stateAttached {
		return fmt.Errorf("%w: activate in state %s", ErrInvalidState, e.state)
	}
	if !e.cfg.dryRun {
		if err := e.coll.setReady(true); err != nil {
			return e.fail(fmt.Errorf("set ready flag: %w", err))
		}
	}
	e.state = stateActive
	return nil
}
