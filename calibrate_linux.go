//go:build linux

package kattach

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// SelfTestCalibrator loads a calibration collection, attaches it against the
// calling thread, triggers it with a short sleep and reads back the results.
type SelfTestCalibrator struct {
	Spec   *ebpf.CollectionSpec
	Logger zerolog.Logger
	// KprobeList overrides the available_filter_functions path used to
	// resolve kprobe.multi glob targets.
	KprobeList string
}

// Calibrate implements [Calibrator].
func (c *SelfTestCalibrator) Calibrate() (FeatureSet, error) {
	if c.Spec == nil {
		return FeatureSet{}, fmt.Errorf("calibration: nil collection spec")
	}

	// The probes only fire for my_tid, so stay on one OS thread throughout.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	coll, err := ebpf.NewCollection(c.Spec)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("load calibration collection: %w", err)
	}
	defer coll.Close()

	if v, ok := coll.Variables[calibVarTid]; ok {
		if err := v.Set(int32(unix.Gettid())); err != nil {
			return FeatureSet{}, fmt.Errorf("set %s: %w", calibVarTid, err)
		}
	}

	var links []link.Link
	defer func() {
		for i := len(links) - 1; i >= 0; i-- {
			links[i].Close()
		}
	}()

	names := make([]string, 0, len(c.Spec.Programs))
	for name := range c.Spec.Programs {
		names = append(names, name)
	}
	slices.Sort(names)

	var index *kprobeIndex
	loadIndex := func() (*kprobeIndex, error) {
		if index != nil {
			return index, nil
		}
		path := c.KprobeList
		if path == "" {
			path = availableFilterFunctionsPath()
		}
		idx, err := loadKprobeIndex(path)
		if err != nil {
			return nil, err
		}
		index = idx
		return index, nil
	}

	for _, name := range names {
		ps := c.Spec.Programs[name]
		l, err := attachCalibrationProgram(ps, coll.Programs[name], loadIndex)
		if err != nil {
			// kprobe.multi is allowed to be missing, it only downgrades the strategy.
			if ps.AttachType == ebpf.AttachTraceKprobeMulti {
				c.Logger.Info().Err(err).Str("program", name).Str("target", ps.AttachTo).
					Msg("kprobe.multi calibration probe unavailable")
				continue
			}
			return FeatureSet{}, fmt.Errorf("attach calibration program %s: %w", name, err)
		}
		links = append(links, l)
	}

	ts := unix.Timespec{Nsec: 1000}
	_ = unix.Nanosleep(&ts, nil)

	var fs FeatureSet
	if err := readCalibration(coll, &fs); err != nil {
		return FeatureSet{}, err
	}
	if err := checkCalibration(fs); err != nil {
		return FeatureSet{}, err
	}
	return fs, nil
}

func attachCalibrationProgram(ps *ebpf.ProgramSpec, prog *ebpf.Program, index func() (*kprobeIndex, error)) (link.Link, error) {
	if prog == nil {
		return nil, fmt.Errorf("program not loaded")
	}
	switch ps.Type {
	case ebpf.Kprobe:
		ret := strings.HasPrefix(ps.SectionName, "kretprobe")
		if ps.AttachType == ebpf.AttachTraceKprobeMulti {
			syms, err := expandMultiSymbols(ps.AttachTo, index)
			if err != nil {
				return nil, err
			}
			opts := link.KprobeMultiOptions{Symbols: syms}
			if ret {
				return link.KretprobeMulti(prog, opts)
			}
			return link.KprobeMulti(prog, opts)
		}
		if ret {
			return link.Kretprobe(ps.AttachTo, prog, nil)
		}
		return link.Kprobe(ps.AttachTo, prog, nil)
	case ebpf.Tracing:
		return link.AttachTracing(link.TracingOptions{Program: prog})
	case ebpf.RawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{Name: ps.AttachTo, Program: prog})
	case ebpf.TracePoint:
		group, name, ok := strings.Cut(ps.AttachTo, "/")
		if !ok {
			return nil, fmt.Errorf("invalid tracepoint %q", ps.AttachTo)
		}
		return link.Tracepoint(group, name, prog, nil)
	}
	return nil, fmt.Errorf("unsupported program type %s", ps.Type)
}

// readCalibration leaves a flag unset when the collection does not declare it.
func readCalibration(coll *ebpf.Collection, fs *FeatureSet) error {
	read := func(name string, out any) error {
		v, ok := coll.Variables[name]
		if !ok {
			return nil
		}
		if err := v.Get(out); err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		return nil
	}

	return errors.Join(
		read(calibVarKretIPOff, &fs.KretIPOffset),
		read(calibVarFuncIP, &fs.HasFuncIP),
		read(calibVarSleepFix, &fs.HasFexitSleepFix),
		read(calibVarFentryPro, &fs.HasFentryProtection),
		read(calibVarCookie, &fs.HasCookie),
		read(calibVarKprobeMulti, &fs.HasKprobeMulti),
	)
}

// HelperCalibrator probes individual helpers and link types when no
// calibration collection is available. It cannot observe the fexit sleep fix
// or trampoline re-entrancy protection, so both are reported absent.
type HelperCalibrator struct {
	Logger zerolog.Logger
}

// Calibrate implements [Calibrator].
func (c *HelperCalibrator) Calibrate() (FeatureSet, error) {
	funcIP := probeProgramHelper(ebpf.Kprobe, asm.FnGetFuncIp)
	cookie := probeProgramHelper(ebpf.Kprobe, asm.FnGetAttachCookie)
	multi := probeKprobeMulti()

	for name, r := range map[string]ProbeResult{
		"bpf_get_func_ip":       funcIP,
		"bpf_get_attach_cookie": cookie,
		"kprobe.multi":          multi,
	} {
		if r.Error != nil {
			c.Logger.Debug().Err(r.Error).Str("feature", name).Msg("Feature probe failed")
		}
	}

	if !multi.Supported {
		c.Logger.Info().Str("hint", diagnose(FeatureKprobeMulti)).Msg("kprobe.multi unavailable")
	}

	fs := FeatureSet{
		HasFuncIP:      funcIP.Supported,
		HasCookie:      cookie.Supported,
		HasKprobeMulti: multi.Supported,
	}
	if err := checkCalibration(fs); err != nil {
		return FeatureSet{}, err
	}
	return fs, nil
}

func probeProgramHelper(pt ebpf.ProgramType, helper asm.BuiltinFunc) ProbeResult {
	err := features.HaveProgramHelper(pt, helper)
	if err == nil {
		return ProbeResult{Supported: true}
	}
	if errors.Is(err, ebpf.ErrNotSupported) {
		return ProbeResult{Supported: false}
	}
	return ProbeResult{Supported: false, Error: err}
}

// kprobeMultiProbeSymbol exists on every kernel that can run kprobe.multi.
const kprobeMultiProbeSymbol = "vprintk"

// probeKprobeMulti creates a real kprobe.multi link with a trivial program.
func probeKprobeMulti() ProbeResult {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:       ebpf.Kprobe,
		AttachType: ebpf.AttachTraceKprobeMulti,
		License:    "GPL",
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, 0),
			asm.Return(),
		},
	})
	if err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			return ProbeResult{Supported: false}
		}
		return ProbeResult{Supported: false, Error: err}
	}
	defer prog.Close()

	l, err := link.KprobeMulti(prog, link.KprobeMultiOptions{Symbols: []string{kprobeMultiProbeSymbol}})
	if err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			return ProbeResult{Supported: false}
		}
		return ProbeResult{Supported: false, Error: err}
	}
	l.Close()
	return ProbeResult{Supported: true}
}

func defaultCalibrator(b *Bundle, kprobeList string, log zerolog.Logger) Calibrator {
	if b.Calibration != nil {
		return &SelfTestCalibrator{Spec: b.Calibration, Logger: log, KprobeList: kprobeList}
	}
	return &HelperCalibrator{Logger: log}
}
