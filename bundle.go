package kattach

import (
	"fmt"
	"strings"

	"github.com/cilium/ebpf"
)

// Program, map and variable names a probe bundle must provide.
const (
	slotKentry   = "kentry"
	slotKexit    = "kexit"
	slotIPToID   = "ip_to_id"
	varReady     = "ready"
	varKretIPOff = "kret_ip_off"
	varFuncIP    = "has_bpf_get_func_ip"
	varFentryPro = "has_fentry_protection"
	varCookie    = "has_bpf_cookie"
)

func fentrySlot(args int) string    { return fmt.Sprintf("fentry%d", args) }
func fexitSlot(args int) string     { return fmt.Sprintf("fexit%d", args) }
func fexitVoidSlot(args int) string { return fmt.Sprintf("fexit_void%d", args) }

// Bundle is the probe program collection the engine specializes and attaches.
//
// Spec must contain, by name:
//   - fentry0..fentry6, fexit0..fexit6 and fexit_void0..fexit_void6 tracing programs
//   - kentry and kexit kprobe programs
//   - the ip_to_id hash map (u64 address to u32 function ID)
//   - the writable ready variable flipped by [Engine.Activate]
//
// The kret_ip_off, has_bpf_get_func_ip, has_fentry_protection and
// has_bpf_cookie constants are optional; absent ones are left to the
// program's defaults.
type Bundle struct {
	Spec *ebpf.CollectionSpec
	// Calibration is the optional self-test collection run by [SelfTestCalibrator].
	Calibration *ebpf.CollectionSpec
	// BeforeLoad is called synchronously right before the collection is
	// loaded. The context is only valid for the duration of the call.
	BeforeLoad func(lc *LoadContext) error
}

// LoadContext exposes planner state to [Bundle.BeforeLoad].
type LoadContext struct {
	Strategy Strategy
	Features FeatureSet
	// Spec is the collection about to be loaded; it may be adjusted in place.
	Spec  *ebpf.CollectionSpec
	funcs []*FunctionRecord
}

// FuncCount returns the number of functions that will be attached.
func (lc *LoadContext) FuncCount() int {
	return len(lc.funcs)
}

// Func returns the function with the given ID, or nil.
func (lc *LoadContext) Func(id int) *FunctionRecord {
	if id < 0 || id >= len(lc.funcs) {
		return nil
	}
	return lc.funcs[id]
}

func requiredSlots() []string {
	slots := []string{slotKentry, slotKexit}
	for i := 0; i <= MaxFuncArgs; i++ {
		slots = append(slots, fentrySlot(i), fexitSlot(i), fexitVoidSlot(i))
	}
	return slots
}

// validate fails closed on any missing slot.
func (b *Bundle) validate() error {
	if b == nil || b.Spec == nil {
		return fmt.Errorf("%w: nil collection spec", ErrMissingSlot)
	}

	var missing []string
	for _, name := range requiredSlots() {
		if p, ok := b.Spec.Programs[name]; !ok || p == nil {
			missing = append(missing, "program "+name)
		}
	}
	if m, ok := b.Spec.Maps[slotIPToID]; !ok || m == nil {
		missing = append(missing, "map "+slotIPToID)
	}
	if v, ok := b.Spec.Variables[varReady]; !ok || v == nil {
		missing = append(missing, "variable "+varReady)
	} else if v.Constant() {
		missing = append(missing, "writable variable "+varReady)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSlot, strings.Join(missing, ", "))
	}
	return nil
}

// LoadBundle reads a probe bundle from an eBPF ELF object file.
// calibPath is optional and names the calibration object.
func LoadBundle(path, calibPath string) (*Bundle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("load bundle: empty path")
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load bundle %q: %w", path, err)
	}
	b := &Bundle{Spec: spec}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("load bundle %q: %w", path, err)
	}

	if calibPath != "" {
		cspec, err := ebpf.LoadCollectionSpec(calibPath)
		if err != nil {
			return nil, fmt.Errorf("load calibration %q: %w", calibPath, err)
		}
		b.Calibration = cspec
	}
	return b, nil
}

// setConst writes a load-time constant if the bundle declares it.
func setConst(spec *ebpf.CollectionSpec, name string, value any) (bool, error) {
	v, ok := spec.Variables[name]
	if !ok {
		return false, nil
	}
	if err := v.Set(value); err != nil {
		return true, fmt.Errorf("set %s: %w", name, err)
	}
	return true, nil
}
