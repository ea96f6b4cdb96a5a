package kattach

import (
	"fmt"
	"io"

	"github.com/cilium/ebpf/btf"
)

// MaxFuncArgs is the highest argument count a trampoline probe can be specialized for.
const MaxFuncArgs = 6

// Mode selects how the engine is allowed to attach probes.
type Mode int

const (
	// ModeAuto uses kprobes, batched through kprobe.multi when the kernel supports it.
	ModeAuto Mode = iota
	// ModeKprobeSingle forces one kprobe and one kretprobe per function.
	ModeKprobeSingle
	// ModeFentry forces BPF trampolines (fentry/fexit).
	ModeFentry
)

var modeNames = map[Mode]string{
	ModeAuto:         "auto",
	ModeKprobeSingle: "kprobe-single",
	ModeFentry:       "fentry",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// ModeValues returns all modes in declaration order.
func ModeValues() []Mode {
	return []Mode{ModeAuto, ModeKprobeSingle, ModeFentry}
}

// Strategy is the attachment technology chosen during [Engine.Prepare].
type Strategy int

const (
	// StrategyUnset means Prepare has not run yet.
	StrategyUnset Strategy = iota
	// StrategyTrampoline clones one fentry and one fexit program per function.
	StrategyTrampoline
	// StrategyBatchedProbe attaches one kprobe.multi link per direction.
	StrategyBatchedProbe
	// StrategySingleProbe attaches one kprobe and one kretprobe per function.
	StrategySingleProbe
)

func (s Strategy) String() string {
	switch s {
	case StrategyUnset:
		return "unset"
	case StrategyTrampoline:
		return "fentry"
	case StrategyBatchedProbe:
		return "kprobe.multi"
	case StrategySingleProbe:
		return "kprobe"
	default:
		return fmt.Sprintf("Strategy(%d)", s)
	}
}

// FeatureSet holds the kernel tracing capabilities discovered by calibration.
// It is never modified after [Engine.Prepare] calibrates it.
type FeatureSet struct {
	// KretIPOffset is the stack offset of the traced function IP inside a kretprobe.
	// Only meaningful when HasFuncIP is false.
	KretIPOffset int32 `json:"kret_ip_offset"`
	// HasFuncIP reports bpf_get_func_ip() support for kprobes.
	HasFuncIP bool `json:"has_bpf_get_func_ip"`
	// HasFexitSleepFix reports that fexit is safe on long-sleeping functions.
	HasFexitSleepFix bool `json:"has_fexit_sleep_fix"`
	// HasFentryProtection reports trampoline re-entrancy protection.
	HasFentryProtection bool `json:"has_fentry_protection"`
	// HasCookie reports BPF cookie support for kprobes.
	HasCookie bool `json:"has_bpf_cookie"`
	// HasKprobeMulti reports kprobe.multi link support.
	HasKprobeMulti bool `json:"has_kprobe_multi"`
}

// Candidate is a kernel function under consideration while the catalog is built.
type Candidate struct {
	Name     string
	Module   string // empty for vmlinux
	Addr     uint64
	Size     uint64
	ArgCount int
	// BTFID and Type are zero when the function was found only
	// through the list of available kprobes.
	BTFID btf.TypeID
	Type  *btf.Func
}

// Desc returns "name" or "name [module]".
func (c *Candidate) Desc() string {
	if c.Module == "" {
		return c.Name
	}
	return fmt.Sprintf("%s [%s]", c.Name, c.Module)
}

// ProbeHandles are the kernel objects owned by a single function.
// Only the non-batched strategies populate them.
type ProbeHandles struct {
	EntryProg io.Closer
	ExitProg  io.Closer
	EntryLink io.Closer
	ExitLink  io.Closer
}

// FunctionRecord is a function that survived filtering.
// ID is its position in the catalog and doubles as the BPF cookie.
type FunctionRecord struct {
	Candidate
	ID int

	probes ProbeHandles
}

// Handles returns the kernel handles currently held for the function.
func (f *FunctionRecord) Handles() ProbeHandles {
	return f.probes
}

// Stats summarizes a pipeline run.
type Stats struct {
	Kprobes  int `json:"available_kprobes"`
	Found    int `json:"found"`
	Skipped  int `json:"skipped"`
	Attached int `json:"attached"`
}

// ProbeResult represents the outcome of a kernel feature probe.
type ProbeResult struct {
	// Supported indicates whether the feature is available.
	Supported bool
	// Error is non-nil if the probe itself failed (not just unsupported).
	Error error
}

// ConfigValue represents a kernel configuration option's state.
type ConfigValue int

const (
	// ConfigNotSet means the option is not set or not found.
	ConfigNotSet ConfigValue = iota
	// ConfigModule means the option is set to =m (module).
	ConfigModule
	// ConfigBuiltin means the option is set to =y (built-in).
	ConfigBuiltin
)

// IsEnabled returns true if the config option is set (either =m or =y).
func (v ConfigValue) IsEnabled() bool {
	return v == ConfigModule || v == ConfigBuiltin
}

func (v ConfigValue) String() string {
	switch v {
	case ConfigNotSet:
		return "not set"
	case ConfigModule:
		return "m"
	case ConfigBuiltin:
		return "y"
	default:
		return fmt.Sprintf("ConfigValue(%d)", v)
	}
}

// KernelConfig holds the kernel configuration options relevant to tracing.
type KernelConfig struct {
	raw map[string]ConfigValue

	BTF            ConfigValue // CONFIG_DEBUG_INFO_BTF
	KprobeMulti    ConfigValue // CONFIG_FPROBE (required for kprobe.multi)
	Kprobes        ConfigValue // CONFIG_KPROBES
	FunctionTracer ConfigValue // CONFIG_FUNCTION_TRACER (trampolines, available_filter_functions)
	BPFEvents      ConfigValue // CONFIG_BPF_EVENTS
}

// Get returns the ConfigValue for a kernel config key.
// The key should not include the CONFIG_ prefix.
func (kc *KernelConfig) Get(key string) ConfigValue {
	if kc == nil || kc.raw == nil {
		return ConfigNotSet
	}
	return kc.raw[key]
}

// NewKernelConfig creates a KernelConfig from a raw config map.
// The map is copied to ensure immutability after construction.
func NewKernelConfig(raw map[string]ConfigValue) *KernelConfig {
	copied := make(map[string]ConfigValue, len(raw))
	for k, v := range raw {
		copied[k] = v
	}
	return &KernelConfig{
		raw:            copied,
		BTF:            copied["DEBUG_INFO_BTF"],
		KprobeMulti:    copied["FPROBE"],
		Kprobes:        copied["KPROBES"],
		FunctionTracer: copied["FUNCTION_TRACER"],
		BPFEvents:      copied["BPF_EVENTS"],
	}
}

// Feature is a kernel capability the engine can degrade around or fail on.
type Feature int

const (
	// FeatureBTF is vmlinux BTF, required to enumerate functions.
	FeatureBTF Feature = iota
	// FeatureKprobe is per-function kprobe attachment.
	FeatureKprobe
	// FeatureKprobeMulti is batched kprobe.multi attachment.
	FeatureKprobeMulti
	// FeatureFentry is BPF trampoline (fentry/fexit) attachment.
	FeatureFentry
)

var featureNames = map[Feature]string{
	FeatureBTF:         "BTF",
	FeatureKprobe:      "kprobe",
	FeatureKprobeMulti: "kprobe.multi",
	FeatureFentry:      "fentry",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Feature(%d)", f)
}

// SystemReport is the diagnostics view of the running kernel returned by [Probe].
type SystemReport struct {
	KernelVersion string

	// Features is zero when CalibrationError is set.
	Features         FeatureSet
	CalibrationError error

	// Program types (runtime probes via cilium/ebpf)
	Kprobe  ProbeResult
	Tracing ProbeResult // fentry/fexit

	BTF        ProbeResult // /sys/kernel/btf/vmlinux
	KprobeList ProbeResult // available_filter_functions

	CapSysAdmin ProbeResult
	CapBPF      ProbeResult
	CapPerfmon  ProbeResult

	// KernelConfig is nil when no config source was readable.
	KernelConfig *KernelConfig
	// Hints are remediation messages for missing features.
	Hints []string
}
