package kattach

import (
	"fmt"
	"strings"
)

// String returns a human-readable summary of the report.
func (r *SystemReport) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Kernel: %s\n", r.KernelVersion)
	b.WriteString("\n")

	b.WriteString("Calibration:\n")
	if r.CalibrationError != nil {
		fmt.Fprintf(&b, "  error: %v\n", r.CalibrationError)
	} else {
		b.WriteString(indent(r.Features.String(), "  "))
	}
	b.WriteString("\n")

	b.WriteString("Program Types:\n")
	writeResult(&b, "  kprobe", r.Kprobe)
	writeResult(&b, "  fentry/fexit", r.Tracing)
	b.WriteString("\n")

	b.WriteString("Metadata:\n")
	writeResult(&b, "  BTF", r.BTF)
	writeResult(&b, "  available_filter_functions", r.KprobeList)
	b.WriteString("\n")

	b.WriteString("Capabilities:\n")
	writeResult(&b, "  CAP_SYS_ADMIN", r.CapSysAdmin)
	writeResult(&b, "  CAP_BPF", r.CapBPF)
	writeResult(&b, "  CAP_PERFMON", r.CapPerfmon)

	if r.KernelConfig != nil {
		b.WriteString("\n")
		b.WriteString("Kernel Config:\n")
		writeConfig(&b, "  CONFIG_DEBUG_INFO_BTF", r.KernelConfig.BTF)
		writeConfig(&b, "  CONFIG_FPROBE", r.KernelConfig.KprobeMulti)
		writeConfig(&b, "  CONFIG_KPROBES", r.KernelConfig.Kprobes)
		writeConfig(&b, "  CONFIG_FUNCTION_TRACER", r.KernelConfig.FunctionTracer)
		writeConfig(&b, "  CONFIG_BPF_EVENTS", r.KernelConfig.BPFEvents)
	}

	if len(r.Hints) > 0 {
		b.WriteString("\n")
		b.WriteString("Hints:\n")
		for _, h := range r.Hints {
			fmt.Fprintf(&b, "  - %s\n", h)
		}
	}

	return b.String()
}

// String returns one "name: value" line per feature.
func (fs FeatureSet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kret_ip_offset: %d\n", fs.KretIPOffset)
	writeBool(&b, "bpf_get_func_ip", fs.HasFuncIP)
	writeBool(&b, "fexit_sleep_fix", fs.HasFexitSleepFix)
	writeBool(&b, "fentry_protection", fs.HasFentryProtection)
	writeBool(&b, "bpf_cookie", fs.HasCookie)
	writeBool(&b, "kprobe.multi", fs.HasKprobeMulti)
	return b.String()
}

func (s Stats) String() string {
	return fmt.Sprintf("kprobes=%d found=%d skipped=%d attached=%d",
		s.Kprobes, s.Found, s.Skipped, s.Attached)
}

func writeResult(b *strings.Builder, name string, r ProbeResult) {
	if r.Error != nil {
		fmt.Fprintf(b, "%s: %s (error: %v)\n", name, yesNo(r.Supported), r.Error)
	} else {
		fmt.Fprintf(b, "%s: %s\n", name, yesNo(r.Supported))
	}
}

func writeBool(b *strings.Builder, name string, v bool) {
	fmt.Fprintf(b, "%s: %s\n", name, yesNo(v))
}

func writeConfig(b *strings.Builder, name string, v ConfigValue) {
	fmt.Fprintf(b, "%s: %s\n", name, v)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(l)
	}
	return b.String()
}
