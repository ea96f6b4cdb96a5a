package kattach

// Diagnose returns a remediation hint for a feature the running kernel lacks.
// A nil config yields a generic hint.
func (kc *KernelConfig) Diagnose(f Feature) string {
	switch f {
	case FeatureBTF:
		if kc != nil && !kc.BTF.IsEnabled() {
			return "CONFIG_DEBUG_INFO_BTF not set; rebuild kernel with CONFIG_DEBUG_INFO_BTF=y"
		}
	case FeatureKprobe:
		if kc != nil && !kc.Kprobes.IsEnabled() {
			return "CONFIG_KPROBES not set; rebuild kernel with CONFIG_KPROBES=y"
		}
		if kc != nil && !kc.BPFEvents.IsEnabled() {
			return "CONFIG_BPF_EVENTS not set; rebuild kernel with CONFIG_BPF_EVENTS=y"
		}
	case FeatureKprobeMulti:
		if kc != nil && !kc.KprobeMulti.IsEnabled() {
			return "CONFIG_FPROBE not set; requires kernel 5.18+ with CONFIG_FPROBE=y"
		}
		return "kprobe.multi rejected by the kernel; falling back to single kprobes"
	case FeatureFentry:
		if kc != nil && !kc.FunctionTracer.IsEnabled() {
			return "CONFIG_FUNCTION_TRACER not set; BPF trampolines require ftrace"
		}
		if kc != nil && !kc.BTF.IsEnabled() {
			return "CONFIG_DEBUG_INFO_BTF not set; fentry/fexit need vmlinux BTF"
		}
	}
	return "not supported"
}

// diagnose reads the kernel config and returns a hint for f.
func diagnose(f Feature) string {
	kc, err := readKernelConfig()
	if err != nil {
		kc = nil
	}
	return kc.Diagnose(f)
}
