package kattach

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Calibrator discovers the kernel tracing features empirically.
type Calibrator interface {
	Calibrate() (FeatureSet, error)
}

// Variables read back from a calibration collection.
const (
	calibVarTid         = "my_tid"
	calibVarKretIPOff   = "kret_ip_off"
	calibVarFuncIP      = "has_bpf_get_func_ip"
	calibVarSleepFix    = "has_fexit_sleep_fix"
	calibVarFentryPro   = "has_fentry_protection"
	calibVarCookie      = "has_bpf_cookie"
	calibVarKprobeMulti = "has_kprobe_multi"
)

// checkCalibration enforces the only mandatory signal: without a way to
// recover the traced IP in a kretprobe nothing can be attributed.
func checkCalibration(fs FeatureSet) error {
	if !fs.HasFuncIP && fs.KretIPOffset == 0 {
		return ErrCalibration
	}
	return nil
}

// expandMultiSymbols turns a kprobe.multi section target into symbols. A
// plain name is used as is; a glob such as "vfs_*" is resolved against the
// list of available kprobes, which is only loaded when needed.
func expandMultiSymbols(target string, load func() (*kprobeIndex, error)) ([]string, error) {
	if !strings.ContainsAny(target, "*?[{") {
		return []string{target}, nil
	}
	idx, err := load()
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", target, err)
	}
	syms, err := idx.match(target)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("resolve %q: no available kprobe matches", target)
	}
	return syms, nil
}

func logFeatures(log zerolog.Logger, fs FeatureSet) {
	log.Debug().
		Int32("kret_ip_off", fs.KretIPOffset).
		Bool("bpf_get_func_ip", fs.HasFuncIP).
		Bool("fexit_sleep_fix", fs.HasFexitSleepFix).
		Bool("fentry_protection", fs.HasFentryProtection).
		Bool("bpf_cookie", fs.HasCookie).
		Bool("kprobe_multi", fs.HasKprobeMulti).
		Msg("Feature calibration results")
}
