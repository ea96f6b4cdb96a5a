//go:build linux

package kattach

import (
	"errors"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
)

// Probe collects a diagnostics report: calibrated features plus the static
// signals that explain them. A calibration failure is recorded in the report,
// not returned, so operators always get the rest of the picture.
func Probe(cal Calibrator) (*SystemReport, error) {
	if cal == nil {
		return nil, errors.New("probe: nil calibrator")
	}

	r := &SystemReport{
		KernelVersion: probeKernelVersion(),
		Kprobe:        probeProgramType(ebpf.Kprobe),
		Tracing:       probeProgramType(ebpf.Tracing),
		BTF:           probeBTF(),
		KprobeList:    probeFile(availableFilterFunctionsPath()),
	}

	kc, err := readKernelConfig()
	if err == nil {
		r.KernelConfig = kc
	}

	p := probePrivileges()
	r.CapSysAdmin, r.CapBPF, r.CapPerfmon = p.SysAdmin, p.BPF, p.Perfmon

	fs, err := cal.Calibrate()
	if err != nil {
		r.CalibrationError = err
	} else {
		r.Features = fs
	}

	if !r.Features.HasKprobeMulti {
		r.Hints = append(r.Hints, r.KernelConfig.Diagnose(FeatureKprobeMulti))
	}
	if !r.BTF.Supported {
		r.Hints = append(r.Hints, r.KernelConfig.Diagnose(FeatureBTF))
	}
	if !r.Tracing.Supported {
		r.Hints = append(r.Hints, r.KernelConfig.Diagnose(FeatureFentry))
	}
	if !r.Kprobe.Supported {
		r.Hints = append(r.Hints, r.KernelConfig.Diagnose(FeatureKprobe))
	}
	return r, nil
}

func probeProgramType(pt ebpf.ProgramType) ProbeResult {
	err := features.HaveProgramType(pt)
	if err == nil {
		return ProbeResult{Supported: true}
	}
	if errors.Is(err, ebpf.ErrNotSupported) {
		return ProbeResult{Supported: false}
	}
	return ProbeResult{Supported: false, Error: err}
}

const btfPath = "/sys/kernel/btf/vmlinux"

func probeBTF() ProbeResult {
	return probeFile(btfPath)
}

// probeFile reports whether path exists.
func probeFile(path string) ProbeResult {
	_, err := os.Stat(path)
	if err == nil {
		return ProbeResult{Supported: true}
	}
	if os.IsNotExist(err) {
		return ProbeResult{Supported: false}
	}
	return ProbeResult{Supported: false, Error: err}
}

func probeKernelVersion() string {
	release, err := kernelRelease()
	if err != nil {
		return ""
	}
	return release
}
