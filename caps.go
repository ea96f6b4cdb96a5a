package kattach

import (
	"github.com/syndtr/gocapability/capability"
)

// privileges holds the effective capabilities relevant to tracing.
type privileges struct {
	SysAdmin ProbeResult // CAP_SYS_ADMIN (covers everything on pre-5.8 kernels)
	BPF      ProbeResult // CAP_BPF (kernel 5.8+)
	Perfmon  ProbeResult // CAP_PERFMON (kprobes and trampolines, kernel 5.8+)
}

// probePrivileges reads the effective capability set of the current process.
func probePrivileges() privileges {
	caps, err := capability.NewPid2(0)
	if err == nil {
		err = caps.Load()
	}
	if err != nil {
		failed := ProbeResult{Error: err}
		return privileges{SysAdmin: failed, BPF: failed, Perfmon: failed}
	}
	has := func(c capability.Cap) ProbeResult {
		return ProbeResult{Supported: caps.Get(capability.EFFECTIVE, c)}
	}
	return privileges{
		SysAdmin: has(capability.CAP_SYS_ADMIN),
		BPF:      has(capability.CAP_BPF),
		Perfmon:  has(capability.CAP_PERFMON),
	}
}

// missing returns the capabilities a tracing session lacks. Unknown results
// are not reported; the kernel remains the authority.
func (p privileges) missing() []string {
	if p.SysAdmin.Supported {
		return nil
	}
	var out []string
	if p.SysAdmin.Error == nil && !p.BPF.Supported {
		out = append(out, "CAP_BPF")
	}
	if p.SysAdmin.Error == nil && !p.Perfmon.Supported {
		out = append(out, "CAP_PERFMON")
	}
	return out
}
