// Package kattach attaches tracing probes to large sets of kernel functions.
//
// It discovers every function described by vmlinux BTF, cross-references it
// with /proc/kallsyms and the list of functions ftrace can hook, filters the
// result with allow and deny globs, then attaches a caller supplied probe
// bundle using the fastest mechanism the running kernel offers:
//   - BPF trampolines (fentry/fexit), one verified program copy per function
//   - kprobe.multi, one link per direction for the whole set
//   - plain kprobes, one link per function and direction
//
// Kernel capabilities are calibrated empirically rather than inferred from
// the kernel version.
//
// # Pipeline
//
//	b, err := kattach.LoadBundle("probes.bpf.o", "calib.bpf.o")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	e, err := kattach.New(b, kattach.WithMode(kattach.ModeAuto), kattach.WithVerbose())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Destroy()
//
//	_ = e.AllowGlob("tcp_*", "")
//	_ = e.DenyGlob("tcp_v6_*", "")
//
//	if err := e.Prepare(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := e.Load(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := e.Attach(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := e.Activate(); err != nil {
//	    log.Fatal(err)
//	}
//
// A failing Load, Attach or Activate releases every handle acquired so far.
// Destroy is idempotent and safe at any stage.
//
// # Probe bundle
//
// A [Bundle] wraps a collection providing the fentry0..6, fexit0..6,
// fexit_void0..6, kentry and kexit programs, the ip_to_id map, and the
// ready flag. Programs the chosen strategy does not use are never loaded.
// [Bundle.BeforeLoad] receives a [LoadContext] describing the plan right
// before the kernel verifies the programs.
//
// # Diagnostics
//
// [Probe] returns a [SystemReport] with calibrated features, program type
// support, capabilities and the relevant kernel config options, including
// remediation hints for anything missing.
package kattach
