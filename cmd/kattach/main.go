package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/leodido/kattach"
	"github.com/leodido/kattach/internal/logging"
	"github.com/leodido/structcli"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"
)

// Build metadata injected via ldflags.
// When built without ldflags, these remain at their zero values
// and the version command omits them gracefully.
var (
	version = ""
	commit  = ""
	date    = ""
)

func main() {
	root := &cobra.Command{
		Use:   "kattach",
		Short: "Mass-attach eBPF tracing probes to kernel functions",
		Long: `kattach attaches an entry and an exit probe to every kernel function
selected by allow and deny globs.

It calibrates the running kernel, picks fentry/fexit trampolines, batched
kprobe.multi links or single kprobes, and tears everything down on exit.`,
		SilenceUsage: true,
	}

	root.AddCommand(attachCmd())
	root.AddCommand(listCmd())
	root.AddCommand(featuresCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// SelectOptions defines the flags shared by the attach and list subcommands.
type SelectOptions struct {
	Bundle     string       `flag:"bundle" flagshort:"b" flagdescr:"Probe bundle ELF object" flagrequired:"true"`
	Calib      string       `flag:"calib" flagdescr:"Calibration ELF object (helper probing when empty)"`
	Mode       kattach.Mode `flag:"mode" flagshort:"m" flagdescr:"Attach mode (auto, kprobe-single, fentry)" flagcustom:"true"`
	Allow      allowGlobs   `flag:"allow" flagshort:"a" flagdescr:"Allow glob as NAME[:MODULE], repeatable" flagcustom:"true"`
	Deny       denyGlobs    `flag:"deny" flagshort:"d" flagdescr:"Deny glob as NAME[:MODULE], repeatable" flagcustom:"true"`
	MaxFuncs   int          `flag:"max-funcs" flagdescr:"Maximum number of functions to attach (0 for unlimited)"`
	MaxFileno  uint64       `flag:"max-fileno" flagdescr:"RLIMIT_NOFILE to set before attaching (0 for the default of 300000)"`
	Verbose    bool         `flag:"verbose" flagshort:"v" flagdescr:"Log pipeline summaries"`
	Debug      bool         `flag:"debug" flagdescr:"Log rule and bucket details"`
	DebugExtra bool         `flag:"debug-extra" flagdescr:"Log every per-function decision"`
}

func (o *SelectOptions) DefineMode(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*kattach.Mode)
	return enumflag.New(fieldPtr, "mode", modeIdentifiers, enumflag.EnumCaseInsensitive), descr
}

func (o *SelectOptions) DecodeMode(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}
	return parseMode(s)
}

func (o *SelectOptions) DefineAllow(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*allowGlobs)
	*fieldPtr = nil
	return fieldPtr, descr
}

func (o *SelectOptions) DecodeAllow(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}
	l, err := parseGlobList(s)
	return allowGlobs(l), err
}

func (o *SelectOptions) DefineDeny(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*denyGlobs)
	*fieldPtr = nil
	return fieldPtr, descr
}

func (o *SelectOptions) DecodeDeny(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}
	l, err := parseGlobList(s)
	return denyGlobs(l), err
}

// engine loads the bundle and returns an engine with every rule installed.
func (o *SelectOptions) engine(extra ...kattach.Option) (*kattach.Engine, error) {
	b, err := kattach.LoadBundle(o.Bundle, o.Calib)
	if err != nil {
		return nil, err
	}

	opts := []kattach.Option{kattach.WithMode(o.Mode)}
	if o.MaxFuncs > 0 {
		opts = append(opts, kattach.WithMaxFuncCount(o.MaxFuncs))
	}
	if o.MaxFileno > 0 {
		opts = append(opts, kattach.WithMaxFileRlimit(o.MaxFileno))
	}
	if o.Verbose {
		opts = append(opts, kattach.WithVerbose())
	}
	if o.Debug {
		opts = append(opts, kattach.WithDebug())
	}
	if o.DebugExtra {
		opts = append(opts, kattach.WithDebugExtra())
	}

	e, err := kattach.New(b, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	for _, g := range o.Allow {
		if err := e.AllowGlob(g.name, g.module); err != nil {
			return nil, err
		}
	}
	for _, g := range o.Deny {
		if err := e.DenyGlob(g.name, g.module); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AttachOptions defines flags for the attach subcommand.
type AttachOptions struct {
	SelectOptions
	DryRun bool `flag:"dry-run" flagdescr:"Run the whole pipeline without loading or attaching anything"`
}

func (o *AttachOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func attachCmd() *cobra.Command {
	opts := &AttachOptions{}

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach probes and keep them active until interrupted",
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			var extra []kattach.Option
			if opts.DryRun {
				extra = append(extra, kattach.WithDryRun())
			}
			e, err := opts.engine(extra...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, e, opts.DryRun)
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// run drives the engine through the full pipeline and holds the probes
// until ctx is done. A dry run returns as soon as the pipeline completes.
func run(ctx context.Context, e *kattach.Engine, dryRun bool) (err error) {
	defer func() {
		if derr := e.Destroy(); derr != nil && err == nil {
			err = derr
		}
	}()

	steps := []func() error{e.Prepare, e.Load, e.Attach, e.Activate}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if dryRun {
		fmt.Fprintf(os.Stderr, "Dry run: %d functions would be attached using %s (%s).\n",
			e.FuncCount(), e.Strategy(), e.Stats())
		return nil
	}
	fmt.Fprintf(os.Stderr, "Attached %d functions using %s (%s). Press Ctrl-C to detach.\n",
		e.Stats().Attached, e.Strategy(), e.Stats())
	<-ctx.Done()
	return nil
}

// ListOptions defines flags for the list subcommand.
type ListOptions struct {
	SelectOptions
	JSON bool `flag:"json" flagshort:"j" flagdescr:"Output in JSON format"`
}

func (o *ListOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func listCmd() *cobra.Command {
	opts := &ListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the functions that would be attached without touching the kernel",
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			e, err := opts.engine(kattach.WithDryRun())
			if err != nil {
				return err
			}
			defer e.Destroy()

			if err := e.Prepare(); err != nil {
				return err
			}

			entries := listEntries(e)
			if opts.JSON {
				return printJSON(map[string]any{
					"strategy":  e.Strategy().String(),
					"stats":     e.Stats(),
					"functions": entries,
				})
			}

			for _, f := range entries {
				fmt.Printf("%6d  %#016x  %d  %s\n", f.ID, f.Addr, f.ArgCount, f.Desc)
			}
			fmt.Fprintf(os.Stderr, "strategy: %s, %s\n", e.Strategy(), e.Stats())
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

type listEntry struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Module   string `json:"module,omitempty"`
	Addr     uint64 `json:"addr"`
	ArgCount int    `json:"arg_count"`
	Desc     string `json:"-"`
}

func listEntries(e *kattach.Engine) []listEntry {
	out := make([]listEntry, 0, e.FuncCount())
	for i := 0; i < e.FuncCount(); i++ {
		f := e.Func(i)
		out = append(out, listEntry{
			ID:       f.ID,
			Name:     f.Name,
			Module:   f.Module,
			Addr:     f.Addr,
			ArgCount: f.ArgCount,
			Desc:     f.Desc(),
		})
	}
	return out
}

// FeaturesOptions defines flags for the features subcommand.
type FeaturesOptions struct {
	Calib string `flag:"calib" flagdescr:"Calibration ELF object (helper probing when empty)"`
	JSON  bool   `flag:"json" flagshort:"j" flagdescr:"Output in JSON format"`
	Debug bool   `flag:"debug" flagdescr:"Log feature probe details"`
}

func (o *FeaturesOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func (o *FeaturesOptions) calibrator() (kattach.Calibrator, error) {
	log := logging.New(logging.Config{Level: logging.LevelFor(false, o.Debug, false), Pretty: true})
	if o.Calib == "" {
		return &kattach.HelperCalibrator{Logger: log}, nil
	}
	spec, err := ebpf.LoadCollectionSpec(o.Calib)
	if err != nil {
		return nil, fmt.Errorf("load calibration %q: %w", o.Calib, err)
	}
	return &kattach.SelfTestCalibrator{Spec: spec, Logger: log}, nil
}

func featuresCmd() *cobra.Command {
	opts := &FeaturesOptions{}

	cmd := &cobra.Command{
		Use:   "features",
		Short: "Calibrate the kernel and display tracing features",
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			cal, err := opts.calibrator()
			if err != nil {
				return err
			}
			r, err := kattach.Probe(cal)
			if err != nil {
				return err
			}

			if opts.JSON {
				return printJSON(reportJSON(r))
			}

			fmt.Print(r)
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// reportJSON flattens probe errors to strings, which encoding/json cannot do.
func reportJSON(r *kattach.SystemReport) map[string]any {
	result := func(p kattach.ProbeResult) map[string]any {
		m := map[string]any{"supported": p.Supported}
		if p.Error != nil {
			m["error"] = p.Error.Error()
		}
		return m
	}

	out := map[string]any{
		"kernel_version": r.KernelVersion,
		"features":       r.Features,
		"kprobe":         result(r.Kprobe),
		"tracing":        result(r.Tracing),
		"btf":            result(r.BTF),
		"kprobe_list":    result(r.KprobeList),
		"cap_sys_admin":  result(r.CapSysAdmin),
		"cap_bpf":        result(r.CapBPF),
		"cap_perfmon":    result(r.CapPerfmon),
		"hints":          r.Hints,
	}
	if r.CalibrationError != nil {
		out["calibration_error"] = r.CalibrationError.Error()
	}
	if kc := r.KernelConfig; kc != nil {
		out["kernel_config"] = map[string]string{
			"CONFIG_DEBUG_INFO_BTF":  kc.BTF.String(),
			"CONFIG_FPROBE":          kc.KprobeMulti.String(),
			"CONFIG_KPROBES":         kc.Kprobes.String(),
			"CONFIG_FUNCTION_TRACER": kc.FunctionTracer.String(),
			"CONFIG_BPF_EVENTS":      kc.BPFEvents.String(),
		}
	}
	return out
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show kernel and tool version",
		RunE: func(c *cobra.Command, args []string) error {
			if version != "" {
				fmt.Printf("kattach %s", version)
				if commit != "" {
					fmt.Printf(" (%s)", commit)
				}
				if date != "" {
					fmt.Printf(" built %s", date)
				}
				fmt.Println()
			} else {
				fmt.Println("kattach (dev)")
			}

			r, err := kattach.Probe(nopCalibrator{})
			if err != nil {
				return err
			}
			fmt.Printf("Kernel: %s\n", r.KernelVersion)
			return nil
		},
	}
}

// nopCalibrator skips calibration when only static facts are needed.
type nopCalibrator struct{}

func (nopCalibrator) Calibrate() (kattach.FeatureSet, error) {
	return kattach.FeatureSet{}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var modeIdentifiers = func() map[kattach.Mode][]string {
	ids := make(map[kattach.Mode][]string, len(kattach.ModeValues()))
	for _, m := range kattach.ModeValues() {
		ids[m] = []string{m.String()}
	}
	return ids
}()

func modeNames() []string {
	names := make([]string, 0, len(kattach.ModeValues()))
	for _, m := range kattach.ModeValues() {
		names = append(names, m.String())
	}
	return names
}

func parseMode(input string) (kattach.Mode, error) {
	var m kattach.Mode
	v := enumflag.New(&m, "mode", modeIdentifiers, enumflag.EnumCaseInsensitive)
	if err := v.Set(strings.TrimSpace(input)); err != nil {
		return 0, fmt.Errorf("unknown mode: %q (available: %s)", input, strings.Join(modeNames(), ", "))
	}
	return m, nil
}

type globSpec struct {
	name   string
	module string
}

func (g globSpec) String() string {
	if g.module == "" {
		return g.name
	}
	return g.name + ":" + g.module
}

// globList is a repeatable NAME[:MODULE] flag. Commas separate several globs.
type globList []globSpec

func (l *globList) String() string {
	parts := make([]string, 0, len(*l))
	for _, g := range *l {
		parts = append(parts, g.String())
	}
	return strings.Join(parts, ",")
}

func (l *globList) Set(input string) error {
	globs, err := parseGlobList(input)
	if err != nil {
		return err
	}
	*l = append(*l, globs...)
	return nil
}

func (l *globList) Type() string {
	return "glob"
}

// allowGlobs and denyGlobs are distinct flag types so each field gets its
// own Define/Decode hooks.
type (
	allowGlobs globList
	denyGlobs  globList
)

func (l *allowGlobs) String() string { return (*globList)(l).String() }
func (l *allowGlobs) Set(in string) error { return (*globList)(l).Set(in) }
func (l *allowGlobs) Type() string { return "glob" }

func (l *denyGlobs) String() string { return (*globList)(l).String() }
func (l *denyGlobs) Set(in string) error { return (*globList)(l).Set(in) }
func (l *denyGlobs) Type() string { return "glob" }

func parseGlobList(input string) (globList, error) {
	var out globList
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, module, _ := strings.Cut(part, ":")
		if name == "" {
			return nil, fmt.Errorf("invalid glob %q: empty function pattern", part)
		}
		out = append(out, globSpec{name: name, module: module})
	}
	return out, nil
}
