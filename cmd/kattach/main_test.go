package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/leodido/kattach"
	"github.com/spf13/cobra"
)

func TestParseMode_CaseInsensitive(t *testing.T) {
	tests := []struct {
		input string
		want  kattach.Mode
	}{
		{"auto", kattach.ModeAuto},
		{" Kprobe-Single ", kattach.ModeKprobeSingle},
		{"FENTRY", kattach.ModeFentry},
	}
	for _, tt := range tests {
		got, err := parseMode(tt.input)
		if err != nil {
			t.Fatalf("parseMode(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("parseMode(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseMode_Unknown(t *testing.T) {
	_, err := parseMode("kprobe.multi")
	if err == nil {
		t.Fatal("parseMode(kprobe.multi) expected error")
	}

	msg := err.Error()
	if !strings.Contains(msg, `unknown mode: "kprobe.multi"`) {
		t.Fatalf("error %q missing unknown mode context", msg)
	}
	for _, name := range modeNames() {
		if !strings.Contains(msg, name) {
			t.Fatalf("error %q missing mode %q", msg, name)
		}
	}
}

func TestParseGlobList(t *testing.T) {
	got, err := parseGlobList(" tcp_*, ext4_*:ext4 ,,*:nf_*")
	if err != nil {
		t.Fatalf("parseGlobList() error = %v", err)
	}

	want := globList{
		{name: "tcp_*"},
		{name: "ext4_*", module: "ext4"},
		{name: "*", module: "nf_*"},
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseGlobList_EmptyName(t *testing.T) {
	if _, err := parseGlobList(":ext4"); err == nil {
		t.Fatal("parseGlobList(:ext4) expected error")
	}
}

func TestGlobList_SetAppends(t *testing.T) {
	var l globList
	if err := l.Set("tcp_*"); err != nil {
		t.Fatal(err)
	}
	if err := l.Set("udp_*:ipv6"); err != nil {
		t.Fatal(err)
	}
	if got, want := l.String(), "tcp_*,udp_*:ipv6"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if l.Type() != "glob" {
		t.Fatalf("Type() = %q, want glob", l.Type())
	}
}

func TestSelectOptionsDecodeGlobs(t *testing.T) {
	opts := &SelectOptions{}

	allow, err := opts.DecodeAllow("tcp_*,udp_*:ipv6")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := allow.(allowGlobs); !ok || len(got) != 2 {
		t.Fatalf("DecodeAllow() = %#v, want two allowGlobs", allow)
	}

	deny, err := opts.DecodeDeny("tcp_close")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := deny.(denyGlobs); !ok || len(got) != 1 {
		t.Fatalf("DecodeDeny() = %#v, want one denyGlobs", deny)
	}

	in := denyGlobs{{name: "tcp_*"}}
	out, err := opts.DecodeDeny(in)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := out.(denyGlobs); !ok || len(got) != 1 {
		t.Fatalf("DecodeDeny() = %#v, want the input unchanged", out)
	}
}

func TestAttachFlagsKeepAllowAndDenyApart(t *testing.T) {
	cmd := attachCmd()
	err := cmd.Flags().Parse([]string{
		"--allow", "tcp_*", "--allow", "udp_*:ipv6",
		"--deny", "tcp_close",
		"--max-fileno", "4096", "--dry-run",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	for flag, want := range map[string]string{
		"allow":      "tcp_*,udp_*:ipv6",
		"deny":       "tcp_close",
		"max-fileno": "4096",
		"dry-run":    "true",
	} {
		if got := cmd.Flags().Lookup(flag).Value.String(); got != want {
			t.Errorf("--%s = %q, want %q", flag, got, want)
		}
	}
}

func TestReportJSON(t *testing.T) {
	r := &kattach.SystemReport{
		KernelVersion:    "6.8.0",
		Kprobe:           kattach.ProbeResult{Supported: true},
		Tracing:          kattach.ProbeResult{Error: errors.New("EPERM")},
		CalibrationError: kattach.ErrCalibration,
		KernelConfig:     kattach.NewKernelConfig(map[string]kattach.ConfigValue{"FPROBE": kattach.ConfigBuiltin}),
	}
	out := reportJSON(r)

	if out["calibration_error"] != kattach.ErrCalibration.Error() {
		t.Fatalf("calibration_error = %v", out["calibration_error"])
	}
	tracing := out["tracing"].(map[string]any)
	if tracing["error"] != "EPERM" {
		t.Fatalf("tracing error = %v, want EPERM", tracing["error"])
	}
	kc := out["kernel_config"].(map[string]string)
	if kc["CONFIG_FPROBE"] != "y" {
		t.Fatalf("CONFIG_FPROBE = %q, want y", kc["CONFIG_FPROBE"])
	}
}

func TestCommandsDefineFlags(t *testing.T) {
	tests := []struct {
		cmd   *cobra.Command
		flags []string
	}{
		{attachCmd(), []string{"bundle", "calib", "mode", "allow", "deny", "max-funcs", "max-fileno", "dry-run", "verbose", "debug", "debug-extra"}},
		{listCmd(), []string{"bundle", "mode", "allow", "deny", "max-fileno", "json"}},
		{featuresCmd(), []string{"calib", "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.Name(), func(t *testing.T) {
			for _, f := range tt.flags {
				if tt.cmd.Flags().Lookup(f) == nil {
					t.Errorf("missing flag --%s", f)
				}
			}
		})
	}
}
