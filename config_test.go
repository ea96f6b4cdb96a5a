//go:build linux

package kattach

import (
	"compress/gzip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const configFixture = `#
# Automatically generated file; DO NOT EDIT.
# Linux/x86 6.1.0 Kernel Configuration
#
CONFIG_CC_IS_GCC=y
CONFIG_GCC_VERSION=120300
CONFIG_LOCALVERSION=""
CONFIG_BPF=y
CONFIG_BPF_SYSCALL=y
CONFIG_DEBUG_INFO_BTF=y
CONFIG_FPROBE=y
CONFIG_KPROBES=y
CONFIG_FUNCTION_TRACER=y
CONFIG_BPF_EVENTS=y
CONFIG_XDP_SOCKETS_DIAG=m
# CONFIG_IKCONFIG_PROC is not set
`

func TestParseConfig(t *testing.T) {
	kc, err := parseConfig(strings.NewReader(configFixture))
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}

	tests := []struct {
		key  string
		want ConfigValue
	}{
		{"BPF", ConfigBuiltin},
		{"DEBUG_INFO_BTF", ConfigBuiltin},
		{"FPROBE", ConfigBuiltin},
		{"XDP_SOCKETS_DIAG", ConfigModule},
		{"CC_IS_GCC", ConfigBuiltin},
		{"GCC_VERSION", ConfigNotSet},  // numeric value, ignored
		{"LOCALVERSION", ConfigNotSet}, // string value, ignored
		{"IKCONFIG_PROC", ConfigNotSet},
		{"NONEXISTENT", ConfigNotSet},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := kc.Get(tt.key); got != tt.want {
				t.Errorf("Get(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}

	if kc.KprobeMulti != ConfigBuiltin {
		t.Errorf("KprobeMulti = %v, want ConfigBuiltin", kc.KprobeMulti)
	}
	if kc.BPFEvents != ConfigBuiltin {
		t.Errorf("BPFEvents = %v, want ConfigBuiltin", kc.BPFEvents)
	}
}

func TestParseConfig_Empty(t *testing.T) {
	kc, err := parseConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	if kc.Get("anything") != ConfigNotSet {
		t.Error("expected ConfigNotSet for empty config")
	}
}

func TestParseConfigFrom(t *testing.T) {
	dir := t.TempDir()

	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(dir, "config")
		if err := os.WriteFile(path, []byte(configFixture), 0644); err != nil {
			t.Fatal(err)
		}
		kc, err := parseConfigFrom(configSource{path: path})
		if err != nil {
			t.Fatalf("parseConfigFrom() error = %v", err)
		}
		if kc.BTF != ConfigBuiltin {
			t.Errorf("BTF = %v, want ConfigBuiltin", kc.BTF)
		}
	})

	t.Run("gzip", func(t *testing.T) {
		path := filepath.Join(dir, "config.gz")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		gw := gzip.NewWriter(f)
		if _, err := gw.Write([]byte(configFixture)); err != nil {
			t.Fatal(err)
		}
		if err := gw.Close(); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}

		kc, err := parseConfigFrom(configSource{path: path, compressed: true})
		if err != nil {
			t.Fatalf("parseConfigFrom() error = %v", err)
		}
		if kc.Kprobes != ConfigBuiltin {
			t.Errorf("Kprobes = %v, want ConfigBuiltin", kc.Kprobes)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := parseConfigFrom(configSource{path: filepath.Join(dir, "nope")}); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("not gzip", func(t *testing.T) {
		path := filepath.Join(dir, "config")
		if _, err := parseConfigFrom(configSource{path: path, compressed: true}); err == nil {
			t.Error("expected error for uncompressed file read as gzip")
		}
	})
}

func TestReadKernelConfig_Sentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrNoKernelConfig)
	if !errors.Is(err, ErrNoKernelConfig) {
		t.Error("errors.Is should match ErrNoKernelConfig")
	}
}
