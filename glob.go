package kattach

import (
	"fmt"

	"github.com/gobwas/glob"
)

// enforcedDenyGlobs are always denied, before any user rule is added.
var enforcedDenyGlobs = []string{
	// used for recursion protection
	"bpf_get_smp_processor_id",

	// low-level delicate functions
	"migrate_enable",
	"migrate_disable",
	"rcu_read_lock*",
	"rcu_read_unlock*",
	"bpf_spin_lock",
	"bpf_spin_unlock",
	"__bpf_prog_enter*",
	"__bpf_prog_exit*",
	"__bpf_tramp_enter*",
	"__bpf_tramp_exit*",
	"update_prog_stats",
	"inc_misses_counter",
	"bpf_prog_start_time",
}

// sleepableDenyGlobs crash fexit on kernels without commit e21aa341785c
// ("bpf: Fix fexit trampoline.").
var sleepableDenyGlobs = []string{
	"*_sys_select",
	"*_sys_pselect6*",
	"*_sys_epoll_wait",
	"*_sys_epoll_pwait",
	"*_sys_poll*",
	"*_sys_ppoll*",
	"*_sys_nanosleep*",
	"*_sys_clock_nanosleep*",
}

// GlobRule matches functions by name and, optionally, by module.
type GlobRule struct {
	Glob    string `json:"glob"`
	ModGlob string `json:"mod_glob,omitempty"`
	Matches int    `json:"matches"`

	name glob.Glob
	mod  glob.Glob
}

// NewGlobRule compiles a rule. modGlob may be empty.
func NewGlobRule(nameGlob, modGlob string) (*GlobRule, error) {
	r := &GlobRule{Glob: nameGlob, ModGlob: modGlob}

	g, err := compileGlob(nameGlob)
	if err != nil {
		return nil, err
	}
	r.name = g

	if modGlob != "" {
		g, err := compileGlob(modGlob)
		if err != nil {
			return nil, err
		}
		r.mod = g
	}
	return r, nil
}

func compileGlob(pattern string) (glob.Glob, error) {
	switch pattern {
	case "":
		return nil, fmt.Errorf("%w: empty glob", ErrInvalidGlob)
	case "**":
		return nil, fmt.Errorf("%w: unsupported glob %q", ErrInvalidGlob, pattern)
	}
	// No separators: '*' spans the whole symbol name.
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidGlob, pattern, err)
	}
	return g, nil
}

// Match reports whether the rule matches a function. Functions without a
// module never match a rule that has a module glob.
func (r *GlobRule) Match(name, module string) bool {
	if !r.name.Match(name) {
		return false
	}
	if r.mod == nil {
		return true
	}
	if module == "" {
		return false
	}
	return r.mod.Match(module)
}

// ruleSet is an ordered list of rules; the first match wins.
type ruleSet []*GlobRule

func (rs *ruleSet) add(nameGlob, modGlob string) error {
	r, err := NewGlobRule(nameGlob, modGlob)
	if err != nil {
		return err
	}
	*rs = append(*rs, r)
	return nil
}

// match returns the first matching rule and bumps its counter.
func (rs ruleSet) match(name, module string) *GlobRule {
	for _, r := range rs {
		if r.Match(name, module) {
			r.Matches++
			return r
		}
	}
	return nil
}

func (rs ruleSet) snapshot() []GlobRule {
	out := make([]GlobRule, len(rs))
	for i, r := range rs {
		out[i] = *r
	}
	return out
}
