package kattach

import (
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// discover walks BTF functions first. Outside of trampoline mode, probe-able
// functions that no BTF entry claimed are considered too, without types.
func (e *Engine) discover() error {
	err := e.types.Funcs(func(id btf.TypeID, f *btf.Func) error {
		err := e.consider(&Candidate{
			Name:     f.Name,
			BTFID:    id,
			Type:     f,
			ArgCount: funcArgCount(f),
		})
		// Whatever the verdict, a function with BTF is never retried without it.
		if pos := e.index.find(f.Name); pos >= 0 {
			e.index.markUsed(pos)
		}
		return err
	})
	if err != nil {
		return err
	}
	if e.strategy == StrategyTrampoline {
		return nil
	}
	for _, name := range e.index.unused() {
		if err := e.consider(&Candidate{Name: name}); err != nil {
			return err
		}
	}
	return nil
}

// consider runs the filter chain for one candidate. A rejected candidate is
// counted as skipped; only the function budget produces an error.
func (e *Engine) consider(c *Candidate) error {
	sym, ok := e.symbols.Lookup(c.Name)
	if !ok {
		e.skip(c, "not found in kallsyms")
		return nil
	}
	c.Module = sym.Module
	c.Addr = sym.Addr
	c.Size = sym.Size

	if r := e.deny.match(c.Name, c.Module); r != nil {
		e.skip(c, "denied by "+r.Glob)
		return nil
	}

	if len(e.allow) > 0 {
		r := e.allow.match(c.Name, c.Module)
		if r == nil {
			e.skip(c, "no allow glob matched")
			return nil
		}
		e.log.Trace().Str("func", c.Desc()).Str("glob", r.Glob).Msg("Function allowed")
	}

	if e.index.find(c.Name) < 0 {
		e.skip(c, "not an attachable kprobe")
		return nil
	}

	if e.strategy == StrategyTrampoline && !isFuncTypeOK(c.Type) {
		e.skip(c, "prototype incompatible with fentry/fexit")
		return nil
	}

	if e.cfg.filter != nil && !e.cfg.filter(c) {
		e.skip(c, "rejected by custom filter")
		return nil
	}

	if e.cfg.maxFuncCount > 0 && len(e.funcs) >= e.cfg.maxFuncCount {
		e.log.Warn().Int("max", e.cfg.maxFuncCount).Msg("Maximum allowed number of functions reached, skipping the rest")
		return fmt.Errorf("%w (%d)", ErrTooManyFunctions, e.cfg.maxFuncCount)
	}

	rec := &FunctionRecord{Candidate: *c, ID: len(e.funcs)}
	e.funcs = append(e.funcs, rec)
	e.stats.Found++
	if e.strategy == StrategyTrampoline {
		e.buckets.add(rec.ArgCount, rec.ID)
	}

	e.log.Trace().Str("func", rec.Desc()).Uint64("addr", rec.Addr).Int("args", rec.ArgCount).Msg("Function found")
	return nil
}

func (e *Engine) skip(c *Candidate, reason string) {
	e.stats.Skipped++
	e.log.Trace().Str("func", c.Desc()).Str("reason", reason).Msg("Function skipped")
}
