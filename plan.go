package kattach

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// chooseStrategy is fixed for the lifetime of an engine.
func chooseStrategy(m Mode, fs FeatureSet) Strategy {
	switch {
	case m == ModeFentry:
		return StrategyTrampoline
	case m != ModeKprobeSingle && fs.HasKprobeMulti:
		return StrategyBatchedProbe
	default:
		return StrategySingleProbe
	}
}

// arityBucket tracks the trampoline functions sharing an argument count.
// Its templates are verified against the first member and cloned for the rest.
type arityBucket struct {
	count int
	first int
}

type arityTable [MaxFuncArgs + 1]arityBucket

func (t *arityTable) add(args, id int) {
	b := &t[args]
	if b.count == 0 {
		b.first = id
	}
	b.count++
}

// usesIPToID reports whether probes identify functions through the ip_to_id
// map. Trampolines cannot carry cookies; kprobes can when the kernel allows.
func (e *Engine) usesIPToID() bool {
	return e.strategy == StrategyTrampoline || !e.features.HasCookie
}

// planSpec removes every program the strategy does not need, so that it is
// never verified, and points the remaining templates at real targets.
func (e *Engine) planSpec() error {
	progs := e.spec.Programs

	switch e.strategy {
	case StrategyTrampoline:
		delete(progs, slotKentry)
		delete(progs, slotKexit)
		for args := 0; args <= MaxFuncArgs; args++ {
			slots := []string{fentrySlot(args), fexitSlot(args), fexitVoidSlot(args)}
			b := e.buckets[args]
			if b.count == 0 {
				for _, name := range slots {
					delete(progs, name)
				}
				continue
			}
			target := e.funcs[b.first].Name
			for _, name := range slots {
				progs[name].AttachTo = target
			}
			e.log.Debug().Int("args", args).Int("count", b.count).Msg("Functions grouped by argument count")
		}

	case StrategyBatchedProbe, StrategySingleProbe:
		for args := 0; args <= MaxFuncArgs; args++ {
			delete(progs, fentrySlot(args))
			delete(progs, fexitSlot(args))
			delete(progs, fexitVoidSlot(args))
		}
		if e.strategy == StrategyBatchedProbe {
			progs[slotKentry].AttachType = ebpf.AttachTraceKprobeMulti
			progs[slotKexit].AttachType = ebpf.AttachTraceKprobeMulti
		}

	default:
		return fmt.Errorf("%w: no strategy selected", ErrInvalidState)
	}

	m := e.spec.Maps[slotIPToID]
	if e.usesIPToID() {
		m.MaxEntries = uint32(len(e.funcs))
	} else {
		m.MaxEntries = 1
	}
	return nil
}
