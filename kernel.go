package kattach

import (
	"io"

	"github.com/cilium/ebpf"
)

// kernel is the set of bpf(2) operations issued by the executor.
// Every returned handle is owned by the caller.
type kernel interface {
	loadCollection(spec *ebpf.CollectionSpec) (loadedCollection, error)
	attachTracing(prog io.Closer) (io.Closer, error)
	attachKprobe(symbol string, prog io.Closer, ret bool, cookie uint64) (io.Closer, error)
	attachKprobeMulti(prog io.Closer, m multiTargets, ret bool) (io.Closer, error)
}

// loadedCollection is a probe bundle living in the kernel.
type loadedCollection interface {
	// program returns a loaded template program.
	program(name string) (io.Closer, bool)
	// clone loads a copy of a template program targeting another function.
	clone(name, target string) (io.Closer, error)
	updateIPToID(addr uint64, id uint32) error
	setReady(ready bool) error
	Close() error
}

// multiTargets describes a kprobe.multi attachment. Exactly one of addrs and
// syms is set.
type multiTargets struct {
	addrs   []uintptr
	syms    []string
	cookies []uint64
}
