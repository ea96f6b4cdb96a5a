//go:build linux

package kattach

import (
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// bpfKernel issues real syscalls through cilium/ebpf.
type bpfKernel struct{}

func newKernel() kernel {
	return bpfKernel{}
}

type bpfCollection struct {
	spec *ebpf.CollectionSpec
	coll *ebpf.Collection
}

func (bpfKernel) loadCollection(spec *ebpf.CollectionSpec) (loadedCollection, error) {
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}
	return &bpfCollection{spec: spec, coll: coll}, nil
}

func (c *bpfCollection) program(name string) (io.Closer, bool) {
	p, ok := c.coll.Programs[name]
	return p, ok
}

// clone re-verifies a template against a new attach target. Map references
// are rewired to the maps of the loaded collection.
func (c *bpfCollection) clone(name, target string) (io.Closer, error) {
	tmpl, ok := c.spec.Programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: program %s", ErrMissingSlot, name)
	}

	spec := tmpl.Copy()
	spec.AttachTo = target
	spec.AttachTarget = nil

	for i := range spec.Instructions {
		ins := &spec.Instructions[i]
		if !ins.IsLoadFromMap() {
			continue
		}
		m, ok := c.coll.Maps[ins.Reference()]
		if !ok {
			continue
		}
		if err := ins.AssociateMap(m); err != nil {
			return nil, fmt.Errorf("associate map %s: %w", ins.Reference(), err)
		}
	}

	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		return nil, err
	}
	return prog, nil
}

func (c *bpfCollection) updateIPToID(addr uint64, id uint32) error {
	m, ok := c.coll.Maps[slotIPToID]
	if !ok {
		return fmt.Errorf("%w: map %s", ErrMissingSlot, slotIPToID)
	}
	return m.Update(addr, id, ebpf.UpdateAny)
}

func (c *bpfCollection) setReady(ready bool) error {
	v, ok := c.coll.Variables[varReady]
	if !ok {
		return fmt.Errorf("%w: variable %s", ErrMissingSlot, varReady)
	}
	return v.Set(ready)
}

func (c *bpfCollection) Close() error {
	c.coll.Close()
	return nil
}

func asProgram(p io.Closer) (*ebpf.Program, error) {
	prog, ok := p.(*ebpf.Program)
	if !ok || prog == nil {
		return nil, fmt.Errorf("not a loaded program: %T", p)
	}
	return prog, nil
}

func (bpfKernel) attachTracing(p io.Closer) (io.Closer, error) {
	prog, err := asProgram(p)
	if err != nil {
		return nil, err
	}
	return link.AttachTracing(link.TracingOptions{Program: prog})
}

func (bpfKernel) attachKprobe(symbol string, p io.Closer, ret bool, cookie uint64) (io.Closer, error) {
	prog, err := asProgram(p)
	if err != nil {
		return nil, err
	}
	opts := &link.KprobeOptions{Cookie: cookie}
	if ret {
		return link.Kretprobe(symbol, prog, opts)
	}
	return link.Kprobe(symbol, prog, opts)
}

func (bpfKernel) attachKprobeMulti(p io.Closer, m multiTargets, ret bool) (io.Closer, error) {
	prog, err := asProgram(p)
	if err != nil {
		return nil, err
	}
	opts := link.KprobeMultiOptions{
		Symbols:   m.syms,
		Addresses: m.addrs,
		Cookies:   m.cookies,
	}
	if ret {
		return link.KretprobeMulti(prog, opts)
	}
	return link.KprobeMulti(prog, opts)
}
