package kattach

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
)

var errRejected = errors.New("rejected by fake kernel")

// fakeHandle is a program or link owned by the fake kernel.
type fakeHandle struct {
	kind   string
	target string
	closed int
}

func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

type kprobeCall struct {
	symbol string
	ret    bool
	cookie uint64
}

type multiCall struct {
	targets multiTargets
	ret     bool
}

// fakeKernel records every operation and hands out fakeHandles.
type fakeKernel struct {
	calls   int
	handles []*fakeHandle

	loaded  *ebpf.CollectionSpec
	coll    *fakeCollection
	kprobes []kprobeCall
	multi   []multiCall

	failLoad        bool
	failCloneAt     int // 1-based clone call that fails, 0 for never
	failAttachAt    int // 1-based per-function attach call that fails, 0 for never
	rejectMultiAddr bool
	rejectMultiSyms bool

	attaches int
	clones   int
}

func (k *fakeKernel) handle(kind, target string) *fakeHandle {
	h := &fakeHandle{kind: kind, target: target}
	k.handles = append(k.handles, h)
	return h
}

func (k *fakeKernel) loadCollection(spec *ebpf.CollectionSpec) (loadedCollection, error) {
	k.calls++
	if k.failLoad {
		return nil, errRejected
	}
	k.loaded = spec
	k.coll = &fakeCollection{k: k, progs: map[string]*fakeHandle{}, ipToID: map[uint64]uint32{}}
	for name, p := range spec.Programs {
		k.coll.progs[name] = k.handle("template", p.AttachTo)
	}
	return k.coll, nil
}

func (k *fakeKernel) attachTracing(prog io.Closer) (io.Closer, error) {
	k.calls++
	k.attaches++
	if k.failAttachAt > 0 && k.attaches == k.failAttachAt {
		return nil, errRejected
	}
	return k.handle("tracing link", prog.(*fakeHandle).target), nil
}

func (k *fakeKernel) attachKprobe(symbol string, _ io.Closer, ret bool, cookie uint64) (io.Closer, error) {
	k.calls++
	k.attaches++
	k.kprobes = append(k.kprobes, kprobeCall{symbol: symbol, ret: ret, cookie: cookie})
	if k.failAttachAt > 0 && k.attaches == k.failAttachAt {
		return nil, errRejected
	}
	return k.handle("kprobe link", symbol), nil
}

func (k *fakeKernel) attachKprobeMulti(_ io.Closer, m multiTargets, ret bool) (io.Closer, error) {
	k.calls++
	k.multi = append(k.multi, multiCall{targets: m, ret: ret})
	if m.addrs != nil && k.rejectMultiAddr {
		return nil, errRejected
	}
	if m.syms != nil && k.rejectMultiSyms {
		return nil, errRejected
	}
	return k.handle("multi link", fmt.Sprintf("ret=%v", ret)), nil
}

// openHandles returns handles not closed yet, and fails on double closes.
func (k *fakeKernel) openHandles() (open []*fakeHandle, doubleClosed []*fakeHandle) {
	for _, h := range k.handles {
		switch {
		case h.closed == 0:
			open = append(open, h)
		case h.closed > 1:
			doubleClosed = append(doubleClosed, h)
		}
	}
	if k.coll != nil && k.coll.closed > 1 {
		doubleClosed = append(doubleClosed, &fakeHandle{kind: "collection"})
	}
	return open, doubleClosed
}

type fakeCollection struct {
	k      *fakeKernel
	progs  map[string]*fakeHandle
	ipToID map[uint64]uint32
	ready  []bool
	closed int
	clones []string
}

func (c *fakeCollection) program(name string) (io.Closer, bool) {
	p, ok := c.progs[name]
	return p, ok
}

func (c *fakeCollection) clone(name, target string) (io.Closer, error) {
	c.k.calls++
	c.k.clones++
	if c.k.failCloneAt > 0 && c.k.clones == c.k.failCloneAt {
		return nil, errRejected
	}
	if _, ok := c.progs[name]; !ok {
		return nil, fmt.Errorf("%w: program %s", ErrMissingSlot, name)
	}
	c.clones = append(c.clones, name+":"+target)
	return c.k.handle("clone "+name, target), nil
}

func (c *fakeCollection) updateIPToID(addr uint64, id uint32) error {
	c.k.calls++
	c.ipToID[addr] = id
	return nil
}

func (c *fakeCollection) setReady(ready bool) error {
	c.k.calls++
	c.ready = append(c.ready, ready)
	return nil
}

// Close releases the templates like a real collection would.
func (c *fakeCollection) Close() error {
	c.closed++
	if c.closed == 1 {
		for _, p := range c.progs {
			p.Close()
		}
	}
	return nil
}
