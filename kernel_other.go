//go:build !linux

package kattach

import (
	"io"

	"github.com/cilium/ebpf"
)

type unsupportedKernel struct{}

func newKernel() kernel {
	return unsupportedKernel{}
}

func (unsupportedKernel) loadCollection(*ebpf.CollectionSpec) (loadedCollection, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedKernel) attachTracing(io.Closer) (io.Closer, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedKernel) attachKprobe(string, io.Closer, bool, uint64) (io.Closer, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedKernel) attachKprobeMulti(io.Closer, multiTargets, bool) (io.Closer, error) {
	return nil, ErrUnsupportedPlatform
}
