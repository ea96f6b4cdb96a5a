package kattach

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// TypeSource enumerates the function-typed entries of kernel type metadata.
type TypeSource interface {
	// Funcs calls fn for every BTF function in ascending type ID order.
	// Iteration stops at the first error returned by fn.
	Funcs(fn func(id btf.TypeID, f *btf.Func) error) error
}

// KernelTypes is a [TypeSource] backed by vmlinux BTF.
type KernelTypes struct {
	Spec *btf.Spec
}

// LoadKernelTypes loads vmlinux BTF from the running kernel.
func LoadKernelTypes() (*KernelTypes, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKernelBTF, err)
	}
	return &KernelTypes{Spec: spec}, nil
}

// Funcs implements [TypeSource].
func (k *KernelTypes) Funcs(fn func(id btf.TypeID, f *btf.Func) error) error {
	for id := btf.TypeID(1); ; id++ {
		t, err := k.Spec.TypeByID(id)
		if errors.Is(err, btf.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("type %d: %w", id, err)
		}
		f, ok := t.(*btf.Func)
		if !ok {
			continue
		}
		if err := fn(id, f); err != nil {
			return err
		}
	}
}

func funcProto(f *btf.Func) (*btf.FuncProto, bool) {
	if f == nil {
		return nil, false
	}
	proto, ok := f.Type.(*btf.FuncProto)
	return proto, ok
}

// funcArgCount is 0 for functions without type information.
func funcArgCount(f *btf.Func) int {
	proto, ok := funcProto(f)
	if !ok {
		return 0
	}
	return len(proto.Params)
}

func isRetVoid(f *btf.Func) bool {
	proto, ok := funcProto(f)
	if !ok {
		return false
	}
	return isVoid(proto.Return)
}

func isVoid(t btf.Type) bool {
	if t == nil {
		return true
	}
	_, ok := t.(*btf.Void)
	return ok
}

func isArgTypeOK(t btf.Type) bool {
	switch btf.UnderlyingType(t).(type) {
	case *btf.Int, *btf.Enum, *btf.Pointer:
		return true
	}
	return false
}

func isRetTypeOK(t btf.Type) bool {
	switch u := btf.UnderlyingType(t).(type) {
	case *btf.Int, *btf.Enum:
		return true
	case *btf.Pointer:
		// Pointee is checked as-is: only void, struct and union pointers are fine.
		if u.Target == nil {
			return true
		}
		switch u.Target.(type) {
		case *btf.Void, *btf.Struct, *btf.Union:
			return true
		}
	}
	return false
}

// isFuncTypeOK reports whether fentry/fexit programs can be specialized for f.
// Void returning functions are accepted: fexit has a dedicated void variant.
func isFuncTypeOK(f *btf.Func) bool {
	proto, ok := funcProto(f)
	if !ok {
		return false
	}
	if len(proto.Params) > MaxFuncArgs {
		return false
	}
	if !isVoid(proto.Return) && !isRetTypeOK(proto.Return) {
		return false
	}
	for _, p := range proto.Params {
		// varargs are encoded as a trailing void parameter
		if isVoid(p.Type) {
			return false
		}
		if !isArgTypeOK(p.Type) {
			return false
		}
	}
	return true
}
