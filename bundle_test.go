package kattach

import (
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSpec returns a collection spec providing every slot a bundle needs.
// Variables come from a real object: ready is backed by .data and
// kret_ip_off by .rodata, both 32-bit.
func testSpec(t *testing.T) *ebpf.CollectionSpec {
	t.Helper()

	vars, err := ebpf.LoadCollectionSpec(filepath.Join("testdata", "variables.elf"))
	require.NoError(t, err)

	spec := &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{},
		Maps: map[string]*ebpf.MapSpec{
			slotIPToID: {
				Name:       slotIPToID,
				Type:       ebpf.Hash,
				KeySize:    8,
				ValueSize:  4,
				MaxEntries: 1,
			},
		},
		Variables: map[string]*ebpf.VariableSpec{
			varReady:     vars.Variables["var_data"],
			varKretIPOff: vars.Variables["var_rodata"],
		},
	}
	for name, v := range spec.Variables {
		require.NotNil(t, v, name)
		spec.Maps[v.MapName()] = vars.Maps[v.MapName()]
	}
	for _, name := range []string{slotKentry, slotKexit} {
		spec.Programs[name] = &ebpf.ProgramSpec{Name: name, Type: ebpf.Kprobe}
	}
	for i := 0; i <= MaxFuncArgs; i++ {
		spec.Programs[fentrySlot(i)] = &ebpf.ProgramSpec{Name: fentrySlot(i), Type: ebpf.Tracing, AttachType: ebpf.AttachTraceFEntry}
		spec.Programs[fexitSlot(i)] = &ebpf.ProgramSpec{Name: fexitSlot(i), Type: ebpf.Tracing, AttachType: ebpf.AttachTraceFExit}
		spec.Programs[fexitVoidSlot(i)] = &ebpf.ProgramSpec{Name: fexitVoidSlot(i), Type: ebpf.Tracing, AttachType: ebpf.AttachTraceFExit}
	}
	return spec
}

func TestRequiredSlots(t *testing.T) {
	slots := requiredSlots()
	assert.Len(t, slots, 2+3*(MaxFuncArgs+1))
	assert.Contains(t, slots, "fentry0")
	assert.Contains(t, slots, "fexit6")
	assert.Contains(t, slots, "fexit_void3")
	assert.Contains(t, slots, "kentry")
	assert.Contains(t, slots, "kexit")
}

func TestBundleValidate(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		b := &Bundle{Spec: testSpec(t)}
		require.NoError(t, b.validate())
	})

	t.Run("nil bundle", func(t *testing.T) {
		var b *Bundle
		require.ErrorIs(t, b.validate(), ErrMissingSlot)
	})

	t.Run("nil spec", func(t *testing.T) {
		require.ErrorIs(t, (&Bundle{}).validate(), ErrMissingSlot)
	})

	t.Run("missing programs and map", func(t *testing.T) {
		spec := testSpec(t)
		delete(spec.Programs, "fexit_void4")
		delete(spec.Programs, slotKexit)
		delete(spec.Maps, slotIPToID)

		err := (&Bundle{Spec: spec}).validate()
		require.ErrorIs(t, err, ErrMissingSlot)
		assert.Contains(t, err.Error(), "program fexit_void4")
		assert.Contains(t, err.Error(), "program kexit")
		assert.Contains(t, err.Error(), "map ip_to_id")
	})

	t.Run("missing ready flag", func(t *testing.T) {
		spec := testSpec(t)
		delete(spec.Variables, varReady)

		err := (&Bundle{Spec: spec}).validate()
		require.ErrorIs(t, err, ErrMissingSlot)
		assert.Contains(t, err.Error(), "variable ready")
	})

	t.Run("read-only ready flag", func(t *testing.T) {
		spec := testSpec(t)
		spec.Variables[varReady] = spec.Variables[varKretIPOff]

		err := (&Bundle{Spec: spec}).validate()
		require.ErrorIs(t, err, ErrMissingSlot)
		assert.Contains(t, err.Error(), "writable variable ready")
	})

	t.Run("constants are optional", func(t *testing.T) {
		spec := testSpec(t)
		delete(spec.Variables, varKretIPOff)
		require.NoError(t, (&Bundle{Spec: spec}).validate())
	})
}

func TestLoadBundle(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		_, err := LoadBundle("  ", "")
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadBundle(filepath.Join(t.TempDir(), "missing.bpf.o"), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing.bpf.o")
	})

	t.Run("object without slots", func(t *testing.T) {
		_, err := LoadBundle(filepath.Join("testdata", "variables.elf"), "")
		require.ErrorIs(t, err, ErrMissingSlot)
		assert.Contains(t, err.Error(), "program kentry")
	})
}

func TestSetConst(t *testing.T) {
	spec := testSpec(t)
	ok, err := setConst(spec, varKretIPOff, int32(-8))
	require.NoError(t, err)
	assert.True(t, ok)

	var got int32
	require.NoError(t, spec.Variables[varKretIPOff].Get(&got))
	assert.Equal(t, int32(-8), got)

	_, err = setConst(spec, varKretIPOff, true)
	require.Error(t, err, "size mismatch must be reported")
}

func TestSetConstAbsent(t *testing.T) {
	spec := testSpec(t)
	ok, err := setConst(spec, varCookie, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadContext(t *testing.T) {
	funcs := []*FunctionRecord{
		{Candidate: Candidate{Name: "a"}, ID: 0},
		{Candidate: Candidate{Name: "b"}, ID: 1},
	}
	lc := &LoadContext{Strategy: StrategySingleProbe, funcs: funcs}

	assert.Equal(t, 2, lc.FuncCount())
	assert.Equal(t, "b", lc.Func(1).Name)
	assert.Nil(t, lc.Func(2))
	assert.Nil(t, lc.Func(-1))
}
