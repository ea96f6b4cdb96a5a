package kattach

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kallsymsFixture = `ffffffff81000000 T _stext
ffffffff81001000 T tcp_sendmsg
ffffffff81001400 t tcp_close
ffffffff81001400 t tcp_close_alias
ffffffffc0a01000 t ext4_sync_fs	[ext4]
ffffffffc0a02000 t ext4_sync_fs	[ext4_dup]
0000000000000000 T hidden_by_kptr_restrict
garbage line
ffffffffc0b00000 T nfs_fsync	[nfs]
`

func TestParseKallsyms(t *testing.T) {
	ks, err := parseKallsyms(strings.NewReader(kallsymsFixture))
	require.NoError(t, err)

	tests := []struct {
		name string
		want Symbol
	}{
		{"tcp_sendmsg", Symbol{Name: "tcp_sendmsg", Addr: 0xffffffff81001000, Size: 0x400}},
		{"tcp_close", Symbol{Name: "tcp_close", Addr: 0xffffffff81001400, Size: 0xffffffffc0a01000 - 0xffffffff81001400}},
		{"ext4_sync_fs", Symbol{Name: "ext4_sync_fs", Module: "ext4", Addr: 0xffffffffc0a01000, Size: 0x1000}},
		{"nfs_fsync", Symbol{Name: "nfs_fsync", Module: "nfs", Addr: 0xffffffffc0b00000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ks.Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ks.Lookup("hidden_by_kptr_restrict")
	assert.False(t, ok)
	_, ok = ks.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, 6, ks.Len())
}

func TestParseKallsymsEmpty(t *testing.T) {
	ks, err := parseKallsyms(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, ks.Len())
}
