package kattach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobRule(t *testing.T) {
	tests := []struct {
		name    string
		glob    string
		modGlob string
		wantErr bool
	}{
		{"plain", "tcp_sendmsg", "", false},
		{"wildcard", "tcp_*", "", false},
		{"with module", "*_sync_fs", "ext?", false},
		{"char class", "vfs_[rw]*", "", false},
		{"empty", "", "", true},
		{"recursive", "**", "", true},
		{"recursive module", "tcp_*", "**", true},
		{"malformed", "tcp_[", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewGlobRule(tt.glob, tt.modGlob)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidGlob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.glob, r.Glob)
			assert.Equal(t, tt.modGlob, r.ModGlob)
		})
	}
}

func TestGlobRuleMatch(t *testing.T) {
	tests := []struct {
		glob, modGlob string
		name, module  string
		want          bool
	}{
		{"*_sys_select", "", "__x64_sys_select", "", true},
		{"*_sys_select", "", "__x64_sys_pselect6", "", false},
		{"tcp_*", "", "tcp_sendmsg", "", true},
		{"tcp_*", "", "udp_sendmsg", "", false},
		{"TCP_*", "", "tcp_sendmsg", "", false},
		{"tcp_*", "", "tcp_sendmsg", "ipv6", true},
		{"*", "ext4", "ext4_sync_fs", "ext4", true},
		{"*", "ext4", "xfs_sync_fs", "xfs", false},
		{"*", "ext4", "ext4_sync_fs", "", false},
		{"rcu_read_lock*", "", "rcu_read_lock_held", "", true},
		{"?cp_close", "", "tcp_close", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.glob+"/"+tt.name, func(t *testing.T) {
			r, err := NewGlobRule(tt.glob, tt.modGlob)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Match(tt.name, tt.module))
		})
	}
}

func TestRuleSetFirstMatchCounts(t *testing.T) {
	var rs ruleSet
	require.NoError(t, rs.add("tcp_*", ""))
	require.NoError(t, rs.add("tcp_send*", ""))

	r := rs.match("tcp_sendmsg", "")
	require.NotNil(t, r)
	assert.Equal(t, "tcp_*", r.Glob)
	assert.Nil(t, rs.match("udp_sendmsg", ""))

	snap := rs.snapshot()
	assert.Equal(t, 1, snap[0].Matches)
	assert.Equal(t, 0, snap[1].Matches)

	// Snapshots are copies.
	snap[0].Matches = 42
	assert.Equal(t, 1, rs[0].Matches)
}

func TestDenyListsCompile(t *testing.T) {
	for _, g := range append(append([]string{}, enforcedDenyGlobs...), sleepableDenyGlobs...) {
		_, err := NewGlobRule(g, "")
		assert.NoError(t, err, g)
	}
}
