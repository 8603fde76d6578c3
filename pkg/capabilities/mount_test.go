package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMount_DefaultDeny(t *testing.T) {
	m, err := ParseMount("/srv/data", "/data", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, FilePerms{Read: false, Write: false}, m.FilePerms)
	assert.Equal(t, DirPerms{Read: false, Mutate: false}, m.DirPerms)
	assert.True(t, m.Inert())
}

func TestParseMount_TypedPerms(t *testing.T) {
	m, err := ParseMount("/srv/data", "/data", FilePerms{Read: true}, &DirPerms{Read: true, Mutate: true})
	require.NoError(t, err)
	assert.Equal(t, FilePerms{Read: true}, m.FilePerms)
	assert.Equal(t, DirPerms{Read: true, Mutate: true}, m.DirPerms)
	assert.False(t, m.Inert())
}

func TestParseMount_MapPerms(t *testing.T) {
	m, err := ParseMount("/srv", "/srv",
		map[string]any{"write": true},
		map[string]any{"read": true},
	)
	require.NoError(t, err)
	assert.Equal(t, FilePerms{Write: true}, m.FilePerms)
	assert.Equal(t, DirPerms{Read: true}, m.DirPerms)
}

func TestParseMount_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		host      string
		guest     string
		filePerms any
		dirPerms  any
		field     string
	}{
		{"empty host", "", "/data", nil, nil, "host_path"},
		{"empty guest", "/srv", "", nil, nil, "guest_path"},
		{"string file perms", "/srv", "/data", "rw", nil, "file_perms"},
		{"dir perms given as file perms", "/srv", "/data", DirPerms{Read: true}, nil, "file_perms"},
		{"unknown file key", "/srv", "/data", map[string]any{"mutate": true}, nil, "file_perms"},
		{"non-bool dir value", "/srv", "/data", nil, map[string]any{"read": "yes"}, "dir_perms"},
		{"list dir perms", "/srv", "/data", nil, []any{true}, "dir_perms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMount(tt.host, tt.guest, tt.filePerms, tt.dirPerms)
			var mountErr *MountError
			require.ErrorAs(t, err, &mountErr)
			assert.Equal(t, tt.field, mountErr.Field)
		})
	}
}
