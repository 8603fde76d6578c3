package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
	"github.com/skyforge-dev/skyforge/pkg/runtime/wasmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const wasi = "wasi_snapshot_preview1"

// probeModule reports argc, envc, and writes "hi\n" to fd 1 from "hello".
func probeModule() []byte {
	iov := binary.LittleEndian.AppendUint32(nil, 64)
	iov = binary.LittleEndian.AppendUint32(iov, 3)

	m := wasmtest.New()
	argsSizes := m.ImportFunc(wasi, "args_sizes_get", wasmtest.I32(2), wasmtest.I32(1))
	envSizes := m.ImportFunc(wasi, "environ_sizes_get", wasmtest.I32(2), wasmtest.I32(1))
	fdWrite := m.ImportFunc(wasi, "fd_write", wasmtest.I32(4), wasmtest.I32(1))
	m.Memory(1, "memory").Data(48, iov).Data(64, []byte("hi\n"))

	m.Func("argc", nil, wasmtest.I32(1),
		wasmtest.I32Const(0), wasmtest.I32Const(4), wasmtest.Call(argsSizes), wasmtest.Drop(),
		wasmtest.I32Const(0), wasmtest.I32Load())
	m.Func("envc", nil, wasmtest.I32(1),
		wasmtest.I32Const(0), wasmtest.I32Const(4), wasmtest.Call(envSizes), wasmtest.Drop(),
		wasmtest.I32Const(0), wasmtest.I32Load())
	m.Func("hello", nil, wasmtest.I32(1),
		wasmtest.I32Const(1), wasmtest.I32Const(48), wasmtest.I32Const(1), wasmtest.I32Const(32), wasmtest.Call(fdWrite))
	return m.Bytes()
}

func instantiate(t *testing.T, sctx *Context, bin []byte) (api.Module, error) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, sctx.Limits().RuntimeConfig())
	t.Cleanup(func() { _ = r.Close(ctx) })
	require.NoError(t, sctx.Link(ctx, r))
	return r.InstantiateWithConfig(ctx, bin, sctx.ModuleConfig())
}

func call(t *testing.T, mod api.Module, fn string) int32 {
	t.Helper()
	res, err := mod.ExportedFunction(fn).Call(context.Background())
	require.NoError(t, err)
	return api.DecodeI32(res[0])
}

func testOptions(stdout *bytes.Buffer) []Option {
	return []Option{
		WithArgs([]string{"skyforge", "init", "."}),
		WithEnviron([]string{"HOME=/home/ops", "TOKEN=secret", "=C:", "BROKEN"}),
		WithStdio(bytes.NewReader(nil), stdout, &bytes.Buffer{}),
	}
}

func TestBuild_DenyByDefault(t *testing.T) {
	var stdout bytes.Buffer
	sctx, err := NewBuilder("bare", testOptions(&stdout)...).Build()
	require.NoError(t, err)

	assert.Equal(t, 0, sctx.Grants().Len())
	assert.Empty(t, sctx.Args())
	assert.Empty(t, sctx.Environ())
	assert.Empty(t, sctx.Mounts())
	assert.False(t, sctx.NetworkLinked())

	mod, err := instantiate(t, sctx, probeModule())
	require.NoError(t, err)
	assert.Equal(t, int32(0), call(t, mod, "argc"))
	assert.Equal(t, int32(0), call(t, mod, "envc"))
	call(t, mod, "hello")
	assert.Empty(t, stdout.String())
}

func TestBuild_GrantsExactlyDeclared(t *testing.T) {
	var stdout bytes.Buffer
	b := NewBuilder("aws-ec2", testOptions(&stdout)...)
	require.NoError(t, b.Enable(capabilities.InheritEnv))
	require.NoError(t, b.Enable(capabilities.InheritStdout))
	sctx, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"HOME=/home/ops", "TOKEN=secret"}, sctx.Environ())
	assert.Empty(t, sctx.Args())

	mod, err := instantiate(t, sctx, probeModule())
	require.NoError(t, err)
	assert.Equal(t, int32(0), call(t, mod, "argc"))
	assert.Equal(t, int32(2), call(t, mod, "envc"))
	assert.Equal(t, int32(0), call(t, mod, "hello"))
	assert.Equal(t, "hi\n", stdout.String())
}

func TestBuild_InheritArgs(t *testing.T) {
	var stdout bytes.Buffer
	b := NewBuilder("m", testOptions(&stdout)...)
	require.NoError(t, b.Enable(capabilities.InheritArgs))
	sctx, err := b.Build()
	require.NoError(t, err)

	mod, err := instantiate(t, sctx, probeModule())
	require.NoError(t, err)
	assert.Equal(t, int32(3), call(t, mod, "argc"))
}

func TestEnable_Idempotent(t *testing.T) {
	var out1, out2 bytes.Buffer
	once := NewBuilder("m", testOptions(&out1)...)
	require.NoError(t, once.Enable(capabilities.InheritEnv))

	twice := NewBuilder("m", testOptions(&out2)...)
	require.NoError(t, twice.Enable(capabilities.InheritEnv))
	require.NoError(t, twice.Enable(capabilities.InheritEnv))

	a, err := once.Build()
	require.NoError(t, err)
	b, err := twice.Build()
	require.NoError(t, err)
	assert.Equal(t, a.Grants(), b.Grants())
	assert.Equal(t, a.Environ(), b.Environ())
}

func TestEnable_Unknown(t *testing.T) {
	err := NewBuilder("m").Enable(capabilities.Capability(99))
	var ie *SandboxInitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ErrUnknownCapability, ie.Code)
}

func TestMount_Modes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name   string
		mount  capabilities.Mount
		code   string
		mounts int
	}{
		{name: "inert", mount: capabilities.Mount{HostPath: dir, GuestPath: "/data"}},
		{
			name:   "read only",
			mount:  capabilities.Mount{HostPath: dir, GuestPath: "/data", FilePerms: capabilities.FilePerms{Read: true}, DirPerms: capabilities.DirPerms{Read: true}},
			mounts: 1,
		},
		{
			name:   "read write",
			mount:  capabilities.Mount{HostPath: dir, GuestPath: "/data", FilePerms: capabilities.FilePerms{Read: true, Write: true}, DirPerms: capabilities.DirPerms{Read: true, Mutate: true}},
			mounts: 1,
		},
		{
			name:  "file write without dir mutate",
			mount: capabilities.Mount{HostPath: dir, GuestPath: "/data", FilePerms: capabilities.FilePerms{Read: true, Write: true}, DirPerms: capabilities.DirPerms{Read: true}},
			code:  ErrUnenforceableMount,
		},
		{
			name:  "file read only",
			mount: capabilities.Mount{HostPath: dir, GuestPath: "/data", FilePerms: capabilities.FilePerms{Read: true}},
			code:  ErrUnenforceableMount,
		},
		{
			name:  "missing host path",
			mount: capabilities.Mount{HostPath: filepath.Join(dir, "absent"), GuestPath: "/data", FilePerms: capabilities.FilePerms{Read: true}, DirPerms: capabilities.DirPerms{Read: true}},
			code:  ErrMountHostPath,
		},
		{
			name:  "host path is a file",
			mount: capabilities.Mount{HostPath: file, GuestPath: "/data", FilePerms: capabilities.FilePerms{Read: true}, DirPerms: capabilities.DirPerms{Read: true}},
			code:  ErrMountHostPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := manifest.New("m", "1", capabilities.NewSet(), []capabilities.Mount{tt.mount})
			require.NoError(t, err)

			sctx, err := FromDescriptor(desc)
			if tt.code != "" {
				var ie *SandboxInitError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, tt.code, ie.Code)
				assert.Nil(t, sctx)
				return
			}
			require.NoError(t, err)
			assert.Len(t, sctx.Mounts(), tt.mounts)
		})
	}
}

func TestMount_PolicyDenies(t *testing.T) {
	dir := t.TempDir()
	policy := NewPolicyEnforcer(&Policy{MountDenylist: []string{dir}})
	b := NewBuilder("m", WithPolicy(policy))
	require.NoError(t, b.Mount(capabilities.Mount{
		HostPath:  filepath.Join(dir, "sub"),
		GuestPath: "/sub",
		FilePerms: capabilities.FilePerms{Read: true},
		DirPerms:  capabilities.DirPerms{Read: true},
	}))

	_, err := b.Build()
	var ie *SandboxInitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ErrMountDenied, ie.Code)
	assert.Len(t, policy.Violations(), 1)
}

func readOnly(host string) capabilities.Mount {
	return capabilities.Mount{
		HostPath:  host,
		GuestPath: "/data",
		FilePerms: capabilities.FilePerms{Read: true},
		DirPerms:  capabilities.DirPerms{Read: true},
	}
}

func TestMount_RelativePathDenied(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir("/"))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, host := range []string{"proc", "./sys/../proc", "dev"} {
		t.Run(host, func(t *testing.T) {
			b := NewBuilder("m", WithPolicy(NewPolicyEnforcer(nil)))
			require.NoError(t, b.Mount(readOnly(host)))

			_, err := b.Build()
			var ie *SandboxInitError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, ErrMountDenied, ie.Code)
		})
	}
}

func TestMount_SymlinkToDeniedPath(t *testing.T) {
	denied := t.TempDir()
	link := filepath.Join(t.TempDir(), "innocent")
	require.NoError(t, os.Symlink(denied, link))

	policy := NewPolicyEnforcer(&Policy{MountDenylist: []string{denied}})
	b := NewBuilder("m", WithPolicy(policy))
	require.NoError(t, b.Mount(readOnly(link)))

	_, err := b.Build()
	var ie *SandboxInitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ErrMountDenied, ie.Code)
	assert.Len(t, policy.Violations(), 1)
}

func TestMount_SymlinkMountsResolvedPath(t *testing.T) {
	target := t.TempDir()
	link := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Symlink(target, link))

	b := NewBuilder("m", WithPolicy(NewPolicyEnforcer(&Policy{})))
	require.NoError(t, b.Mount(readOnly(link)))
	sctx, err := b.Build()
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	require.Len(t, sctx.Mounts(), 1)
	assert.Equal(t, want, sctx.Mounts()[0].HostPath)
}

func TestFromDescriptor(t *testing.T) {
	desc, err := manifest.New("aws-ec2", "1.0",
		capabilities.NewSet(capabilities.InheritEnv, capabilities.InheritStdio), nil)
	require.NoError(t, err)

	var stdout bytes.Buffer
	sctx, err := FromDescriptor(desc, testOptions(&stdout)...)
	require.NoError(t, err)
	assert.Equal(t, "aws-ec2", sctx.Name())
	assert.Equal(t, desc.Capabilities(), sctx.Grants())
	assert.False(t, sctx.Grants().Has(capabilities.InheritNetwork))
	assert.Len(t, sctx.Environ(), 2)
}

func TestClaim(t *testing.T) {
	sctx, err := NewBuilder("m").Build()
	require.NoError(t, err)

	require.NoError(t, sctx.Claim())
	var ie *SandboxInitError
	require.ErrorAs(t, sctx.Claim(), &ie)
	assert.Equal(t, ErrContextInUse, ie.Code)

	sctx.Release()
	require.NoError(t, sctx.Claim())
}

func TestConsume_ContextIsOneShot(t *testing.T) {
	sctx, err := NewBuilder("m").Build()
	require.NoError(t, err)

	require.NoError(t, sctx.Claim())
	sctx.Consume()
	assert.True(t, sctx.Consumed())

	sctx.Release()
	var ie *SandboxInitError
	require.ErrorAs(t, sctx.Claim(), &ie)
	assert.Equal(t, ErrContextConsumed, ie.Code)
}

type fakeResolver map[string][]net.IPAddr

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}
