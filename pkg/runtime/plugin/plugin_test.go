package plugin

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyforge-dev/skyforge/pkg/abi"
	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/registry"
	"github.com/skyforge-dev/skyforge/pkg/runtime/budget"
	"github.com/skyforge-dev/skyforge/pkg/runtime/sandbox"
	"github.com/skyforge-dev/skyforge/pkg/runtime/wasmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bufferAt = 1024

// guest builds a plugin whose allocator always returns bufferAt and whose
// entrypoint returns status.
func guest(status int32) *wasmtest.Module {
	m := wasmtest.New().Memory(1, "memory")
	m.Func(abi.AllocExport, wasmtest.I32(1), wasmtest.I32(1), wasmtest.I32Const(bufferAt))
	m.Func(abi.EntrypointExport, wasmtest.I32(2), wasmtest.I32(1), wasmtest.I32Const(status))
	return m
}

func writeArtifact(t *testing.T, name string, bin []byte) *registry.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".wasm")
	require.NoError(t, os.WriteFile(path, bin, 0o644))
	return &registry.Artifact{Name: name, Path: path}
}

func newContext(t *testing.T, opts ...sandbox.Option) *sandbox.Context {
	t.Helper()
	b := sandbox.NewBuilder("aws-ec2", opts...)
	require.NoError(t, b.Enable(capabilities.InheritEnv))
	sctx, err := b.Build()
	require.NoError(t, err)
	return sctx
}

func TestInstantiate(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	sctx := newContext(t)

	h, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	assert.Equal(t, "aws-ec2", h.Name())
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, art.Path, h.Artifact().Path)
	assert.Equal(t, registry.Digest(guest(0).Bytes()), h.Digest())
	assert.True(t, h.Grants().Has(capabilities.InheritEnv))
	assert.False(t, h.Grants().Has(capabilities.InheritNetwork))
}

func TestInstantiate_ContextOwnedByOneHandle(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	sctx := newContext(t)

	h, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	require.NoError(t, err)

	_, err = Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	var ie *sandbox.SandboxInitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, sandbox.ErrContextInUse, ie.Code)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	// Closing the handle does not hand the context back.
	_, err = Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, sandbox.ErrContextConsumed, ie.Code)
	assert.True(t, sctx.Consumed())

	h2, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	require.NoError(t, h2.Close(ctx))
}

func TestInstantiate_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		sctx := newContext(t)
		art := &registry.Artifact{Name: "aws-ec2", Path: filepath.Join(t.TempDir(), "absent.wasm")}
		_, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
		var le *ArtifactLoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, StageRead, le.Stage)
		require.NoError(t, sctx.Claim(), "context released after failure")
	})

	t.Run("not wasm", func(t *testing.T) {
		art := writeArtifact(t, "aws-ec2", []byte("#!/bin/sh\necho hi\n"))
		_, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
		var le *ArtifactLoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, StageCompile, le.Stage)
	})

	t.Run("interface mismatch", func(t *testing.T) {
		m := wasmtest.New().Memory(1, "memory")
		m.Func(abi.AllocExport, wasmtest.I32(1), wasmtest.I32(1))
		m.Func(abi.EntrypointExport, wasmtest.I32(1), wasmtest.I32(1))
		art := writeArtifact(t, "aws-ec2", m.Bytes())

		_, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
		var pe *abi.ParameterTypeMismatchError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, abi.EntrypointExport, pe.Function)
	})

	t.Run("missing entrypoint", func(t *testing.T) {
		m := wasmtest.New().Memory(1, "memory")
		m.Func("run", wasmtest.I32(1), nil)
		art := writeArtifact(t, "aws-ec2", m.Bytes())
		schema, err := abi.ParseSchema([]byte(`{"functions":[{"name":"run","params":{"0":"usize"}}]}`))
		require.NoError(t, err)

		_, err = Instantiate(ctx, art, newContext(t), schema, Options{})
		var me *MissingEntrypointError
		require.ErrorAs(t, err, &me)
	})

	t.Run("ungranted import", func(t *testing.T) {
		m := wasmtest.New()
		m.ImportFunc(sandbox.NetModuleName, sandbox.LookupIPFunc, wasmtest.I32(4), wasmtest.I32(1))
		m.Memory(1, "memory")
		m.Func(abi.AllocExport, wasmtest.I32(1), wasmtest.I32(1))
		m.Func(abi.EntrypointExport, wasmtest.I32(2), wasmtest.I32(1))
		art := writeArtifact(t, "aws-ec2", m.Bytes())

		_, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
		var le *ArtifactLoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, StageInstantiate, le.Stage)
	})

	t.Run("trapping initializer", func(t *testing.T) {
		m := guest(0)
		m.Func("_initialize", nil, nil, wasmtest.Unreachable())
		art := writeArtifact(t, "aws-ec2", m.Bytes())

		_, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
		var le *ArtifactLoadError
		require.ErrorAs(t, err, &le)
	})

	t.Run("spinning initializer", func(t *testing.T) {
		m := guest(0)
		m.Func("_initialize", nil, nil, wasmtest.Spin())
		art := writeArtifact(t, "aws-ec2", m.Bytes())
		sctx := newContext(t, sandbox.WithLimits(budget.Limits{MemoryLimitBytes: 1 << 20, CallTimeLimitMs: 100}))

		begin := time.Now()
		_, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
		assert.Less(t, time.Since(begin), 5*time.Second)

		var le *ArtifactLoadError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, StageInstantiate, le.Stage)
		var be *budget.ComputeBudgetError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, budget.ErrComputeTimeExhausted, be.Code)
		require.NoError(t, sctx.Claim(), "context released after failure")
	})

	t.Run("nil schema", func(t *testing.T) {
		art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
		_, err := Instantiate(ctx, art, newContext(t), nil, Options{})
		require.ErrorIs(t, err, abi.ErrSchemaNotSet)
	})
}

func TestDeserializeConfig(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	h, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	src := []byte(`server(name = "web-1")`)
	status, err := h.DeserializeConfig(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)

	got, ok := h.Memory().Read(bufferAt, uint32(len(src)))
	require.True(t, ok)
	assert.Equal(t, src, got)
}

func TestDeserializeConfig_Rejected(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(3).Bytes())
	h, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	status, err := h.DeserializeConfig(ctx, []byte("x"))
	var re *ConfigRejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int32(3), status)
}

func TestDeserializeConfig_TooLarge(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	h, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	_, err = h.DeserializeConfig(ctx, make([]byte, budget.PageSize))
	require.Error(t, err)
}

func TestCall_TimeLimit(t *testing.T) {
	ctx := context.Background()
	m := guest(0)
	m.Func("spin", nil, nil, wasmtest.Spin())
	art := writeArtifact(t, "aws-ec2", m.Bytes())

	sctx := newContext(t, sandbox.WithLimits(budget.Limits{MemoryLimitBytes: 1 << 20, CallTimeLimitMs: 50}))
	h, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	_, err = h.Call(ctx, "spin")
	var be *budget.ComputeBudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, budget.ErrComputeTimeExhausted, be.Code)
}

// slowResolver answers after delay without watching the context.
type slowResolver struct{ delay time.Duration }

func (r slowResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	time.Sleep(r.delay)
	return []net.IPAddr{{IP: net.ParseIP("192.0.2.10")}}, nil
}

func TestCall_HostOverrunIsOverBudget(t *testing.T) {
	ctx := context.Background()
	m := wasmtest.New()
	lookup := m.ImportFunc(sandbox.NetModuleName, sandbox.LookupIPFunc, wasmtest.I32(4), wasmtest.I32(1))
	m.Memory(1, "memory").Data(64, []byte("api.test"))
	m.Func(abi.AllocExport, wasmtest.I32(1), wasmtest.I32(1), wasmtest.I32Const(bufferAt))
	m.Func(abi.EntrypointExport, wasmtest.I32(2), wasmtest.I32(1), wasmtest.I32Const(0))
	m.Func("lookup", nil, wasmtest.I32(1),
		wasmtest.I32Const(64), wasmtest.I32Const(8),
		wasmtest.I32Const(256), wasmtest.I32Const(64),
		wasmtest.Call(lookup))
	art := writeArtifact(t, "hetzner", m.Bytes())

	b := sandbox.NewBuilder("hetzner",
		sandbox.WithResolver(slowResolver{delay: 200 * time.Millisecond}),
		sandbox.WithLimits(budget.Limits{MemoryLimitBytes: 1 << 20, CallTimeLimitMs: 50}))
	require.NoError(t, b.Enable(capabilities.InheritNetwork))
	require.NoError(t, b.Enable(capabilities.AllowIpNameLookup))
	sctx, err := b.Build()
	require.NoError(t, err)

	h, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	_, err = h.Call(ctx, "lookup")
	var be *budget.ComputeBudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, budget.ErrComputeTimeExhausted, be.Code)
}

func TestCheckUsage(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	sctx := newContext(t, sandbox.WithLimits(budget.Limits{MemoryLimitBytes: 1 << 20, CallTimeLimitMs: 50}))
	h, err := Instantiate(ctx, art, sctx, abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	require.NoError(t, h.checkUsage(10*time.Millisecond))

	var be *budget.ComputeBudgetError
	require.ErrorAs(t, h.checkUsage(time.Second), &be)
	assert.Equal(t, budget.ErrComputeTimeExhausted, be.Code)
	assert.Equal(t, int64(1000), be.Consumed)
}

func TestCall_AfterClose(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	h, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	_, err = h.Call(ctx, abi.AllocExport, 1)
	require.ErrorIs(t, err, ErrHandleClosed)
}

func TestCall_MissingExport(t *testing.T) {
	ctx := context.Background()
	art := writeArtifact(t, "aws-ec2", guest(0).Bytes())
	h, err := Instantiate(ctx, art, newContext(t), abi.DefaultSchema(), Options{})
	require.NoError(t, err)
	defer func() { _ = h.Close(ctx) }()

	_, err = h.Call(ctx, "provision")
	var me *abi.MissingExportError
	require.ErrorAs(t, err, &me)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Verify(ctx, writeArtifact(t, "ok", guest(0).Bytes()), abi.DefaultSchema()))

	bad := wasmtest.New()
	bad.Func(abi.AllocExport, wasmtest.I32(1), wasmtest.I32(1))
	var me *abi.MissingExportError
	require.ErrorAs(t, Verify(ctx, writeArtifact(t, "bad", bad.Bytes()), abi.DefaultSchema()), &me)
}
