// Package plugin instantiates provider plugins inside their sandbox context.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skyforge-dev/skyforge/pkg/abi"
	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/registry"
	"github.com/skyforge-dev/skyforge/pkg/runtime/budget"
	"github.com/skyforge-dev/skyforge/pkg/runtime/sandbox"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Options tune instantiation.
type Options struct {
	Logger *slog.Logger
	// StartFunctions run after instantiation when exported. Defaults to
	// _initialize, the reactor entry of WASI modules.
	StartFunctions []string
}

// Handle is a running plugin. It owns its runtime and instance, and is the
// only handle its sandbox context will ever back.
type Handle struct {
	id       uuid.UUID
	artifact registry.Artifact
	digest   string
	sctx     *sandbox.Context
	runtime  wazero.Runtime
	module   api.Module
	limits   budget.Limits
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Instantiate loads art into a fresh runtime configured from sctx, checks its
// exports against schema and instantiates it. Nothing is retained on error.
func Instantiate(ctx context.Context, art *registry.Artifact, sctx *sandbox.Context, schema *abi.Schema, opts Options) (*Handle, error) {
	if schema == nil {
		return nil, abi.ErrSchemaNotSet
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := opts.StartFunctions
	if start == nil {
		start = []string{"_initialize"}
	}

	if err := sctx.Claim(); err != nil {
		return nil, err
	}

	h, err := instantiate(ctx, art, sctx, schema, start)
	if err != nil {
		sctx.Release()
		return nil, err
	}
	sctx.Consume()
	h.logger = logger.With("component", "plugin", "module", sctx.Name(), "handle", h.id.String())
	h.logger.Info("plugin instantiated",
		"artifact", art.Path,
		"digest", h.digest,
		"capabilities", sctx.Grants().String(),
		"mounts", len(sctx.Mounts()),
	)
	return h, nil
}

func instantiate(ctx context.Context, art *registry.Artifact, sctx *sandbox.Context, schema *abi.Schema, start []string) (*Handle, error) {
	bin, err := os.ReadFile(art.Path)
	if err != nil {
		return nil, &ArtifactLoadError{Path: art.Path, Stage: StageRead, Err: err}
	}

	limits := sctx.Limits()
	r := wazero.NewRuntimeWithConfig(ctx, limits.RuntimeConfig())
	ok := false
	defer func() {
		if !ok {
			_ = r.Close(ctx)
		}
	}()

	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		return nil, &ArtifactLoadError{Path: art.Path, Stage: StageCompile, Err: err}
	}
	if err := abi.ValidateModule(schema, compiled); err != nil {
		return nil, err
	}
	if err := sctx.Link(ctx, r); err != nil {
		return nil, err
	}

	// Start functions run guest code and are held to the call time limit.
	startCtx, cancel := limits.WithCallDeadline(ctx)
	defer cancel()
	begin := time.Now()
	mod, err := r.InstantiateModule(startCtx, compiled, sctx.ModuleConfig().WithStartFunctions(start...))
	if err != nil {
		return nil, &ArtifactLoadError{Path: art.Path, Stage: StageInstantiate, Err: budget.Classify(limits, time.Since(begin), err)}
	}
	if mod.ExportedFunction(abi.EntrypointExport) == nil {
		return nil, &MissingEntrypointError{Module: sctx.Name(), Export: abi.EntrypointExport}
	}

	ok = true
	return &Handle{
		id:       uuid.New(),
		artifact: *art,
		digest:   registry.Digest(bin),
		sctx:     sctx,
		runtime:  r,
		module:   mod,
		limits:   limits,
	}, nil
}

// Verify compiles art and checks it against schema without instantiating it.
func Verify(ctx context.Context, art *registry.Artifact, schema *abi.Schema) error {
	if schema == nil {
		return abi.ErrSchemaNotSet
	}
	bin, err := os.ReadFile(art.Path)
	if err != nil {
		return &ArtifactLoadError{Path: art.Path, Stage: StageRead, Err: err}
	}
	r := wazero.NewRuntime(ctx)
	defer func() { _ = r.Close(ctx) }()

	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		return &ArtifactLoadError{Path: art.Path, Stage: StageCompile, Err: err}
	}
	return abi.ValidateModule(schema, compiled)
}

// Digest is the content digest of the binary that was instantiated.
func (h *Handle) Digest() string { return h.digest }

// ID identifies this handle in logs and traces.
func (h *Handle) ID() string { return h.id.String() }

// Name returns the module name.
func (h *Handle) Name() string { return h.sctx.Name() }

// Artifact returns the artifact the handle was loaded from.
func (h *Handle) Artifact() registry.Artifact { return h.artifact }

// Grants returns the capabilities granted to the plugin.
func (h *Handle) Grants() capabilities.Set { return h.sctx.Grants() }

// Memory returns the guest's exported memory, or nil.
func (h *Handle) Memory() api.Memory { return h.module.Memory() }

// Call invokes an exported guest function under the call time limit.
func (h *Handle) Call(ctx context.Context, fn string, params ...uint64) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.call(ctx, fn, params...)
}

// call must be called with mu held.
func (h *Handle) call(ctx context.Context, fn string, params ...uint64) ([]uint64, error) {
	if h.closed {
		return nil, ErrHandleClosed
	}
	f := h.module.ExportedFunction(fn)
	if f == nil {
		return nil, &abi.MissingExportError{Function: fn}
	}

	callCtx, cancel := h.limits.WithCallDeadline(ctx)
	defer cancel()
	begin := time.Now()
	res, err := f.Call(callCtx, params...)
	elapsed := time.Since(begin)
	if err != nil {
		err = budget.Classify(h.limits, elapsed, err)
		h.logger.Error("plugin call failed", "function", fn, "error", err)
		return nil, fmt.Errorf("call %s.%s: %w", h.Name(), fn, err)
	}
	// Host functions are not interrupted by the deadline, so a call can
	// return normally after overrunning it.
	if err := h.checkUsage(elapsed); err != nil {
		h.logger.Error("plugin call over budget", "function", fn, "error", err)
		return nil, fmt.Errorf("call %s.%s: %w", h.Name(), fn, err)
	}
	return res, nil
}

func (h *Handle) checkUsage(elapsed time.Duration) error {
	if err := budget.CheckTime(h.limits, elapsed); err != nil {
		return err
	}
	if mem := h.module.Memory(); mem != nil {
		return budget.CheckMemory(h.limits, int64(mem.Size()))
	}
	return nil
}

// DeserializeConfig copies src into guest memory through the guest allocator
// and passes it to the configuration entrypoint. A non-zero status is
// returned along with a ConfigRejectedError.
func (h *Handle) DeserializeConfig(ctx context.Context, src []byte) (int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.call(ctx, abi.AllocExport, uint64(len(src)))
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%s returned %d values", abi.AllocExport, len(res))
	}
	ptr := api.DecodeU32(res[0])

	mem := h.module.Memory()
	if mem == nil {
		return 0, fmt.Errorf("plugin %s exports no memory", h.Name())
	}
	if !mem.Write(ptr, src) {
		return 0, fmt.Errorf("plugin %s: buffer [%d, %d) is outside guest memory", h.Name(), ptr, uint64(ptr)+uint64(len(src)))
	}

	res, err = h.call(ctx, abi.EntrypointExport, uint64(ptr), uint64(len(src)))
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%s returned %d values", abi.EntrypointExport, len(res))
	}
	status := api.DecodeI32(res[0])
	if status != 0 {
		return status, &ConfigRejectedError{Module: h.Name(), Status: status}
	}
	h.logger.Debug("configuration delivered", "bytes", len(src))
	return 0, nil
}

// Close releases the instance and its runtime. The sandbox context stays
// consumed; a new handle needs a freshly built context. Closing twice is a
// no-op.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.runtime.Close(ctx)
	h.logger.Debug("plugin closed")
	return err
}
