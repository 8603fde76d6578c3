// Package loader runs the plugin load pipeline: evaluate the module
// declaration, admit it, resolve its artifact, build its sandbox context and
// instantiate it. Every stage fails fast and nothing partial is returned.
package loader

import (
	"context"
	"log/slog"
	"os"

	"github.com/skyforge-dev/skyforge/pkg/abi"
	"github.com/skyforge-dev/skyforge/pkg/governance"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
	"github.com/skyforge-dev/skyforge/pkg/moduledecl"
	"github.com/skyforge-dev/skyforge/pkg/observability"
	"github.com/skyforge-dev/skyforge/pkg/registry"
	"github.com/skyforge-dev/skyforge/pkg/runtime/plugin"
	"github.com/skyforge-dev/skyforge/pkg/runtime/sandbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Loader loads provider plugins declared in module directories.
type Loader struct {
	configRoot  string
	schema      *abi.Schema
	evaluator   *moduledecl.Evaluator
	resolver    *registry.Resolver
	policy      *governance.PolicyEvaluator
	sandboxOpts []sandbox.Option
	telemetry   *observability.Provider
	logger      *slog.Logger
	concurrency int
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithPolicy sets the admission policy. Without one every module is admitted.
func WithPolicy(p *governance.PolicyEvaluator) Option {
	return func(ld *Loader) { ld.policy = p }
}

// WithSandboxOptions passes options to every sandbox context built.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(ld *Loader) { ld.sandboxOpts = append(ld.sandboxOpts, opts...) }
}

// WithTelemetry sets the tracing and metrics provider.
func WithTelemetry(p *observability.Provider) Option {
	return func(ld *Loader) { ld.telemetry = p }
}

// WithConcurrency bounds LoadAll. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(ld *Loader) { ld.concurrency = max(n, 1) }
}

// New creates a loader resolving artifacts under configRoot. The schema is
// required.
func New(configRoot string, schema *abi.Schema, opts ...Option) (*Loader, error) {
	if schema == nil {
		return nil, abi.ErrSchemaNotSet
	}
	ld := &Loader{
		configRoot:  configRoot,
		schema:      schema,
		resolver:    registry.NewResolver(configRoot),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(ld)
	}
	if ld.logger == nil {
		ld.logger = slog.Default()
	}
	ld.logger = ld.logger.With("component", "loader")
	ld.evaluator = moduledecl.NewEvaluator(ld.logger)
	if ld.telemetry == nil {
		p, err := observability.NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
		if err != nil {
			return nil, err
		}
		ld.telemetry = p
	}
	return ld, nil
}

// Resolver returns the artifact resolver.
func (ld *Loader) Resolver() *registry.Resolver { return ld.resolver }

// Schema returns the interface schema.
func (ld *Loader) Schema() *abi.Schema { return ld.schema }

// LoadDescriptor evaluates and admits the declaration in moduleDir.
func (ld *Loader) LoadDescriptor(ctx context.Context, moduleDir string) (*manifest.ModuleDescriptor, error) {
	desc, _, err := ld.declare(ctx, moduleDir)
	return desc, err
}

// Load runs the full pipeline for moduleDir and returns the running plugin.
func (ld *Loader) Load(ctx context.Context, moduleDir string) (*plugin.Handle, error) {
	h, _, err := ld.load(ctx, moduleDir)
	return h, err
}

// Init loads the plugin for moduleDir and hands it the declaration source.
// The handle is closed if the plugin rejects its configuration.
func (ld *Loader) Init(ctx context.Context, moduleDir string) (*plugin.Handle, error) {
	h, src, err := ld.load(ctx, moduleDir)
	if err != nil {
		return nil, err
	}

	err = ld.stage(ctx, h.Name(), StageConfigure, func(ctx context.Context) error {
		_, err := h.DeserializeConfig(ctx, []byte(src))
		return err
	})
	if err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Report is the outcome of Check.
type Report struct {
	Descriptor     *manifest.ModuleDescriptor
	Artifact       registry.Artifact
	Digest         string // descriptor digest
	ArtifactDigest string
}

// Check runs every stage short of instantiation: the artifact is compiled
// and its interface verified, and the sandbox context is built and dropped.
func (ld *Loader) Check(ctx context.Context, moduleDir string) (*Report, error) {
	ctx, done := ld.telemetry.TrackOperation(ctx, "skyforge.check", attribute.String("module.dir", moduleDir))
	rep, err := ld.check(ctx, moduleDir)
	done(err)
	return rep, err
}

func (ld *Loader) check(ctx context.Context, moduleDir string) (*Report, error) {
	desc, _, err := ld.declare(ctx, moduleDir)
	if err != nil {
		return nil, err
	}
	art, err := ld.resolve(ctx, desc)
	if err != nil {
		return nil, err
	}
	if _, err := ld.buildContext(ctx, desc); err != nil {
		return nil, err
	}
	err = ld.stage(ctx, desc.Name(), StageVerify, func(ctx context.Context) error {
		return plugin.Verify(ctx, art, ld.schema)
	})
	if err != nil {
		return nil, err
	}
	digest, err := desc.Digest()
	if err != nil {
		return nil, &LoadError{Module: desc.Name(), Stage: StageVerify, Err: err}
	}
	artDigest, err := art.Digest()
	if err != nil {
		return nil, &LoadError{Module: desc.Name(), Stage: StageVerify, Err: err}
	}
	return &Report{Descriptor: desc, Artifact: *art, Digest: digest, ArtifactDigest: artDigest}, nil
}

// LoadAll loads independent modules concurrently. On any failure every
// handle already loaded is closed and the first error is returned.
func (ld *Loader) LoadAll(ctx context.Context, moduleDirs []string) ([]*plugin.Handle, error) {
	handles := make([]*plugin.Handle, len(moduleDirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ld.concurrency)
	for i, dir := range moduleDirs {
		i, dir := i, dir
		g.Go(func() error {
			h, err := ld.Load(gctx, dir)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				_ = h.Close(ctx)
			}
		}
		return nil, err
	}
	return handles, nil
}

func (ld *Loader) load(ctx context.Context, moduleDir string) (*plugin.Handle, string, error) {
	ctx, done := ld.telemetry.TrackOperation(ctx, "skyforge.load", attribute.String("module.dir", moduleDir))
	h, src, err := ld.loadStages(ctx, moduleDir)
	done(err)
	if err != nil {
		ld.logger.ErrorContext(ctx, "plugin load failed", "dir", moduleDir, "error", err)
		return nil, "", err
	}
	ld.logger.InfoContext(ctx, "plugin loaded",
		"module", h.Name(),
		"artifact", h.Artifact().Path,
		"digest", h.Digest(),
		"handle", h.ID(),
	)
	return h, src, nil
}

func (ld *Loader) loadStages(ctx context.Context, moduleDir string) (*plugin.Handle, string, error) {
	desc, src, err := ld.declare(ctx, moduleDir)
	if err != nil {
		return nil, "", err
	}
	art, err := ld.resolve(ctx, desc)
	if err != nil {
		return nil, "", err
	}
	sctx, err := ld.buildContext(ctx, desc)
	if err != nil {
		return nil, "", err
	}

	var h *plugin.Handle
	err = ld.stage(ctx, desc.Name(), StageInstantiate, func(ctx context.Context) error {
		var err error
		h, err = plugin.Instantiate(ctx, art, sctx, ld.schema, plugin.Options{Logger: ld.logger})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return h, src, nil
}

func (ld *Loader) declare(ctx context.Context, moduleDir string) (*manifest.ModuleDescriptor, string, error) {
	var (
		desc *manifest.ModuleDescriptor
		src  string
	)
	err := ld.stage(ctx, moduleDir, StageEvaluate, func(ctx context.Context) error {
		var err error
		if src, err = readDeclaration(ctx, moduleDir); err != nil {
			return err
		}
		desc, err = ld.evaluator.Evaluate(src)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	if ld.policy != nil {
		err = ld.stage(ctx, desc.Name(), StageAdmit, func(ctx context.Context) error {
			return ld.policy.Admit(ctx, desc)
		})
		if err != nil {
			return nil, "", err
		}
	}
	return desc, src, nil
}

func (ld *Loader) resolve(ctx context.Context, desc *manifest.ModuleDescriptor) (*registry.Artifact, error) {
	var art *registry.Artifact
	err := ld.stage(ctx, desc.Name(), StageResolve, func(ctx context.Context) error {
		var err error
		art, err = ld.resolver.Resolve(ctx, desc)
		return err
	})
	return art, err
}

func (ld *Loader) buildContext(ctx context.Context, desc *manifest.ModuleDescriptor) (*sandbox.Context, error) {
	var sctx *sandbox.Context
	err := ld.stage(ctx, desc.Name(), StageSandbox, func(context.Context) error {
		opts := append([]sandbox.Option{sandbox.WithLogger(ld.logger)}, ld.sandboxOpts...)
		var err error
		sctx, err = sandbox.FromDescriptor(desc, opts...)
		return err
	})
	return sctx, err
}

// readDeclaration reads every declaration in a module directory, or the
// single file when path names one.
func readDeclaration(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Mode().IsRegular() {
		return moduledecl.ReadFile(path)
	}
	return moduledecl.ReadSources(ctx, path)
}

// stage runs fn in its own span and wraps any failure in a LoadError.
func (ld *Loader) stage(ctx context.Context, module, name string, fn func(context.Context) error) error {
	ctx, done := ld.telemetry.TrackOperation(ctx, "skyforge.load."+name,
		attribute.String("module", module),
		attribute.String("stage", name),
	)
	err := fn(ctx)
	if err != nil {
		err = &LoadError{Module: module, Stage: name, Err: err}
	}
	done(err)
	return err
}
