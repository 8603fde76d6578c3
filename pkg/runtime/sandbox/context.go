package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/runtime/budget"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Context is a built execution context. It backs at most one plugin
// handle for its whole lifetime: once a handle has been instantiated from
// it, the context cannot be claimed again, even after the handle closes.
type Context struct {
	name    string
	caps    capabilities.Set
	mounts  []capabilities.Mount
	args    []string
	environ []string
	config  wazero.ModuleConfig
	opts    options
	claimed  atomic.Bool
	consumed atomic.Bool
}

// Name returns the module the context was built for.
func (c *Context) Name() string { return c.name }

// Grants returns the granted capabilities.
func (c *Context) Grants() capabilities.Set { return c.caps }

// Mounts returns the mounts applied to the guest filesystem. Mounts that
// grant nothing are not included.
func (c *Context) Mounts() []capabilities.Mount {
	return append([]capabilities.Mount(nil), c.mounts...)
}

// Args returns the arguments visible to the guest.
func (c *Context) Args() []string { return append([]string(nil), c.args...) }

// Environ returns the environment visible to the guest.
func (c *Context) Environ() []string { return append([]string(nil), c.environ...) }

// Limits returns the compute limits for runtimes hosting this context.
func (c *Context) Limits() budget.Limits { return c.opts.limits }

// ModuleConfig returns the guest module configuration.
func (c *Context) ModuleConfig() wazero.ModuleConfig { return c.config }

// NetworkLinked reports whether the network host module is provided. Only
// InheritNetwork links it; AllowIpNameLookup alone grants no network access.
func (c *Context) NetworkLinked() bool {
	return c.caps.Has(capabilities.InheritNetwork)
}

// Claim marks the context as owned. A second claim fails until Release, and
// every claim fails once the context has been consumed.
func (c *Context) Claim() error {
	if c.consumed.Load() {
		return &SandboxInitError{Code: ErrContextConsumed, Module: c.name, Message: "context already backed a plugin handle; build a new one"}
	}
	if !c.claimed.CompareAndSwap(false, true) {
		return &SandboxInitError{Code: ErrContextInUse, Module: c.name, Message: "context already owned by a plugin handle"}
	}
	return nil
}

// Release gives up a claim that did not produce a handle. It is a no-op
// after Consume.
func (c *Context) Release() {
	if !c.consumed.Load() {
		c.claimed.Store(false)
	}
}

// Consume permanently binds a claimed context to the handle built from it.
func (c *Context) Consume() { c.consumed.Store(true) }

// Consumed reports whether a handle has been built from the context.
func (c *Context) Consumed() bool { return c.consumed.Load() }

// Link instantiates the host modules the context grants into r: WASI
// always, and the network module only when network access is granted.
func (c *Context) Link(ctx context.Context, r wazero.Runtime) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return &SandboxInitError{Code: ErrHostModule, Module: c.name, Message: "instantiate WASI", Err: err}
	}
	if !c.NetworkLinked() {
		return nil
	}
	if err := c.newNetModule().instantiate(ctx, r); err != nil {
		return &SandboxInitError{Code: ErrHostModule, Module: c.name, Message: "instantiate " + NetModuleName, Err: err}
	}
	return nil
}
