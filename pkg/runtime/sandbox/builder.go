// Package sandbox builds the execution context a provider plugin runs in.
//
// A context starts with nothing: no arguments, no environment, no standard
// streams, no filesystem and no network. Each declared capability and mount
// adds exactly one grant. A grant the runtime cannot enforce as declared is
// an error, never a silent widening or narrowing.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
	"github.com/tetratelabs/wazero"
)

// Builder accumulates grants for one module.
type Builder struct {
	name   string
	opts   options
	caps   capabilities.Set
	mounts []capabilities.Mount
}

// NewBuilder starts a deny-by-default context for the named module.
func NewBuilder(name string, opts ...Option) *Builder {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "sandbox", "module", name)
	return &Builder{name: name, opts: o}
}

// Enable grants a capability. Enabling a capability twice is a no-op.
func (b *Builder) Enable(c capabilities.Capability) error {
	switch c {
	case capabilities.InheritArgs,
		capabilities.InheritEnv,
		capabilities.InheritStdin,
		capabilities.InheritStdio,
		capabilities.InheritStdout,
		capabilities.InheritNetwork,
		capabilities.AllowIpNameLookup:
		b.caps.Add(c)
		return nil
	default:
		return &SandboxInitError{
			Code:    ErrUnknownCapability,
			Module:  b.name,
			Message: fmt.Sprintf("capability %d has no sandbox mapping", uint8(c)),
		}
	}
}

// Mount adds a filesystem mount after checking it can be enforced.
func (b *Builder) Mount(m capabilities.Mount) error {
	if _, err := mountMode(m); err != nil {
		return b.mountError(ErrUnenforceableMount, m, err.Error(), nil)
	}
	b.mounts = append(b.mounts, m)
	return nil
}

// Build validates mount host paths against the host and assembles the
// context.
func (b *Builder) Build() (*Context, error) {
	cfg := wazero.NewModuleConfig().WithName(b.name)

	var args, environ []string
	if b.caps.Has(capabilities.InheritArgs) {
		args = append([]string(nil), b.opts.args...)
		cfg = cfg.WithArgs(args...)
	}
	if b.caps.Has(capabilities.InheritEnv) {
		for _, kv := range b.opts.environ {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" || strings.ContainsRune(kv, 0) {
				continue
			}
			cfg = cfg.WithEnv(k, v)
			environ = append(environ, kv)
		}
	}
	if b.caps.Has(capabilities.InheritStdin) || b.caps.Has(capabilities.InheritStdio) {
		cfg = cfg.WithStdin(b.opts.stdin)
	}
	if b.caps.Has(capabilities.InheritStdout) || b.caps.Has(capabilities.InheritStdio) {
		cfg = cfg.WithStdout(b.opts.stdout)
	}
	if b.caps.Has(capabilities.InheritStdio) {
		cfg = cfg.WithStderr(b.opts.stderr)
	}

	var mounted []capabilities.Mount
	fsCfg := wazero.NewFSConfig()
	for _, m := range b.mounts {
		mode, err := mountMode(m)
		if err != nil {
			return nil, b.mountError(ErrUnenforceableMount, m, err.Error(), nil)
		}
		if mode == modeNone {
			b.opts.logger.Debug("mount grants nothing, skipping", "mount", m.String())
			continue
		}
		abs, resolved, err := resolveHostPath(m.HostPath)
		if err != nil {
			return nil, b.mountError(ErrMountHostPath, m, "host path cannot be resolved", err)
		}
		if b.opts.policy != nil {
			// Both the lexical and the symlink-free path must be allowed.
			paths := []string{abs}
			if resolved != abs {
				paths = append(paths, resolved)
			}
			for _, p := range paths {
				if r := b.opts.policy.CheckMount(p, mode == modeReadWrite); !r.Allowed {
					return nil, b.mountError(ErrMountDenied, m, r.Reason, nil)
				}
			}
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, b.mountError(ErrMountHostPath, m, "host path is not accessible", err)
		}
		if !info.IsDir() {
			return nil, b.mountError(ErrMountHostPath, m, "host path is not a directory", nil)
		}
		if mode == modeReadOnly {
			fsCfg = fsCfg.WithReadOnlyDirMount(resolved, m.GuestPath)
		} else {
			fsCfg = fsCfg.WithDirMount(resolved, m.GuestPath)
		}
		m.HostPath = resolved
		mounted = append(mounted, m)
	}
	if len(mounted) > 0 {
		cfg = cfg.WithFSConfig(fsCfg)
	}

	b.opts.logger.Debug("sandbox context built",
		"capabilities", b.caps.String(),
		"mounts", len(mounted),
	)
	return &Context{
		name:    b.name,
		caps:    b.caps,
		mounts:  mounted,
		args:    args,
		environ: environ,
		config:  cfg,
		opts:    b.opts,
	}, nil
}

// resolveHostPath returns the absolute form of hostPath and, when it exists,
// the path with every symlink resolved. A missing path resolves to itself so
// the caller reports it as inaccessible.
func resolveHostPath(hostPath string) (abs, resolved string, err error) {
	abs, err = filepath.Abs(hostPath)
	if err != nil {
		return "", "", err
	}
	resolved, err = filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return abs, abs, nil
	}
	if err != nil {
		return "", "", err
	}
	return abs, resolved, nil
}

func (b *Builder) mountError(code string, m capabilities.Mount, msg string, err error) error {
	return &SandboxInitError{
		Code:    code,
		Module:  b.name,
		Message: fmt.Sprintf("mount %s: %s", m.String(), msg),
		Err:     err,
	}
}

// FromDescriptor builds the context granting exactly what desc declares.
func FromDescriptor(desc *manifest.ModuleDescriptor, opts ...Option) (*Context, error) {
	b := NewBuilder(desc.Name(), opts...)
	for _, c := range desc.Capabilities().List() {
		if err := b.Enable(c); err != nil {
			return nil, err
		}
	}
	for _, m := range desc.Mounts() {
		if err := b.Mount(m); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

type mode int

const (
	modeNone mode = iota
	modeReadOnly
	modeReadWrite
)

// mountMode maps permission bits onto what a WASI directory mount can
// enforce: nothing, a read-only tree, or a fully writable tree.
func mountMode(m capabilities.Mount) (mode, error) {
	fr, fw := m.FilePerms.Read, m.FilePerms.Write
	dr, dm := m.DirPerms.Read, m.DirPerms.Mutate
	switch {
	case !fr && !fw && !dr && !dm:
		return modeNone, nil
	case fr && dr && !fw && !dm:
		return modeReadOnly, nil
	case fr && fw && dr && dm:
		return modeReadWrite, nil
	default:
		return modeNone, fmt.Errorf("permissions file(%s) dir(%s) cannot be enforced; grant read-only (file read, dir read) or full access", m.FilePerms, m.DirPerms)
	}
}
