package sandbox

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/skyforge-dev/skyforge/pkg/runtime/budget"
)

// Resolver looks up host names for the network host module.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type options struct {
	args     []string
	environ  []string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	resolver Resolver
	policy   *PolicyEnforcer
	limits   budget.Limits
	logger   *slog.Logger
}

func defaultOptions() options {
	return options{
		args:     os.Args,
		environ:  os.Environ(),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		resolver: net.DefaultResolver,
		limits:   budget.Default(),
		logger:   slog.Default(),
	}
}

// Option customises what a context inherits from the host.
type Option func(*options)

// WithArgs replaces the host arguments passed on by InheritArgs.
func WithArgs(args []string) Option {
	return func(o *options) { o.args = args }
}

// WithEnviron replaces the host environment ("KEY=value" entries) passed on
// by InheritEnv.
func WithEnviron(environ []string) Option {
	return func(o *options) { o.environ = environ }
}

// WithStdio replaces the host standard streams. Nil leaves a stream unchanged.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *options) {
		if stdin != nil {
			o.stdin = stdin
		}
		if stdout != nil {
			o.stdout = stdout
		}
		if stderr != nil {
			o.stderr = stderr
		}
	}
}

// WithResolver replaces the resolver used for IP name lookups.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithPolicy applies host policy to mounts and network lookups.
func WithPolicy(p *PolicyEnforcer) Option {
	return func(o *options) { o.policy = p }
}

// WithLimits sets the compute limits of runtimes built for the context.
func WithLimits(l budget.Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
