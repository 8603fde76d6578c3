package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"

	"github.com/skyforge-dev/skyforge/pkg/abi"
	"github.com/skyforge-dev/skyforge/pkg/config"
	"github.com/skyforge-dev/skyforge/pkg/governance"
	"github.com/skyforge-dev/skyforge/pkg/loader"
	"github.com/skyforge-dev/skyforge/pkg/observability"
	"github.com/skyforge-dev/skyforge/pkg/runtime/sandbox"
	"github.com/spf13/pflag"
)

// Version is set at build time.
var Version = "dev"

// schemaSlot holds the interface schema for the life of the process.
var schemaSlot abi.Slot

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 failure,
// 2 usage error.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("skyforge", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() { printUsage(stderr) }
	configPath := fs.String("config-path", "", "Config root holding plugins/ and host.yaml (default $SKYFORGE_CONFIG_PATH or ~/.skyforge)")
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	switch rest[0] {
	case "version":
		_, _ = fmt.Fprintf(stdout, "skyforge %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "init", "validate", "plugins":
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		printUsage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close(context.WithoutCancel(ctx))

	switch rest[0] {
	case "init":
		return runInitCmd(ctx, env, rest[1:], stdout, stderr)
	case "validate":
		return runValidateCmd(ctx, env, rest[1:], stdout, stderr)
	default:
		return runPluginsCmd(ctx, env, rest[1:], stdout, stderr)
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: skyforge [--config-path DIR] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  init <module>        Load a provider plugin and hand it its declaration")
	_, _ = fmt.Fprintln(w, "  validate <module>... Check declarations and plugin interfaces without running them")
	_, _ = fmt.Fprintln(w, "  plugins [--json]     List plugin artifacts in the config root")
	_, _ = fmt.Fprintln(w, "  version              Show version information")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "A module is a directory of *.star declarations or a single .star file.")
}

// environment is the state shared by every command.
type environment struct {
	cfg       *config.Config
	host      *config.HostConfig
	logger    *slog.Logger
	telemetry *observability.Provider
	loader    *loader.Loader
}

func setup(ctx context.Context, configPath string, stderr io.Writer) (*environment, error) {
	cfg := config.Load()
	if configPath != "" {
		cfg.ConfigPath = configPath
	}
	root, err := expandPath(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = root

	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	schema, err := loadSchema(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	if schema, err = bindSchema(&schemaSlot, schema, cfg.SchemaPath); err != nil {
		return nil, err
	}

	host, err := config.LoadHost(root)
	if err != nil {
		return nil, err
	}

	telCfg := observability.DefaultConfig()
	telCfg.ServiceVersion = Version
	telCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telCfg.Insecure = cfg.OTLPInsecure
	telCfg.Enabled = cfg.OTLPEndpoint != ""
	telemetry, err := observability.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}

	policy, err := governance.NewPolicyEvaluator(host.Admission, logger)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	ld, err := loader.New(root, schema,
		loader.WithLogger(logger),
		loader.WithPolicy(policy),
		loader.WithTelemetry(telemetry),
		loader.WithConcurrency(host.MaxConcurrentLoads),
		loader.WithSandboxOptions(
			sandbox.WithLimits(host.Limits),
			sandbox.WithPolicy(sandbox.NewPolicyEnforcer(&host.Sandbox)),
		),
	)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	return &environment{
		cfg:       cfg,
		host:      host,
		logger:    logger,
		telemetry: telemetry,
		loader:    ld,
	}, nil
}

func (e *environment) close(ctx context.Context) {
	_ = e.telemetry.Shutdown(ctx)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadSchema reads the interface schema at path, or returns the built-in one
// when path is empty.
func loadSchema(path string) (*abi.Schema, error) {
	if path == "" {
		return abi.DefaultSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interface schema: %w", err)
	}
	schema, err := abi.ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("interface schema %s: %w", path, err)
	}
	return schema, nil
}

// bindSchema stores schema in slot. Rebinding the same schema returns the
// stored one; a different schema is refused with ErrSchemaAlreadySet.
func bindSchema(slot *abi.Slot, schema *abi.Schema, path string) (*abi.Schema, error) {
	err := slot.Set(schema)
	if err == nil {
		return schema, nil
	}
	if !errors.Is(err, abi.ErrSchemaAlreadySet) {
		return nil, err
	}
	bound, gerr := slot.Get()
	if gerr != nil {
		return nil, gerr
	}
	if !reflect.DeepEqual(bound, schema) {
		if path == "" {
			path = "built-in schema"
		}
		return nil, fmt.Errorf("interface schema %s: %w with different functions", path, err)
	}
	return bound, nil
}

// expandPath resolves a leading ~ against the user's home directory.
func expandPath(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
