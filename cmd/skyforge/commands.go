package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// runInitCmd loads one module's plugin and hands it its declaration.
//
// Exit codes:
//
//	0 = plugin accepted its configuration
//	1 = load or configuration failed
//	2 = usage error
func runInitCmd(ctx context.Context, env *environment, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: skyforge init <module>")
		return 2
	}

	h, err := env.loader.Init(ctx, args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = h.Close(ctx) }()

	_, _ = fmt.Fprintf(stdout, "initialized %s from %s (grants: %s)\n", h.Name(), h.Artifact().Path, h.Grants())
	return 0
}

// runValidateCmd checks every given module without instantiating anything.
func runValidateCmd(ctx context.Context, env *environment, args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: skyforge validate [--json] <module>...")
		return 2
	}

	type result struct {
		Module   string `json:"module"`
		Name     string `json:"name,omitempty"`
		Artifact string `json:"artifact,omitempty"`
		Digest   string `json:"digest,omitempty"`
		Binary   string `json:"artifact_digest,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	var (
		results []result
		failed  bool
	)
	for _, dir := range cmd.Args() {
		rep, err := env.loader.Check(ctx, dir)
		if err != nil {
			failed = true
			results = append(results, result{Module: dir, Error: err.Error()})
			continue
		}
		results = append(results, result{
			Module:   dir,
			Name:     rep.Descriptor.String(),
			Artifact: rep.Artifact.Path,
			Digest:   rep.Digest,
			Binary:   rep.ArtifactDigest,
		})
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		for _, r := range results {
			if r.Error != "" {
				_, _ = fmt.Fprintf(stdout, "FAIL %s: %s\n", r.Module, r.Error)
				continue
			}
			_, _ = fmt.Fprintf(stdout, "ok   %s %s %s %s\n", r.Name, r.Artifact, r.Binary, r.Digest)
		}
	}
	if failed {
		return 1
	}
	return 0
}

// runPluginsCmd lists the artifacts found in the plugin directory.
func runPluginsCmd(ctx context.Context, env *environment, args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("plugins", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	arts, err := env.loader.Resolver().List(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(arts)
		return 0
	}

	if len(arts) == 0 {
		_, _ = fmt.Fprintf(stdout, "no plugins in %s\n", env.loader.Resolver().Dir())
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tVERSION\tPATH")
	for _, a := range arts {
		version := a.Version
		if version == "" {
			version = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, version, a.Path)
	}
	_ = tw.Flush()
	return 0
}
