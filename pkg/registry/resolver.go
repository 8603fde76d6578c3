package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
)

// Resolver finds artifacts in a single plugin directory.
type Resolver struct {
	dir string
}

// NewResolver creates a resolver for <configRoot>/plugins.
func NewResolver(configRoot string) *Resolver {
	return &Resolver{dir: filepath.Join(configRoot, PluginDir)}
}

// Dir returns the directory searched by the resolver.
func (r *Resolver) Dir() string { return r.dir }

// Resolve returns the single artifact matching desc.
//
// Names match exactly. An artifact pinned to a version equal to the declared
// one is preferred over an unpinned artifact. Artifacts pinned to any other
// version never match.
func (r *Resolver) Resolve(ctx context.Context, desc *manifest.ModuleDescriptor) (*Artifact, error) {
	arts, err := r.scan(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PluginNotFoundError{Dir: r.dir, Name: desc.Name(), Version: desc.Version()}
		}
		return nil, err
	}

	var pinned, unpinned []Artifact
	for _, a := range arts {
		if a.Name != desc.Name() {
			continue
		}
		switch {
		case !a.Versioned():
			unpinned = append(unpinned, a)
		case versionsEqual(desc.Version(), a.Version):
			pinned = append(pinned, a)
		}
	}

	best := pinned
	if len(best) == 0 {
		best = unpinned
	}
	switch len(best) {
	case 0:
		return nil, &PluginNotFoundError{Dir: r.dir, Name: desc.Name(), Version: desc.Version()}
	case 1:
		a := best[0]
		return &a, nil
	default:
		paths := make([]string, len(best))
		for i, a := range best {
			paths[i] = a.Path
		}
		return nil, &AmbiguousPluginError{Name: desc.Name(), Version: desc.Version(), Candidates: paths}
	}
}

// List returns every artifact in the plugin directory, sorted by name and
// then by version. A missing directory yields an empty list.
func (r *Resolver) List(ctx context.Context) ([]Artifact, error) {
	arts, err := r.scan(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Artifact{}, nil
		}
		return nil, err
	}

	sort.SliceStable(arts, func(i, j int) bool {
		if arts[i].Name != arts[j].Name {
			return arts[i].Name < arts[j].Name
		}
		vi, errI := semver.NewVersion(arts[i].Version)
		vj, errJ := semver.NewVersion(arts[j].Version)
		if errI != nil || errJ != nil {
			return arts[i].Version < arts[j].Version
		}
		return vi.LessThan(vj)
	})
	return arts, nil
}

// scan lists plugin artifacts without descending into subdirectories.
func (r *Resolver) scan(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, version, ok := parseArtifactName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		regular, err := isRegular(entry, path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !regular {
			continue
		}
		out = append(out, Artifact{Name: name, Version: version, Path: path})
	}
	return out, nil
}

func isRegular(entry fs.DirEntry, path string) (bool, error) {
	if entry.Type()&fs.ModeSymlink == 0 {
		return entry.Type().IsRegular(), nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
