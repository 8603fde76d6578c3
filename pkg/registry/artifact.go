// Package registry locates provider plugin artifacts under a host config root.
//
// Artifacts live flat in <config-root>/plugins. A file stem is either the
// bare module name (aws-ec2.wasm), a name pinned with '@' (aws-ec2@1.0.wasm)
// or a name followed by a strict semantic version (aws-ec2-1.0.0.wasm).
package registry

import (
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// PluginDir is the directory under the config root that holds artifacts.
const PluginDir = "plugins"

// ArtifactExt is the extension of a plugin artifact.
const ArtifactExt = ".wasm"

// Artifact is a plugin file found on disk.
type Artifact struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path"`
}

// Versioned reports whether the file name pins a version.
func (a Artifact) Versioned() bool { return a.Version != "" }

func (a Artifact) String() string {
	if a.Version == "" {
		return a.Name
	}
	return a.Name + "@" + a.Version
}

// parseArtifactName splits a file name into module name and optional version.
// ok is false when the name is not a plugin artifact.
func parseArtifactName(file string) (name, version string, ok bool) {
	if filepath.Ext(file) != ArtifactExt {
		return "", "", false
	}
	stem := strings.TrimSuffix(file, ArtifactExt)
	if stem == "" || strings.HasPrefix(stem, ".") {
		return "", "", false
	}

	if i := strings.LastIndexByte(stem, '@'); i >= 0 {
		name, version = stem[:i], stem[i+1:]
		if name == "" || version == "" {
			return "", "", false
		}
		return name, version, true
	}

	for i := 0; i < len(stem); i++ {
		if stem[i] != '-' || i == 0 {
			continue
		}
		if _, err := semver.StrictNewVersion(stem[i+1:]); err == nil {
			return stem[:i], stem[i+1:], true
		}
	}
	return stem, "", true
}

// versionsEqual compares a declared version with an artifact's pinned one.
// Both sides are compared semantically when they parse, textually otherwise.
func versionsEqual(declared, pinned string) bool {
	if declared == pinned {
		return true
	}
	dv, err := semver.NewVersion(declared)
	if err != nil {
		return false
	}
	pv, err := semver.NewVersion(pinned)
	if err != nil {
		return false
	}
	return dv.Equal(pv)
}
