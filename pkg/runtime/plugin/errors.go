package plugin

import (
	"errors"
	"fmt"
)

// ErrHandleClosed is returned by calls on a closed handle.
var ErrHandleClosed = errors.New("plugin: handle closed")

// Stages at which an artifact can fail to load.
const (
	StageRead        = "read"
	StageCompile     = "compile"
	StageInstantiate = "instantiate"
)

// ArtifactLoadError reports an artifact that could not be read, compiled or
// instantiated.
type ArtifactLoadError struct {
	Path  string
	Stage string
	Err   error
}

func (e *ArtifactLoadError) Error() string {
	return fmt.Sprintf("load artifact %s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error { return e.Err }

// MissingEntrypointError reports an instance without the required entrypoint.
type MissingEntrypointError struct {
	Module string
	Export string
}

func (e *MissingEntrypointError) Error() string {
	return fmt.Sprintf("plugin %s does not export entrypoint %q", e.Module, e.Export)
}

// ConfigRejectedError reports a non-zero status from the configuration
// entrypoint.
type ConfigRejectedError struct {
	Module string
	Status int32
}

func (e *ConfigRejectedError) Error() string {
	return fmt.Sprintf("plugin %s rejected configuration with status %d", e.Module, e.Status)
}
