package registry

import (
	"fmt"
	"strings"
)

// PluginNotFoundError is returned when no artifact matches a module.
type PluginNotFoundError struct {
	Dir     string
	Name    string
	Version string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("no plugin for module %s@%s in %s", e.Name, e.Version, e.Dir)
}

// AmbiguousPluginError is returned when several artifacts match equally well.
type AmbiguousPluginError struct {
	Name       string
	Version    string
	Candidates []string
}

func (e *AmbiguousPluginError) Error() string {
	return fmt.Sprintf("ambiguous plugin for module %s@%s: %s", e.Name, e.Version, strings.Join(e.Candidates, ", "))
}
