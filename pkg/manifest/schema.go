// Package manifest holds the module descriptor: the validated identity and
// capability requirements of one provider module.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/skyforge-dev/skyforge/pkg/canonicalize"
	"github.com/skyforge-dev/skyforge/pkg/capabilities"
)

// ModuleDescriptor is immutable once constructed. Accessors hand out copies.
type ModuleDescriptor struct {
	name         string
	version      string
	capabilities capabilities.Set
	mounts       []capabilities.Mount
}

// New builds a descriptor and validates it against the descriptor schema.
func New(name, version string, caps capabilities.Set, mounts []capabilities.Mount) (*ModuleDescriptor, error) {
	d := &ModuleDescriptor{
		name:         name,
		version:      version,
		capabilities: caps,
		mounts:       append([]capabilities.Mount(nil), mounts...),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Name returns the module name.
func (d *ModuleDescriptor) Name() string { return d.name }

// Version returns the module version. It is opaque at this layer.
func (d *ModuleDescriptor) Version() string { return d.version }

// Capabilities returns the declared capability set.
func (d *ModuleDescriptor) Capabilities() capabilities.Set { return d.capabilities }

// Mounts returns the declared mounts in declaration order.
func (d *ModuleDescriptor) Mounts() []capabilities.Mount {
	return append([]capabilities.Mount(nil), d.mounts...)
}

// Has reports whether the module declares c.
func (d *ModuleDescriptor) Has(c capabilities.Capability) bool { return d.capabilities.Has(c) }

// String identifies the module as name@version.
func (d *ModuleDescriptor) String() string {
	return fmt.Sprintf("%s@%s", d.name, d.version)
}

// Document is the wire form of a descriptor.
type Document struct {
	Name         string               `json:"name" yaml:"name"`
	Version      string               `json:"version" yaml:"version"`
	Capabilities []string             `json:"capabilities" yaml:"capabilities"`
	Mounts       []capabilities.Mount `json:"mounts" yaml:"mounts"`
}

// Document returns the wire form of d.
func (d *ModuleDescriptor) Document() Document {
	mounts := d.Mounts()
	if mounts == nil {
		mounts = []capabilities.Mount{}
	}
	return Document{
		Name:         d.name,
		Version:      d.version,
		Capabilities: d.capabilities.Strings(),
		Mounts:       mounts,
	}
}

func (d *ModuleDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Document())
}

// FromDocument parses and validates a wire-form descriptor.
func FromDocument(doc Document) (*ModuleDescriptor, error) {
	var caps capabilities.Set
	for _, token := range doc.Capabilities {
		c, err := capabilities.ParseCapability(token)
		if err != nil {
			return nil, err
		}
		caps.Add(c)
	}
	return New(doc.Name, doc.Version, caps, doc.Mounts)
}

// Digest returns the canonical content digest of the descriptor.
func (d *ModuleDescriptor) Digest() (string, error) {
	return canonicalize.CanonicalHash(d.Document())
}
