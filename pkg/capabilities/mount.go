package capabilities

import (
	"fmt"
	"sort"
	"strings"
)

// FilePerms grants access to files below a mount.
type FilePerms struct {
	Read  bool `json:"read" yaml:"read"`
	Write bool `json:"write" yaml:"write"`
}

func (p FilePerms) String() string {
	return fmt.Sprintf("read: %t, write: %t", p.Read, p.Write)
}

// DirPerms grants access to the directory tree of a mount.
type DirPerms struct {
	Read   bool `json:"read" yaml:"read"`
	Mutate bool `json:"mutate" yaml:"mutate"`
}

func (p DirPerms) String() string {
	return fmt.Sprintf("read: %t, mutate: %t", p.Read, p.Mutate)
}

// Mount exposes HostPath inside the sandbox at GuestPath.
type Mount struct {
	HostPath  string    `json:"host_path" yaml:"host_path"`
	GuestPath string    `json:"guest_path" yaml:"guest_path"`
	FilePerms FilePerms `json:"file_perms" yaml:"file_perms"`
	DirPerms  DirPerms  `json:"dir_perms" yaml:"dir_perms"`
}

// Inert reports whether the mount grants no access at all.
func (m Mount) Inert() bool {
	return m.FilePerms == FilePerms{} && m.DirPerms == DirPerms{}
}

func (m Mount) String() string {
	return fmt.Sprintf("host_path: %s, guest_path: %s, file_perms: {%s}, dir_perms: {%s}",
		m.HostPath, m.GuestPath, m.FilePerms, m.DirPerms)
}

// ParseMount builds a mount declaration.
//
// filePerms and dirPerms may each be nil (grants nothing), an already typed
// FilePerms/DirPerms value, or a map holding only the permission's boolean
// keys. Keys left out of a map are false.
func ParseMount(hostPath, guestPath string, filePerms, dirPerms any) (Mount, error) {
	if hostPath == "" {
		return Mount{}, &MountError{Field: "host_path", Reason: "must not be empty"}
	}
	if guestPath == "" {
		return Mount{}, &MountError{Field: "guest_path", Reason: "must not be empty"}
	}

	fp, err := interpretFilePerms(filePerms)
	if err != nil {
		return Mount{}, err
	}
	dp, err := interpretDirPerms(dirPerms)
	if err != nil {
		return Mount{}, err
	}

	return Mount{
		HostPath:  hostPath,
		GuestPath: guestPath,
		FilePerms: fp,
		DirPerms:  dp,
	}, nil
}

func interpretFilePerms(v any) (FilePerms, error) {
	switch p := v.(type) {
	case nil:
		return FilePerms{}, nil
	case FilePerms:
		return p, nil
	case *FilePerms:
		if p == nil {
			return FilePerms{}, nil
		}
		return *p, nil
	case map[string]any:
		flags, err := boolFields("file_perms", p, "read", "write")
		if err != nil {
			return FilePerms{}, err
		}
		return FilePerms{Read: flags["read"], Write: flags["write"]}, nil
	default:
		return FilePerms{}, &MountError{
			Field:  "file_perms",
			Reason: fmt.Sprintf("failed to interpret file permissions from %T", v),
		}
	}
}

func interpretDirPerms(v any) (DirPerms, error) {
	switch p := v.(type) {
	case nil:
		return DirPerms{}, nil
	case DirPerms:
		return p, nil
	case *DirPerms:
		if p == nil {
			return DirPerms{}, nil
		}
		return *p, nil
	case map[string]any:
		flags, err := boolFields("dir_perms", p, "read", "mutate")
		if err != nil {
			return DirPerms{}, err
		}
		return DirPerms{Read: flags["read"], Mutate: flags["mutate"]}, nil
	default:
		return DirPerms{}, &MountError{
			Field:  "dir_perms",
			Reason: fmt.Sprintf("failed to interpret directory permissions from %T", v),
		}
	}
}

func boolFields(field string, m map[string]any, allowed ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(allowed))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		known := false
		for _, a := range allowed {
			if a == k {
				known = true
				break
			}
		}
		if !known {
			return nil, &MountError{
				Field:  field,
				Reason: fmt.Sprintf("unknown key %q (allowed: %s)", k, strings.Join(allowed, ", ")),
			}
		}
		b, ok := m[k].(bool)
		if !ok {
			return nil, &MountError{
				Field:  field,
				Reason: fmt.Sprintf("key %q must be a bool, got %T", k, m[k]),
			}
		}
		out[k] = b
	}
	return out, nil
}

// MountError reports a mount declaration that could not be interpreted.
type MountError struct {
	Field  string
	Reason string
}

func (e *MountError) Error() string {
	return fmt.Sprintf("invalid mount declaration: %s: %s", e.Field, e.Reason)
}
