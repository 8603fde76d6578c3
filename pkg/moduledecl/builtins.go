package moduledecl

import (
	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
)

type param struct {
	name     string
	required bool
}

type builtin struct {
	params []param
	fn     func(at Pos, args map[string]any) (any, error)
}

// capabilitySet is the value produced by capabilities(...).
type capabilitySet struct {
	caps   capabilities.Set
	mounts []capabilities.Mount
}

var builtins = map[string]builtin{
	"module": {
		params: []param{{"name", true}, {"version", true}, {"capabilities", false}, {"mounts", false}},
		fn:     builtinModule,
	},
	"capabilities": {
		params: []param{{"inherits", true}, {"mounts", false}},
		fn:     builtinCapabilities,
	},
	"mount": {
		params: []param{{"host_path", true}, {"guest_path", true}, {"file_perms", false}, {"dir_perms", false}},
		fn:     builtinMount,
	},
	"file_perms": {
		params: []param{{"read", false}, {"write", false}},
		fn:     builtinFilePerms,
	},
	"dir_perms": {
		params: []param{{"read", false}, {"mutate", false}},
		fn:     builtinDirPerms,
	},
}

func builtinModule(at Pos, args map[string]any) (any, error) {
	name, err := stringArg(at, args, "name")
	if err != nil {
		return nil, err
	}
	version, err := stringArg(at, args, "version")
	if err != nil {
		return nil, err
	}

	var caps capabilities.Set
	var mounts []capabilities.Mount
	switch v := args["capabilities"].(type) {
	case nil:
	case *capabilitySet:
		caps = v.caps
		mounts = append(mounts, v.mounts...)
	default:
		return nil, &DowncastError{Pos: at, Arg: "capabilities", Want: "capabilities", Got: kindOf(v)}
	}

	extra, err := mountList(at, args["mounts"])
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, extra...)

	d, err := manifest.New(name, version, caps, mounts)
	if err != nil {
		return nil, &PositionError{Pos: at, Err: err}
	}
	return d, nil
}

func builtinCapabilities(at Pos, args map[string]any) (any, error) {
	inherits, ok := args["inherits"].([]any)
	if !ok {
		return nil, &DowncastError{Pos: at, Arg: "inherits", Want: "list", Got: kindOf(args["inherits"])}
	}

	var set capabilities.Set
	for _, item := range inherits {
		token, ok := item.(string)
		if !ok {
			return nil, &DowncastError{Pos: at, Arg: "inherits", Want: "string", Got: kindOf(item)}
		}
		c, err := capabilities.ParseCapability(token)
		if err != nil {
			return nil, &PositionError{Pos: at, Err: err}
		}
		set.Add(c)
	}

	mounts, err := mountList(at, args["mounts"])
	if err != nil {
		return nil, err
	}
	return &capabilitySet{caps: set, mounts: mounts}, nil
}

func builtinMount(at Pos, args map[string]any) (any, error) {
	host, err := stringArg(at, args, "host_path")
	if err != nil {
		return nil, err
	}
	guest, err := stringArg(at, args, "guest_path")
	if err != nil {
		return nil, err
	}
	m, err := capabilities.ParseMount(host, guest, args["file_perms"], args["dir_perms"])
	if err != nil {
		return nil, &PositionError{Pos: at, Err: err}
	}
	return m, nil
}

func builtinFilePerms(at Pos, args map[string]any) (any, error) {
	read, err := boolArg(at, args, "read")
	if err != nil {
		return nil, err
	}
	write, err := boolArg(at, args, "write")
	if err != nil {
		return nil, err
	}
	return capabilities.FilePerms{Read: read, Write: write}, nil
}

func builtinDirPerms(at Pos, args map[string]any) (any, error) {
	read, err := boolArg(at, args, "read")
	if err != nil {
		return nil, err
	}
	mutate, err := boolArg(at, args, "mutate")
	if err != nil {
		return nil, err
	}
	return capabilities.DirPerms{Read: read, Mutate: mutate}, nil
}

func mountList(at Pos, v any) ([]capabilities.Mount, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &DowncastError{Pos: at, Arg: "mounts", Want: "list", Got: kindOf(v)}
	}
	out := make([]capabilities.Mount, 0, len(items))
	for _, item := range items {
		m, ok := item.(capabilities.Mount)
		if !ok {
			return nil, &PositionError{Pos: at, Err: &capabilities.MountError{
				Field:  "mounts",
				Reason: "failed to interpret mount declaration from " + kindOf(item),
			}}
		}
		out = append(out, m)
	}
	return out, nil
}

func stringArg(at Pos, args map[string]any, name string) (string, error) {
	s, ok := args[name].(string)
	if !ok {
		return "", &DowncastError{Pos: at, Arg: name, Want: "string", Got: kindOf(args[name])}
	}
	return s, nil
}

func boolArg(at Pos, args map[string]any, name string) (bool, error) {
	switch v := args[name].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, &DowncastError{Pos: at, Arg: name, Want: "bool", Got: kindOf(v)}
	}
}
