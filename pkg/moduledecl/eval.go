// Package moduledecl evaluates module declaration files.
//
// Declarations are data, not programs. The grammar accepts assignments and
// calls over string, integer, boolean, list and dict literals, and only the
// builtins module, capabilities, mount, file_perms and dir_perms are
// evaluated. Top-level calls to any other function are left to the provider
// plugin and skipped here.
package moduledecl

import (
	"fmt"
	"log/slog"

	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
)

// Evaluator turns declaration source into a module descriptor.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. A nil logger uses slog.Default().
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger.With("component", "moduledecl")}
}

// Evaluate uses a default evaluator.
func Evaluate(src string) (*manifest.ModuleDescriptor, error) {
	return NewEvaluator(nil).Evaluate(src)
}

// Evaluate parses src and returns the descriptor produced by its single
// module(...) call. No partial descriptor is returned on error.
func (ev *Evaluator) Evaluate(src string) (*manifest.ModuleDescriptor, error) {
	stmts, err := parse(src)
	if err != nil {
		return nil, err
	}

	st := &state{
		ev:       ev,
		bindings: make(map[string]any),
	}
	for _, s := range stmts {
		if err := st.exec(s); err != nil {
			return nil, err
		}
	}
	if st.module == nil {
		return nil, ErrNoModuleDeclaration
	}
	return st.module, nil
}

// Constants visible to declarations, bound to their capability tokens.
var constants = map[string]any{
	"INHERIT_ARGS":         capabilities.InheritArgs.String(),
	"INHERIT_ENV":          capabilities.InheritEnv.String(),
	"INHERIT_STDIN":        capabilities.InheritStdin.String(),
	"INHERIT_STDIO":        capabilities.InheritStdio.String(),
	"INHERIT_STDOUT":       capabilities.InheritStdout.String(),
	"INHERIT_NETWORK":      capabilities.InheritNetwork.String(),
	"ALLOW_IP_NAME_LOOKUP": capabilities.AllowIpNameLookup.String(),
	"True":                 true,
	"False":                false,
	"true":                 true,
	"false":                false,
	"None":                 nil,
}

type state struct {
	ev        *Evaluator
	bindings  map[string]any
	module    *manifest.ModuleDescriptor
	modulePos Pos
}

func (st *state) exec(s stmt) error {
	if s.target == "" {
		call := s.value.(*callExpr)
		if _, ok := builtins[call.fn]; !ok {
			st.ev.logger.Debug("skipping plugin-defined call", "function", call.fn, "pos", call.at.String())
			return nil
		}
		_, err := st.eval(call)
		return err
	}

	if _, ok := builtins[s.target]; ok {
		return &ParseError{Pos: s.at, Msg: fmt.Sprintf("cannot assign to builtin %q", s.target)}
	}
	if _, ok := constants[s.target]; ok {
		return &ParseError{Pos: s.at, Msg: fmt.Sprintf("cannot assign to constant %q", s.target)}
	}
	v, err := st.eval(s.value)
	if err != nil {
		return err
	}
	st.bindings[s.target] = v
	return nil
}

func (st *state) eval(e expr) (any, error) {
	switch e := e.(type) {
	case *stringLit:
		return e.value, nil
	case *intLit:
		return e.value, nil
	case *identExpr:
		if v, ok := st.bindings[e.name]; ok {
			return v, nil
		}
		if v, ok := constants[e.name]; ok {
			return v, nil
		}
		return nil, &UndefinedError{Pos: e.at, Name: e.name}
	case *listLit:
		out := make([]any, 0, len(e.elems))
		for _, el := range e.elems {
			v, err := st.eval(el)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *dictLit:
		return st.evalDict(e)
	case *callExpr:
		return st.evalCall(e)
	default:
		return nil, fmt.Errorf("unsupported expression %T", e)
	}
}

func (st *state) evalDict(e *dictLit) (any, error) {
	out := make(map[string]any, len(e.keys))
	for i, k := range e.keys {
		kv, err := st.eval(k)
		if err != nil {
			return nil, err
		}
		key, ok := kv.(string)
		if !ok {
			return nil, &DowncastError{Pos: k.position(), Arg: "dict key", Want: "string", Got: kindOf(kv)}
		}
		if _, dup := out[key]; dup {
			return nil, &ParseError{Pos: k.position(), Msg: fmt.Sprintf("duplicate key %q in dict literal", key)}
		}
		v, err := st.eval(e.values[i])
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (st *state) evalCall(call *callExpr) (any, error) {
	b, ok := builtins[call.fn]
	if !ok {
		return nil, &UndefinedError{Pos: call.at, Name: call.fn}
	}

	args, err := st.bind(call, b.params)
	if err != nil {
		return nil, err
	}

	if call.fn == "module" && st.module != nil {
		return nil, &DuplicateModuleError{Pos: call.at, First: st.modulePos}
	}

	v, err := b.fn(call.at, args)
	if err != nil {
		return nil, err
	}

	if d, ok := v.(*manifest.ModuleDescriptor); ok {
		st.module = d
		st.modulePos = call.at
		st.ev.logger.Debug("module declared", "module", d.String(), "pos", call.at.String())
	}
	return v, nil
}

// bind evaluates the call's arguments and matches them to params.
func (st *state) bind(call *callExpr, params []param) (map[string]any, error) {
	if len(call.args) > len(params) {
		return nil, &ArgumentError{
			Pos:      call.at,
			Function: call.fn,
			Msg:      fmt.Sprintf("accepts at most %d positional arguments, got %d", len(params), len(call.args)),
		}
	}

	out := make(map[string]any, len(params))
	set := make(map[string]bool, len(params))
	for i, a := range call.args {
		v, err := st.eval(a)
		if err != nil {
			return nil, err
		}
		out[params[i].name] = v
		set[params[i].name] = true
	}

	for _, kw := range call.kwargs {
		known := false
		for _, p := range params {
			if p.name == kw.name {
				known = true
				break
			}
		}
		if !known {
			return nil, &ArgumentError{Pos: kw.at, Function: call.fn, Msg: fmt.Sprintf("unexpected keyword argument %q", kw.name)}
		}
		if set[kw.name] {
			return nil, &ArgumentError{Pos: kw.at, Function: call.fn, Msg: fmt.Sprintf("argument %q given more than once", kw.name)}
		}
		v, err := st.eval(kw.value)
		if err != nil {
			return nil, err
		}
		out[kw.name] = v
		set[kw.name] = true
	}

	for _, p := range params {
		if p.required && !set[p.name] {
			return nil, &ArgumentError{Pos: call.at, Function: call.fn, Msg: fmt.Sprintf("missing required argument %q", p.name)}
		}
	}
	return out, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case string:
		return "string"
	case int64:
		return "int"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case capabilities.FilePerms:
		return "file_perms"
	case capabilities.DirPerms:
		return "dir_perms"
	case capabilities.Mount:
		return "mount"
	case *capabilitySet:
		return "capabilities"
	case *manifest.ModuleDescriptor:
		return "module"
	default:
		return fmt.Sprintf("%T", v)
	}
}
