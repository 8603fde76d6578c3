package abi

import (
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Signature is the type information of one exported function.
// api.FunctionDefinition satisfies it.
type Signature interface {
	ParamTypes() []api.ValueType
	ResultTypes() []api.ValueType
}

const none = "<none>"

// ValidateModule checks a compiled module's exports against schema.
func ValidateModule(schema *Schema, mod wazero.CompiledModule) error {
	defs := mod.ExportedFunctions()
	exports := make(map[string]Signature, len(defs))
	for name, def := range defs {
		exports[name] = def
	}
	return Validate(schema, exports)
}

// Validate checks every schema function in order and returns the first
// failure.
func Validate(schema *Schema, exports map[string]Signature) error {
	if schema == nil {
		return ErrSchemaNotSet
	}
	for _, f := range schema.Functions {
		if err := validateFunction(f, exports); err != nil {
			return err
		}
	}
	return nil
}

func validateFunction(f FunctionSignature, exports map[string]Signature) error {
	if err := checkTags(f); err != nil {
		return err
	}
	sig, ok := exports[f.Name]
	if !ok {
		return &MissingExportError{Function: f.Name}
	}

	tags := f.ParamTags()
	got := sig.ParamTypes()
	for i := 0; i < len(tags) || i < len(got); i++ {
		switch {
		case i >= len(tags):
			return &ParameterTypeMismatchError{Function: f.Name, Index: i, Want: none, Got: api.ValueTypeName(got[i])}
		case i >= len(got):
			return &ParameterTypeMismatchError{Function: f.Name, Index: i, Want: tags[i], Got: none}
		case typeTags[tags[i]] != got[i]:
			return &ParameterTypeMismatchError{Function: f.Name, Index: i, Want: tags[i], Got: api.ValueTypeName(got[i])}
		}
	}

	// No declared return means the export must return nothing.
	results := sig.ResultTypes()
	if f.Returns == "" {
		ok = len(results) == 0
	} else {
		ok = len(results) == 1 && results[0] == typeTags[f.Returns]
	}
	if !ok {
		names := make([]string, len(results))
		for i, r := range results {
			names[i] = api.ValueTypeName(r)
		}
		want := f.Returns
		if want == "" {
			want = none
		}
		return &ReturnTypeMismatchError{Function: f.Name, Want: want, Got: names}
	}
	return nil
}
