package abi

import (
	"context"
	"sync"
	"testing"

	"github.com/skyforge-dev/skyforge/pkg/runtime/wasmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

type sig struct {
	params, results []api.ValueType
}

func (s sig) ParamTypes() []api.ValueType  { return s.params }
func (s sig) ResultTypes() []api.ValueType { return s.results }

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func runSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := ParseSchema([]byte(`{"functions":[{"name":"run","params":{"0":"usize"}}]}`))
	require.NoError(t, err)
	return s
}

func TestValidate_RunWithExtraParameter(t *testing.T) {
	err := Validate(runSchema(t), map[string]Signature{
		"run": sig{params: []api.ValueType{i32, i32}},
	})

	var mismatch *ParameterTypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "run", mismatch.Function)
	assert.Equal(t, 1, mismatch.Index)
	assert.Equal(t, "<none>", mismatch.Want)
	assert.Equal(t, "i32", mismatch.Got)
}

func TestValidate_Cases(t *testing.T) {
	schema := DefaultSchema()
	good := map[string]Signature{
		AllocExport:      sig{params: []api.ValueType{i32}, results: []api.ValueType{i32}},
		EntrypointExport: sig{params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}},
	}
	require.NoError(t, Validate(schema, good))

	with := func(name string, s Signature) map[string]Signature {
		out := make(map[string]Signature, len(good))
		for k, v := range good {
			out[k] = v
		}
		if s == nil {
			delete(out, name)
		} else {
			out[name] = s
		}
		return out
	}

	t.Run("missing export", func(t *testing.T) {
		err := Validate(schema, with(EntrypointExport, nil))
		var missing *MissingExportError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, EntrypointExport, missing.Function)
	})

	t.Run("wrong parameter type", func(t *testing.T) {
		err := Validate(schema, with(EntrypointExport, sig{params: []api.ValueType{i32, i64}, results: []api.ValueType{i32}}))
		var mismatch *ParameterTypeMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, 1, mismatch.Index)
		assert.Equal(t, "usize", mismatch.Want)
		assert.Equal(t, "i64", mismatch.Got)
	})

	t.Run("missing parameter", func(t *testing.T) {
		err := Validate(schema, with(AllocExport, sig{results: []api.ValueType{i32}}))
		var mismatch *ParameterTypeMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, 0, mismatch.Index)
		assert.Equal(t, "<none>", mismatch.Got)
	})

	t.Run("no result", func(t *testing.T) {
		err := Validate(schema, with(AllocExport, sig{params: []api.ValueType{i32}}))
		var ret *ReturnTypeMismatchError
		require.ErrorAs(t, err, &ret)
		assert.Equal(t, "pointer", ret.Want)
		assert.Empty(t, ret.Got)
	})

	t.Run("two results", func(t *testing.T) {
		err := Validate(schema, with(AllocExport, sig{params: []api.ValueType{i32}, results: []api.ValueType{i32, i32}}))
		var ret *ReturnTypeMismatchError
		require.ErrorAs(t, err, &ret)
		assert.Equal(t, []string{"i32", "i32"}, ret.Got)
	})

	t.Run("nil schema", func(t *testing.T) {
		require.ErrorIs(t, Validate(nil, good), ErrSchemaNotSet)
	})
}

func TestValidate_UnmappedTag(t *testing.T) {
	schema := &Schema{Functions: []FunctionSignature{{Name: "run", Params: map[string]string{"0": "isize"}}}}
	err := Validate(schema, map[string]Signature{"run": sig{params: []api.ValueType{i32}}})

	var mapping *SchemaTypeMappingError
	require.ErrorAs(t, err, &mapping)
	assert.Equal(t, "isize", mapping.Tag)
	assert.Equal(t, 0, mapping.Index)

	var mismatch *ParameterTypeMismatchError
	assert.NotErrorAs(t, err, &mismatch)
}

func TestValidate_NoReturnMeansNoResults(t *testing.T) {
	require.NoError(t, Validate(runSchema(t), map[string]Signature{
		"run": sig{params: []api.ValueType{i32}},
	}))

	err := Validate(runSchema(t), map[string]Signature{
		"run": sig{params: []api.ValueType{i32}, results: []api.ValueType{i32, i64}},
	})
	var ret *ReturnTypeMismatchError
	require.ErrorAs(t, err, &ret)
	assert.Equal(t, "run", ret.Function)
	assert.Equal(t, "<none>", ret.Want)
	assert.Equal(t, []string{"i32", "i64"}, ret.Got)

	err = Validate(runSchema(t), map[string]Signature{
		"run": sig{params: []api.ValueType{i32}, results: []api.ValueType{i32}},
	})
	require.ErrorAs(t, err, &ret)
}

func TestValidateModule(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	m := wasmtest.New().Memory(1, "memory")
	m.Func(AllocExport, wasmtest.I32(1), wasmtest.I32(1))
	m.Func(EntrypointExport, wasmtest.I32(2), wasmtest.I32(1))
	compiled, err := r.CompileModule(ctx, m.Bytes())
	require.NoError(t, err)
	require.NoError(t, ValidateModule(DefaultSchema(), compiled))

	bad := wasmtest.New()
	bad.Func(AllocExport, wasmtest.I32(1), wasmtest.I32(1))
	bad.Func(EntrypointExport, wasmtest.I32(1), wasmtest.I32(1))
	compiled, err = r.CompileModule(ctx, bad.Bytes())
	require.NoError(t, err)

	var mismatch *ParameterTypeMismatchError
	require.ErrorAs(t, ValidateModule(DefaultSchema(), compiled), &mismatch)
	assert.Equal(t, EntrypointExport, mismatch.Function)
}

func TestParseSchema_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":            `{`,
		"missing functions":   `{}`,
		"unknown key":         `{"functions":[],"funcs":[]}`,
		"non numeric index":   `{"functions":[{"name":"f","params":{"a":"i32"}}]}`,
		"gap in indices":      `{"functions":[{"name":"f","params":{"0":"i32","2":"i32"}}]}`,
		"empty name":          `{"functions":[{"name":"","params":{}}]}`,
		"duplicate function":  `{"functions":[{"name":"f","params":{}},{"name":"f","params":{}}]}`,
		"non string tag":      `{"functions":[{"name":"f","params":{"0":1}}]}`,
		"leading zero index":  `{"functions":[{"name":"f","params":{"00":"i32"}}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchema([]byte(doc))
			var docErr *SchemaDocumentError
			require.ErrorAs(t, err, &docErr)
		})
	}

	_, err := ParseSchema([]byte(`{"functions":[{"name":"f","params":{},"returns":"bool"}]}`))
	var mapping *SchemaTypeMappingError
	require.ErrorAs(t, err, &mapping)
	assert.Equal(t, -1, mapping.Index)
}

func TestParseSchema_Comments(t *testing.T) {
	s, err := ParseSchema([]byte(`{
  // host-side allocator
  "functions": [
    {"name": "alloc", "params": {"0": "usize"}, "returns": "pointer"}, /* trailing */
  ],
}`))
	require.NoError(t, err)
	f, ok := s.Function("alloc")
	require.True(t, ok)
	assert.Equal(t, "pointer", f.Returns)
}

func TestParamTags(t *testing.T) {
	f := FunctionSignature{Params: map[string]string{"1": "usize", "0": "pointer", "2": "i64"}}
	assert.Equal(t, []string{"pointer", "usize", "i64"}, f.ParamTags())
}

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()
	entry, ok := s.Function(EntrypointExport)
	require.True(t, ok)
	assert.Equal(t, []string{"pointer", "usize"}, entry.ParamTags())
	assert.Equal(t, "i32", entry.Returns)
}

func TestSlot(t *testing.T) {
	var slot Slot
	_, err := slot.Get()
	require.ErrorIs(t, err, ErrSchemaNotSet)

	first := DefaultSchema()
	require.NoError(t, slot.Set(first))
	require.ErrorIs(t, slot.Set(runSchema(t)), ErrSchemaAlreadySet)

	got, err := slot.Get()
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestSlot_ConcurrentSetHasOneWinner(t *testing.T) {
	var slot Slot
	var wg sync.WaitGroup
	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- slot.Set(DefaultSchema())
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrSchemaAlreadySet)
		}
	}
	assert.Equal(t, 1, wins)
}
