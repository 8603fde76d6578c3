// Package abi describes the exported function surface a provider plugin must
// offer and checks compiled artifacts against it before they are linked.
package abi

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tetratelabs/wazero/api"
	"github.com/tidwall/jsonc"
)

// EntrypointExport is the guest function that receives module configuration.
const EntrypointExport = "plugin-api#deserialize-config"

// AllocExport is the guest allocator used to pass buffers into the plugin.
const AllocExport = "alloc"

//go:embed plugins.json
var defaultSchemaJSON []byte

// Schema is the ABI contract a plugin artifact must satisfy.
type Schema struct {
	Functions []FunctionSignature `json:"functions"`
}

// FunctionSignature names an export and its expected parameter and return
// type tags. Params is keyed by decimal parameter index.
type FunctionSignature struct {
	Name    string            `json:"name"`
	Params  map[string]string `json:"params"`
	Returns string            `json:"returns,omitempty"`
}

// ParamTags returns the parameter tags in positional order.
func (f FunctionSignature) ParamTags() []string {
	tags := make([]string, len(f.Params))
	for k, v := range f.Params {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(tags) {
			continue
		}
		tags[i] = v
	}
	return tags
}

// Function returns the signature for name.
func (s *Schema) Function(name string) (FunctionSignature, bool) {
	for _, f := range s.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionSignature{}, false
}

var typeTags = map[string]api.ValueType{
	"usize":   api.ValueTypeI32,
	"pointer": api.ValueTypeI32,
	"i32":     api.ValueTypeI32,
	"u32":     api.ValueTypeI32,
	"i64":     api.ValueTypeI64,
	"u64":     api.ValueTypeI64,
	"f32":     api.ValueTypeF32,
	"f64":     api.ValueTypeF64,
}

// ValueType resolves a type tag to the wasm value type it stands for.
func ValueType(tag string) (api.ValueType, bool) {
	vt, ok := typeTags[tag]
	return vt, ok
}

// Tags lists the recognised type tags.
func Tags() []string {
	out := make([]string, 0, len(typeTags))
	for t := range typeTags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// documentSchema constrains the shape of a schema resource. Type tags are
// deliberately free strings so that an unknown tag surfaces as a
// SchemaTypeMappingError instead of a document error.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["functions"],
  "additionalProperties": false,
  "properties": {
    "functions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "params"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "params": {
            "type": "object",
            "propertyNames": {"pattern": "^(0|[1-9][0-9]*)$"},
            "additionalProperties": {"type": "string", "minLength": 1}
          },
          "returns": {"type": "string"}
        }
      }
    }
  }
}`

var (
	docSchemaOnce sync.Once
	docSchema     *jsonschema.Schema
	docSchemaErr  error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	docSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("skyforge://abi/schema.json", bytes.NewReader([]byte(documentSchema))); err != nil {
			docSchemaErr = err
			return
		}
		docSchema, docSchemaErr = c.Compile("skyforge://abi/schema.json")
	})
	return docSchema, docSchemaErr
}

// ParseSchema validates and decodes a schema resource. Comments and trailing
// commas are accepted.
func ParseSchema(data []byte) (*Schema, error) {
	data = jsonc.ToJSON(data)

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaDocumentError{Err: err}
	}
	ds, err := compiledDocumentSchema()
	if err != nil {
		return nil, fmt.Errorf("compile schema document schema: %w", err)
	}
	if err := ds.Validate(doc); err != nil {
		return nil, &SchemaDocumentError{Err: err}
	}

	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &SchemaDocumentError{Err: err}
	}

	seen := make(map[string]bool, len(s.Functions))
	for _, f := range s.Functions {
		if seen[f.Name] {
			return nil, &SchemaDocumentError{Err: fmt.Errorf("function %q listed more than once", f.Name)}
		}
		seen[f.Name] = true

		for i := 0; i < len(f.Params); i++ {
			if _, ok := f.Params[strconv.Itoa(i)]; !ok {
				return nil, &SchemaDocumentError{Err: fmt.Errorf("function %q: parameter indices must be contiguous from 0, missing %d", f.Name, i)}
			}
		}
		if err := checkTags(f); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// DefaultSchema returns the built-in plugin ABI.
func DefaultSchema() *Schema {
	s, err := ParseSchema(defaultSchemaJSON)
	if err != nil {
		panic(fmt.Sprintf("abi: built-in schema is invalid: %v", err))
	}
	return s
}

func checkTags(f FunctionSignature) error {
	for i, tag := range f.ParamTags() {
		if _, ok := typeTags[tag]; !ok {
			return &SchemaTypeMappingError{Function: f.Name, Index: i, Tag: tag}
		}
	}
	if f.Returns != "" {
		if _, ok := typeTags[f.Returns]; !ok {
			return &SchemaTypeMappingError{Function: f.Name, Index: -1, Tag: f.Returns}
		}
	}
	return nil
}
