package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const descriptorSchemaURL = "https://skyforge.schemas.local/manifest/descriptor.schema.json"

const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "version", "capabilities", "mounts"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "capabilities": {
      "type": "array",
      "uniqueItems": true,
      "items": {
        "enum": [
          "InheritArgs",
          "InheritEnv",
          "InheritStdin",
          "InheritStdio",
          "InheritStdout",
          "InheritNetwork",
          "AllowIpNameLookup"
        ]
      }
    },
    "mounts": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["host_path", "guest_path", "file_perms", "dir_perms"],
        "properties": {
          "host_path": {"type": "string", "minLength": 1},
          "guest_path": {"type": "string", "minLength": 1},
          "file_perms": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "read": {"type": "boolean"},
              "write": {"type": "boolean"}
            }
          },
          "dir_perms": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "read": {"type": "boolean"},
              "mutate": {"type": "boolean"}
            }
          }
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(descriptorSchemaURL, strings.NewReader(descriptorSchema)); err != nil {
			compileErr = fmt.Errorf("descriptor schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(descriptorSchemaURL)
	})
	return compiledSchema, compileErr
}

// ValidationError reports a descriptor that does not satisfy the descriptor schema.
type ValidationError struct {
	Module string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid module descriptor %q: %v", e.Module, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks the descriptor's wire form against the descriptor schema.
func (d *ModuleDescriptor) Validate() error {
	s, err := schema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(d.Document())
	if err != nil {
		return &ValidationError{Module: d.name, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Module: d.name, Err: err}
	}
	if err := s.Validate(doc); err != nil {
		return &ValidationError{Module: d.name, Err: err}
	}
	return nil
}
