package abi

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaNotSet is returned when a schema is required but none was provided.
	ErrSchemaNotSet = errors.New("abi: interface schema not set")
	// ErrSchemaAlreadySet is returned by a second Slot.Set.
	ErrSchemaAlreadySet = errors.New("abi: interface schema already set")
)

// SchemaDocumentError reports a malformed schema resource.
type SchemaDocumentError struct {
	Err error
}

func (e *SchemaDocumentError) Error() string {
	return fmt.Sprintf("invalid interface schema: %v", e.Err)
}

func (e *SchemaDocumentError) Unwrap() error { return e.Err }

// MissingExportError reports a schema function the artifact does not export.
type MissingExportError struct {
	Function string
}

func (e *MissingExportError) Error() string {
	return fmt.Sprintf("missing export %q", e.Function)
}

// ParameterTypeMismatchError reports the first parameter position whose type
// differs. Want or Got is "<none>" when the arities differ.
type ParameterTypeMismatchError struct {
	Function string
	Index    int
	Want     string
	Got      string
}

func (e *ParameterTypeMismatchError) Error() string {
	return fmt.Sprintf("function %q parameter %d: expected %s, got %s", e.Function, e.Index, e.Want, e.Got)
}

// ReturnTypeMismatchError reports a result list that is not exactly the
// expected single value.
type ReturnTypeMismatchError struct {
	Function string
	Want     string
	Got      []string
}

func (e *ReturnTypeMismatchError) Error() string {
	return fmt.Sprintf("function %q returns %v, expected [%s]", e.Function, e.Got, e.Want)
}

// SchemaTypeMappingError reports a type tag with no machine type. Index is -1
// for the return tag.
type SchemaTypeMappingError struct {
	Function string
	Index    int
	Tag      string
}

func (e *SchemaTypeMappingError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("function %q: unknown return type tag %q", e.Function, e.Tag)
	}
	return fmt.Sprintf("function %q parameter %d: unknown type tag %q", e.Function, e.Index, e.Tag)
}
