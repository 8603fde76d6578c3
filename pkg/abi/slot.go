package abi

import "sync/atomic"

// Slot holds a schema that may be set once. The zero value is empty.
type Slot struct {
	p atomic.Pointer[Schema]
}

// Set stores s. A second call fails with ErrSchemaAlreadySet and leaves the
// first schema in place.
func (sl *Slot) Set(s *Schema) error {
	if s == nil {
		return ErrSchemaNotSet
	}
	if !sl.p.CompareAndSwap(nil, s) {
		return ErrSchemaAlreadySet
	}
	return nil
}

// Get returns the stored schema or ErrSchemaNotSet.
func (sl *Slot) Get() (*Schema, error) {
	s := sl.p.Load()
	if s == nil {
		return nil, ErrSchemaNotSet
	}
	return s, nil
}
