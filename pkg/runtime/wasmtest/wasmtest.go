// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Modules are built in code so tests do not depend on a guest toolchain or
// checked-in blobs. Only the handful of instructions the host tests need are
// provided.
package wasmtest

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero/api"
)

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secExport   = 7
	secCode     = 10
	secData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
)

// Opcodes used by the instruction helpers.
const (
	opLoop      = 0x03
	opEnd       = 0x0b
	opBr        = 0x0c
	opCall      = 0x10
	opDrop      = 0x1a
	opLocalGet  = 0x20
	opI32Load   = 0x28
	opI32Const  = 0x41
	opI64Const  = 0x42
	opF32Const  = 0x43
	opF64Const  = 0x44
	opI32Add    = 0x6a
	opUnreached = 0x00
)

type funcType struct {
	params, results []api.ValueType
}

type funcImport struct {
	module, name string
	typ          funcType
}

type function struct {
	export string
	typ    funcType
	body   []byte
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module is a module under construction.
type Module struct {
	imports   []funcImport
	funcs     []function
	memPages  uint32
	hasMemory bool
	memExport string
	data      []dataSegment
}

// New returns an empty module.
func New() *Module { return &Module{} }

// ImportFunc declares an imported function and returns its function index.
// Imports must be declared before any Func.
func (m *Module) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: funcType{params, results}})
	return uint32(len(m.imports) - 1)
}

// Func defines a function, exported as export unless it is empty, and returns
// its function index. A nil body returns zero for every result.
func (m *Module) Func(export string, params, results []api.ValueType, body ...[]byte) uint32 {
	var code []byte
	if body == nil {
		for _, r := range results {
			code = append(code, Const(r, 0)...)
		}
	} else {
		code = bytes.Join(body, nil)
	}
	m.funcs = append(m.funcs, function{export: export, typ: funcType{params, results}, body: code})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares a linear memory of minPages pages, exported as export
// unless it is empty.
func (m *Module) Memory(minPages uint32, export string) *Module {
	m.hasMemory = true
	m.memPages = minPages
	m.memExport = export
	return m
}

// Data places b at offset in memory when the module is instantiated.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: b})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	types := make([]funcType, 0, len(m.imports)+len(m.funcs))
	for _, im := range m.imports {
		types = append(types, im.typ)
	}
	for _, f := range m.funcs {
		types = append(types, f.typ)
	}
	if len(types) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(types)))
		for _, t := range types {
			b = append(b, 0x60)
			b = appendValueTypes(b, t.params)
			b = appendValueTypes(b, t.results)
		}
		out = appendSection(out, secType, b)
	}

	if len(m.imports) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.imports)))
		for i, im := range m.imports {
			b = appendName(b, im.module)
			b = appendName(b, im.name)
			b = append(b, kindFunc)
			b = appendU32(b, uint32(i))
		}
		out = appendSection(out, secImport, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.funcs)))
		for i := range m.funcs {
			b = appendU32(b, uint32(len(m.imports)+i))
		}
		out = appendSection(out, secFunction, b)
	}

	if m.hasMemory {
		b := []byte{1, 0x00}
		b = appendU32(b, m.memPages)
		out = appendSection(out, secMemory, b)
	}

	var exports [][]byte
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		e := appendName(nil, f.export)
		e = append(e, kindFunc)
		e = appendU32(e, uint32(len(m.imports)+i))
		exports = append(exports, e)
	}
	if m.hasMemory && m.memExport != "" {
		e := appendName(nil, m.memExport)
		e = append(e, kindMemory, 0)
		exports = append(exports, e)
	}
	if len(exports) > 0 {
		b := appendU32(nil, uint32(len(exports)))
		out = appendSection(out, secExport, append(b, bytes.Join(exports, nil)...))
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := []byte{0} // no locals
			body = append(body, f.body...)
			body = append(body, opEnd)
			b = appendU32(b, uint32(len(body)))
			b = append(b, body...)
		}
		out = appendSection(out, secCode, b)
	}

	if len(m.data) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.data)))
		for _, d := range m.data {
			b = append(b, 0x00)
			b = append(b, I32Const(int32(d.offset))...)
			b = append(b, opEnd)
			b = appendU32(b, uint32(len(d.data)))
			b = append(b, d.data...)
		}
		out = appendSection(out, secData, b)
	}
	return out
}

// Const pushes a constant of type t.
func Const(t api.ValueType, v int64) []byte {
	switch t {
	case api.ValueTypeI64:
		return appendS64([]byte{opI64Const}, v)
	case api.ValueTypeF32:
		return binary.LittleEndian.AppendUint32([]byte{opF32Const}, math.Float32bits(float32(v)))
	case api.ValueTypeF64:
		return binary.LittleEndian.AppendUint64([]byte{opF64Const}, math.Float64bits(float64(v)))
	default:
		return I32Const(int32(v))
	}
}

// I32Const pushes an i32 constant.
func I32Const(v int32) []byte { return appendS64([]byte{opI32Const}, int64(v)) }

// LocalGet pushes parameter or local i.
func LocalGet(i uint32) []byte { return appendU32([]byte{opLocalGet}, i) }

// Call calls function index fn.
func Call(fn uint32) []byte { return appendU32([]byte{opCall}, fn) }

// I32Load loads an i32 from the address on the stack.
func I32Load() []byte { return []byte{opI32Load, 2, 0} }

// I32Add adds the two i32 values on the stack.
func I32Add() []byte { return []byte{opI32Add} }

// Drop discards the top of the stack.
func Drop() []byte { return []byte{opDrop} }

// Spin loops forever.
func Spin() []byte { return []byte{opLoop, 0x40, opBr, 0, opEnd} }

// Unreachable traps.
func Unreachable() []byte { return []byte{opUnreached} }

// I32 is shorthand for a list of n i32 value types.
func I32(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendValueTypes(b []byte, ts []api.ValueType) []byte {
	b = appendU32(b, uint32(len(ts)))
	for _, t := range ts {
		b = append(b, t)
	}
	return b
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
