package moduledecl

import (
	"errors"
	"fmt"
)

// ErrNoModuleDeclaration is returned when the source never calls module(...).
var ErrNoModuleDeclaration = errors.New("no module declaration found")

// ParseError reports source text that is not valid under the declaration grammar.
type ParseError struct {
	Pos Pos
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s: %s", e.Pos, e.Msg)
}

// DowncastError reports a value of the wrong kind where a specific kind is required.
type DowncastError struct {
	Pos  Pos
	Arg  string
	Want string
	Got  string
}

func (e *DowncastError) Error() string {
	return fmt.Sprintf("%s: %s: expected %s, got %s", e.Pos, e.Arg, e.Want, e.Got)
}

// ArgumentError reports a missing, unexpected or repeated argument.
type ArgumentError struct {
	Pos      Pos
	Function string
	Msg      string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s(): %s", e.Pos, e.Function, e.Msg)
}

// UndefinedError reports a reference to a name that is not bound.
type UndefinedError struct {
	Pos  Pos
	Name string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("%s: undefined: %s", e.Pos, e.Name)
}

// DuplicateModuleError reports a second module(...) invocation.
type DuplicateModuleError struct {
	Pos   Pos
	First Pos
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("%s: module(...) already declared at %s", e.Pos, e.First)
}

// PositionError attaches a source location to an error raised by a builtin.
type PositionError struct {
	Pos Pos
	Err error
}

func (e *PositionError) Error() string { return fmt.Sprintf("%s: %v", e.Pos, e.Err) }

func (e *PositionError) Unwrap() error { return e.Err }
