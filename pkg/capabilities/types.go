// Package capabilities defines the closed vocabulary of host capabilities a
// provider module may inherit, and the filesystem mount grants it may declare.
//
// Everything here is deny-by-default: the zero value of every type grants nothing.
package capabilities

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Capability is one inheritable host resource.
type Capability uint8

// The capability vocabulary. The zero value is not a valid capability.
const (
	InheritArgs Capability = iota + 1
	InheritEnv
	InheritStdin
	InheritStdio
	InheritStdout
	InheritNetwork
	AllowIpNameLookup
)

var tokens = [...]string{
	InheritArgs:       "InheritArgs",
	InheritEnv:        "InheritEnv",
	InheritStdin:      "InheritStdin",
	InheritStdio:      "InheritStdio",
	InheritStdout:     "InheritStdout",
	InheritNetwork:    "InheritNetwork",
	AllowIpNameLookup: "AllowIpNameLookup",
}

// All returns every capability in declaration order.
func All() []Capability {
	return []Capability{
		InheritArgs,
		InheritEnv,
		InheritStdin,
		InheritStdio,
		InheritStdout,
		InheritNetwork,
		AllowIpNameLookup,
	}
}

// Valid reports whether c is part of the vocabulary.
func (c Capability) Valid() bool {
	return c >= InheritArgs && c <= AllowIpNameLookup
}

// String returns the exact token used in module declarations.
func (c Capability) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Capability(%d)", uint8(c))
	}
	return tokens[c]
}

// MarshalText encodes the capability as its token.
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, &UnknownCapabilityError{Token: c.String()}
	}
	return []byte(tokens[c]), nil
}

// UnmarshalText decodes a capability token.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := ParseCapability(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCapability resolves an exact, case-sensitive token.
func ParseCapability(token string) (Capability, error) {
	for _, c := range All() {
		if tokens[c] == token {
			return c, nil
		}
	}
	return 0, &UnknownCapabilityError{Token: token}
}

// Set is a deduplicated collection of capabilities. The zero value is empty.
type Set struct {
	bits uint16
}

// NewSet builds a set from caps. Invalid capabilities are ignored.
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s.Add(c)
	}
	return s
}

// Add inserts c. Adding a capability already present has no effect.
func (s *Set) Add(c Capability) {
	if c.Valid() {
		s.bits |= 1 << c
	}
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	return c.Valid() && s.bits&(1<<c) != 0
}

// Len returns the number of distinct capabilities.
func (s Set) Len() int {
	n := 0
	for _, c := range All() {
		if s.Has(c) {
			n++
		}
	}
	return n
}

// List returns the members in declaration order.
func (s Set) List() []Capability {
	out := make([]Capability, 0, s.Len())
	for _, c := range All() {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Strings returns the member tokens in declaration order.
func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.String()
	}
	return out
}

func (s Set) String() string {
	return "[" + strings.Join(s.Strings(), " ") + "]"
}

// MarshalJSON encodes the set as a token list.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a token list, failing on any unknown token.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Set
	for _, token := range raw {
		c, err := ParseCapability(token)
		if err != nil {
			return err
		}
		out.Add(c)
	}
	*s = out
	return nil
}

// UnknownCapabilityError reports a token outside the vocabulary.
type UnknownCapabilityError struct {
	Token string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Token)
}
