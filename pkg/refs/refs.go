// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refs parses and normalizes component references.
//
// The canonical grammar is `type:namespace.name:version`, e.g.
// `catalyst:acme.http:1.2.0`. Single-letter shorthands (c, r, f) expand to
// the full type. Several legacy forms remain parseable so that rows written
// before normalization can still be read: `namespace.name:version`,
// `name:version`, bare `name`, and `local:name:version`.
package refs

import (
	"fmt"
	"strings"
)

// Type identifies the component kind a reference points at.
type Type string

// Known component types.
const (
	TypeCatalyst Type = "catalyst"
	TypeReagent  Type = "reagent"
	TypeFormula  Type = "formula"
)

// DefaultNamespace is assumed when a legacy reference carries none.
const DefaultNamespace = "local"

// DefaultVersion is assumed when a reference carries no version.
const DefaultVersion = "latest"

var typeAliases = map[string]Type{
	"catalyst": TypeCatalyst,
	"reagent":  TypeReagent,
	"formula":  TypeFormula,
	"c":        TypeCatalyst,
	"r":        TypeReagent,
	"f":        TypeFormula,
}

// KnownType reports whether s names a component type, either in full or as a
// single-letter shorthand.
func KnownType(s string) bool {
	_, ok := typeAliases[s]
	return ok
}

// ParseType expands a type name or shorthand.
func ParseType(s string) (Type, error) {
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown component type %q (want catalyst, reagent, formula or c, r, f)", s)
}

// Plural returns the directory segment used for this type in the storage
// layout (catalysts, reagents, formulas).
func (t Type) Plural() string {
	return string(t) + "s"
}

// Ref is a parsed component reference. Two refs are equal iff all four
// fields are equal, so values compare with ==.
type Ref struct {
	// Type is empty when the input carried no type prefix.
	Type      Type
	Namespace string
	Name      string
	Version   string
}

// String renders the reference canonically. A ref without a type renders in
// the legacy `namespace.name:version` form.
func (r Ref) String() string {
	if r.Type == "" {
		return fmt.Sprintf("%s.%s:%s", r.Namespace, r.Name, r.Version)
	}
	return fmt.Sprintf("%s:%s.%s:%s", r.Type, r.Namespace, r.Name, r.Version)
}

// Parse interprets s as a component reference. It accepts the canonical
// grammar plus the legacy forms; the result's Type is empty when no type
// prefix was present. Use Normalize when a type is mandatory.
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("empty component reference")
	}
	return parse(s, "")
}

func parse(s string, typ Type) (Ref, error) {
	head, rest, hasColon := strings.Cut(s, ":")

	// A leading type or shorthand segment is stripped and remembered, then
	// the remainder is parsed on its own.
	if hasColon && !strings.Contains(head, ".") && KnownType(head) {
		if typ != "" {
			return Ref{}, fmt.Errorf("invalid reference %q: duplicate type prefix", s)
		}
		t, _ := ParseType(head)
		return parse(rest, t)
	}

	// Legacy publisher:name:version with a dot-free publisher.
	if parts := strings.Split(s, ":"); len(parts) == 3 && !strings.Contains(parts[0], ".") {
		return build(typ, parts[0], parts[1], parts[2], s)
	}

	// namespace.name with an optional :version.
	if dot := strings.Index(head, "."); dot >= 0 || (!hasColon && strings.Contains(s, ".")) {
		nsAndName := head
		version := DefaultVersion
		if hasColon {
			if strings.Contains(rest, ":") {
				return Ref{}, fmt.Errorf("invalid reference %q: too many segments", s)
			}
			version = rest
		}
		ns, name, ok := strings.Cut(nsAndName, ".")
		if !ok {
			return Ref{}, fmt.Errorf("invalid reference %q: expected namespace.name", s)
		}
		return build(typ, ns, name, version, s)
	}

	// name:version with the default namespace.
	if hasColon {
		if strings.Contains(rest, ":") {
			return Ref{}, fmt.Errorf("invalid reference %q: too many segments", s)
		}
		return build(typ, DefaultNamespace, head, rest, s)
	}

	// Bare name.
	return build(typ, DefaultNamespace, s, DefaultVersion, s)
}

func build(typ Type, ns, name, version, input string) (Ref, error) {
	if ns == "" {
		return Ref{}, fmt.Errorf("invalid reference %q: empty namespace", input)
	}
	if strings.Contains(ns, ".") {
		return Ref{}, fmt.Errorf("invalid reference %q: namespace %q must not contain dots", input, ns)
	}
	if name == "" {
		return Ref{}, fmt.Errorf("invalid reference %q: empty name", input)
	}
	if version == "" {
		return Ref{}, fmt.Errorf("invalid reference %q: empty version", input)
	}
	return Ref{Type: typ, Namespace: ns, Name: name, Version: version}, nil
}

// Normalize parses s and renders it in the canonical
// `type:namespace.name:version` form. Unlike Parse it requires a type prefix
// and a well-formed version, so the output round-trips:
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) (string, error) {
	ref, err := Parse(s)
	if err != nil {
		return "", err
	}
	if ref.Type == "" {
		return "", fmt.Errorf("reference %q has no type prefix: normalization requires type:namespace.name:version", s)
	}
	if !ValidVersion(ref.Version) {
		return "", fmt.Errorf("reference %q has invalid version %q: want three dotted numeric segments or %q", s, ref.Version, DefaultVersion)
	}
	return ref.String(), nil
}

// ValidVersion reports whether v is `latest` or three dotted numeric
// segments (1.0.0, 0.12.3, ...).
func ValidVersion(v string) bool {
	if v == DefaultVersion {
		return true
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
