// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package refs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/pkg/refs"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  refs.Ref
	}{
		{
			name:  "canonical catalyst",
			input: "catalyst:acme.http:1.2.0",
			want:  refs.Ref{Type: refs.TypeCatalyst, Namespace: "acme", Name: "http", Version: "1.2.0"},
		},
		{
			name:  "canonical reagent",
			input: "reagent:local.math:1.0.0",
			want:  refs.Ref{Type: refs.TypeReagent, Namespace: "local", Name: "math", Version: "1.0.0"},
		},
		{
			name:  "canonical formula",
			input: "formula:acme.pipeline:0.3.1",
			want:  refs.Ref{Type: refs.TypeFormula, Namespace: "acme", Name: "pipeline", Version: "0.3.1"},
		},
		{
			name:  "shorthand c",
			input: "c:local.example:1.0.0",
			want:  refs.Ref{Type: refs.TypeCatalyst, Namespace: "local", Name: "example", Version: "1.0.0"},
		},
		{
			name:  "shorthand r",
			input: "r:local.math:1.0.0",
			want:  refs.Ref{Type: refs.TypeReagent, Namespace: "local", Name: "math", Version: "1.0.0"},
		},
		{
			name:  "shorthand f",
			input: "f:acme.deploy:2.0.0",
			want:  refs.Ref{Type: refs.TypeFormula, Namespace: "acme", Name: "deploy", Version: "2.0.0"},
		},
		{
			name:  "no type with namespace",
			input: "acme.http:1.2.0",
			want:  refs.Ref{Namespace: "acme", Name: "http", Version: "1.2.0"},
		},
		{
			name:  "no type no namespace",
			input: "math:1.0.0",
			want:  refs.Ref{Namespace: "local", Name: "math", Version: "1.0.0"},
		},
		{
			name:  "bare name",
			input: "math",
			want:  refs.Ref{Namespace: "local", Name: "math", Version: "latest"},
		},
		{
			name:  "legacy publisher triple",
			input: "local:math:1.0.0",
			want:  refs.Ref{Namespace: "local", Name: "math", Version: "1.0.0"},
		},
		{
			name:  "namespace dot name without version",
			input: "acme.http",
			want:  refs.Ref{Namespace: "acme", Name: "http", Version: "latest"},
		},
		{
			name:  "type without version",
			input: "r:local.math",
			want:  refs.Ref{Type: refs.TypeReagent, Namespace: "local", Name: "math", Version: "latest"},
		},
		{
			name:  "type with bare name",
			input: "f:deploy",
			want:  refs.Ref{Type: refs.TypeFormula, Namespace: "local", Name: "deploy", Version: "latest"},
		},
		{
			name:  "surrounding whitespace",
			input: "  catalyst:acme.http:1.2.0  ",
			want:  refs.Ref{Type: refs.TypeCatalyst, Namespace: "acme", Name: "http", Version: "1.2.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := refs.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"empty", "", "empty component reference"},
		{"only whitespace", "   ", "empty component reference"},
		{"duplicate type", "c:r:local.math:1.0.0", "duplicate type prefix"},
		{"too many segments", "acme.http:1.0.0:extra", "too many segments"},
		{"four colon parts", "a:b:c:d", "too many segments"},
		{"empty name", "acme.:1.0.0", "empty name"},
		{"empty version", "math:", "empty version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := refs.Parse(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already canonical", "catalyst:acme.http:1.2.0", "catalyst:acme.http:1.2.0"},
		{"shorthand expands", "c:acme.http:1.2.0", "catalyst:acme.http:1.2.0"},
		{"default version fills", "r:local.math", "reagent:local.math:latest"},
		{"shorthand with bare name", "f:deploy", "formula:local.deploy:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := refs.Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Normalization is idempotent: feeding the output back in yields the same
// string.
func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"catalyst:acme.http:1.2.0",
		"c:local.example:1.0.0",
		"r:local.math",
		"f:deploy",
		"reagent:ns.name:latest",
	}

	for _, in := range inputs {
		once, err := refs.Normalize(in)
		require.NoError(t, err, in)
		twice, err := refs.Normalize(once)
		require.NoError(t, err, once)
		assert.Equal(t, once, twice)
	}
}

func TestNormalizeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"missing type", "acme.http:1.2.0", "no type prefix"},
		{"bare name", "math", "no type prefix"},
		{"bad version", "c:acme.http:v1", "invalid version"},
		{"two segment version", "c:acme.http:1.0", "invalid version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := refs.Normalize(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// Every known type name and shorthand round-trips through Parse with the
// expanded type attached.
func TestParseTypeExpansion(t *testing.T) {
	t.Parallel()

	cases := map[string]refs.Type{
		"catalyst": refs.TypeCatalyst,
		"reagent":  refs.TypeReagent,
		"formula":  refs.TypeFormula,
		"c":        refs.TypeCatalyst,
		"r":        refs.TypeReagent,
		"f":        refs.TypeFormula,
	}

	for alias, want := range cases {
		ref, err := refs.Parse(alias + ":ns.name:1.0.0")
		require.NoError(t, err, alias)
		assert.Equal(t, want, ref.Type, alias)
	}
}

func TestRefEquality(t *testing.T) {
	t.Parallel()

	a, err := refs.Parse("c:acme.http:1.2.0")
	require.NoError(t, err)
	b, err := refs.Parse("catalyst:acme.http:1.2.0")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, a == b, "expanded refs should compare equal with ==")
}

func TestValidVersion(t *testing.T) {
	t.Parallel()

	valid := []string{"latest", "1.0.0", "0.12.3", "10.20.30"}
	invalid := []string{"", "1", "1.0", "v1.0.0", "1.0.0-rc1", "1..0", "a.b.c"}

	for _, v := range valid {
		assert.True(t, refs.ValidVersion(v), v)
	}
	for _, v := range invalid {
		assert.False(t, refs.ValidVersion(v), v)
	}
}

func TestTypePlural(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "catalysts", refs.TypeCatalyst.Plural())
	assert.Equal(t, "reagents", refs.TypeReagent.Plural())
	assert.Equal(t, "formulas", refs.TypeFormula.Plural())
}
