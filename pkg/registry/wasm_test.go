// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/pkg/refs"
)

// buildWASM assembles a minimal core module whose export section carries the
// given names, each as a function export.
func buildWASM(exports ...string) []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if len(exports) == 0 {
		return module
	}

	var payload []byte
	payload = binary.AppendUvarint(payload, uint64(len(exports)))
	for _, name := range exports {
		payload = binary.AppendUvarint(payload, uint64(len(name)))
		payload = append(payload, name...)
		payload = append(payload, 0x00)            // kind: func
		payload = binary.AppendUvarint(payload, 0) // index
	}

	module = append(module, exportSectionID)
	module = binary.AppendUvarint(module, uint64(len(payload)))
	return append(module, payload...)
}

func TestValidateModule(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateModule(buildWASM()))
	require.NoError(t, ValidateModule(buildWASM("run")))

	require.ErrorIs(t, ValidateModule(nil), ErrInvalidMagic)
	require.ErrorIs(t, ValidateModule([]byte("\x00asm")), ErrInvalidMagic, "truncated header")
	require.ErrorIs(t, ValidateModule([]byte("not-wasm-at-all")), ErrInvalidMagic)

	wrongVersion := buildWASM()
	wrongVersion[4] = 0x02
	require.ErrorIs(t, ValidateModule(wrongVersion), ErrInvalidMagic)
}

func TestParseExports(t *testing.T) {
	t.Parallel()

	exports, err := ParseExports(buildWASM("transform", "helper", "memory"))
	require.NoError(t, err)
	assert.Equal(t, []string{"transform", "helper", "memory"}, exports)

	exports, err = ParseExports(buildWASM())
	require.NoError(t, err)
	assert.Empty(t, exports)

	// A section that claims more bytes than the module has is corrupt.
	truncated := buildWASM("transform")
	truncated = truncated[:len(truncated)-3]
	_, err = ParseExports(truncated)
	require.Error(t, err)
}

func TestInferType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, refs.TypeFormula, InferType([]string{"execute"}))
	assert.Equal(t, refs.TypeFormula, InferType([]string{"http_get", "execute"}), "execute wins over network hints")
	assert.Equal(t, refs.TypeCatalyst, InferType([]string{"http_request"}))
	assert.Equal(t, refs.TypeCatalyst, InferType([]string{"open_socket"}))
	assert.Equal(t, refs.TypeReagent, InferType([]string{"transform", "memory"}))
	assert.Equal(t, refs.TypeReagent, InferType(nil))
}

func TestDigest(t *testing.T) {
	t.Parallel()

	d := Digest([]byte("abc"))
	assert.True(t, strings.HasPrefix(d, "sha256:"))
	assert.Len(t, d, len("sha256:")+64)
	assert.Equal(t, d, Digest([]byte("abc")))
	assert.NotEqual(t, d, Digest([]byte("abd")))
}
