// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"

	"github.com/cyfrworks/cyfr/pkg/refs"
)

// ErrInvalidMagic rejects bytes that are not a WASM module.
var ErrInvalidMagic = errors.New("invalid magic bytes: not a wasm module")

var (
	wasmMagic   = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

const exportSectionID = 7

// ValidateModule checks the 8-byte module header: the magic and the core
// binary version.
func ValidateModule(data []byte) error {
	if len(data) < 8 || !bytes.Equal(data[:4], wasmMagic) {
		return ErrInvalidMagic
	}
	if !bytes.Equal(data[4:8], wasmVersion) {
		return fmt.Errorf("%w: unsupported wasm version %x", ErrInvalidMagic, data[4:8])
	}
	return nil
}

// Digest returns the content address of the artifact: sha256:<hex>.
func Digest(data []byte) string {
	return godigest.FromBytes(data).String()
}

// ParseExports walks the module's sections and returns the names in the
// export section, in declaration order. A module without an export section
// yields an empty slice.
func ParseExports(data []byte) ([]string, error) {
	if err := ValidateModule(data); err != nil {
		return nil, err
	}

	r := bytes.NewReader(data[8:])
	for {
		id, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return []string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading section id: %w", err)
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("reading section size: %w", err)
		}
		if uint64(r.Len()) < size {
			return nil, fmt.Errorf("section %d overruns module by %d bytes", id, size-uint64(r.Len()))
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading section %d: %w", id, err)
		}
		if id == exportSectionID {
			return parseExportNames(payload)
		}
	}
}

// parseExportNames decodes the export section payload: a vector of
// (name, kind, index) entries.
func parseExportNames(payload []byte) ([]string, error) {
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading export count: %w", err)
	}
	// Each entry takes at least three bytes, so a count beyond that is
	// corrupt rather than just large.
	if count > uint64(r.Len())/3+1 {
		return nil, fmt.Errorf("export count %d exceeds section size", count)
	}

	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("reading export %d name length: %w", i, err)
		}
		if nameLen > uint64(r.Len()) {
			return nil, fmt.Errorf("export %d name overruns section", i)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("reading export %d name: %w", i, err)
		}
		if _, err := r.ReadByte(); err != nil { // kind
			return nil, fmt.Errorf("reading export %d kind: %w", i, err)
		}
		if _, err := binary.ReadUvarint(r); err != nil { // index
			return nil, fmt.Errorf("reading export %d index: %w", i, err)
		}
		names = append(names, string(name))
	}
	return names, nil
}

// InferType suggests a component type from the export surface: an `execute`
// entry point marks a formula, network-flavored exports mark a catalyst,
// anything else is a pure reagent.
func InferType(exports []string) refs.Type {
	for _, name := range exports {
		if name == "execute" {
			return refs.TypeFormula
		}
	}
	for _, name := range exports {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "http") || strings.Contains(lower, "socket") {
			return refs.TypeCatalyst
		}
	}
	return refs.TypeReagent
}
