// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Redacted replaces every secret occurrence in masked output.
const Redacted = "[REDACTED]"

// minMaskLength keeps short secrets from scrubbing common literals.
const minMaskLength = 4

// Masker scrubs known secret plaintexts, and their common encodings, from
// execution outputs before they are persisted or returned.
type Masker struct {
	needles []string
}

// NewMasker registers the plaintext secrets to scrub. Each secret of
// length >= 4 contributes its plaintext plus standard base64, URL-safe
// base64 (padded and raw), and lower/upper hexadecimal encodings.
func NewMasker(plaintexts []string) *Masker {
	seen := map[string]bool{}
	var needles []string
	add := func(s string) {
		if len(s) >= minMaskLength && !seen[s] {
			seen[s] = true
			needles = append(needles, s)
		}
	}

	for _, p := range plaintexts {
		if len(p) < minMaskLength {
			continue
		}
		add(p)
		add(base64.StdEncoding.EncodeToString([]byte(p)))
		add(base64.RawStdEncoding.EncodeToString([]byte(p)))
		add(base64.URLEncoding.EncodeToString([]byte(p)))
		add(base64.RawURLEncoding.EncodeToString([]byte(p)))
		add(hex.EncodeToString([]byte(p)))
		add(strings.ToUpper(hex.EncodeToString([]byte(p))))
	}
	return &Masker{needles: needles}
}

// Empty reports whether the masker has nothing to scrub.
func (m *Masker) Empty() bool {
	return len(m.needles) == 0
}

// MaskString scrubs every registered needle from s.
func (m *Masker) MaskString(s string) string {
	for _, needle := range m.needles {
		s = strings.ReplaceAll(s, needle, Redacted)
	}
	return s
}

// Mask scrubs a value of any shape. JSON-encodable values take a
// round-trip through JSON so nested maps and lists are covered; anything
// else falls back to direct recursion.
func (m *Masker) Mask(v any) any {
	if m.Empty() || v == nil {
		return v
	}

	data, err := json.Marshal(v)
	if err != nil {
		return m.maskDirect(v)
	}
	var decoded any
	if err := json.Unmarshal([]byte(m.MaskString(string(data))), &decoded); err != nil {
		return m.maskDirect(v)
	}
	return decoded
}

func (m *Masker) maskDirect(v any) any {
	switch vv := v.(type) {
	case string:
		return m.MaskString(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = m.maskDirect(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[m.MaskString(k)] = m.maskDirect(item)
		}
		return out
	default:
		return vv
	}
}
