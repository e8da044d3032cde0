// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestFilename is the optional metadata file kept beside an artifact.
const ManifestFilename = "component.yaml"

// Manifest is the developer-authored metadata for a filesystem component.
// Identity (name, version, type, publisher) always comes from the directory
// layout; the manifest only decorates it.
type Manifest struct {
	Name        string   `yaml:"name,omitempty"`
	Version     string   `yaml:"version,omitempty"`
	Type        string   `yaml:"type,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	License     string   `yaml:"license,omitempty"`
}

// ParseManifest decodes component.yaml bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestFilename, err)
	}
	return &m, nil
}
