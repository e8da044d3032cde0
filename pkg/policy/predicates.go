// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import "strings"

// AllowsDomain reports whether egress to the host is permitted: an exact
// entry, or a *.suffix entry where the candidate is X.suffix with a
// non-empty X. The bare suffix never matches its own wildcard.
func (p *HostPolicy) AllowsDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, pattern := range p.AllowedDomains {
		pattern = strings.ToLower(pattern)
		if pattern == domain {
			return true
		}
		suffix, ok := strings.CutPrefix(pattern, "*.")
		if !ok {
			continue
		}
		head, ok := strings.CutSuffix(domain, "."+suffix)
		if ok && head != "" {
			return true
		}
	}
	return false
}

// AllowsMethod reports whether the HTTP verb is listed.
func (p *HostPolicy) AllowsMethod(method string) bool {
	for _, m := range p.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// AllowsTool reports whether a tool name matches the pattern list: exact
// names or prefix.* wildcards matching any name under prefix. An empty
// list denies everything.
func (p *HostPolicy) AllowsTool(name string) bool {
	for _, pattern := range p.AllowedTools {
		if pattern == name {
			return true
		}
		prefix, ok := strings.CutSuffix(pattern, ".*")
		if ok && strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

// AllowsStoragePath reports whether the path is permitted. An empty list
// allows everything; otherwise the path must start with a listed prefix.
func (p *HostPolicy) AllowsStoragePath(path string) bool {
	if len(p.AllowedStoragePaths) == 0 {
		return true
	}
	for _, prefix := range p.AllowedStoragePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
