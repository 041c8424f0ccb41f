// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// =============================================================================
// COMPLIANCE TAGS
// =============================================================================

// ComplianceTag identifies a certification a model may hold (HIPAA, SOC2, ...).
// Tags are compared purely by set membership.
type ComplianceTag string

// CanonicalTag trims and upper-cases a raw tag so "hipaa" and " HIPAA " are
// the same tag. Casers are not safe for concurrent use, so one is built per call.
func CanonicalTag(raw string) ComplianceTag {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return ComplianceTag(cases.Upper(language.Und).String(trimmed))
}

// TagSet is an unordered set of compliance tags.
// The zero value (nil) is an empty set that is safe to read.
type TagSet map[ComplianceTag]struct{}

// NewTagSet builds a set from raw strings, canonicalising each and dropping blanks.
func NewTagSet(raw ...string) TagSet {
	set := make(TagSet, len(raw))
	for _, r := range raw {
		if tag := CanonicalTag(r); tag != "" {
			set[tag] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set contains tag.
func (s TagSet) Has(tag ComplianceTag) bool {
	_, ok := s[tag]
	return ok
}

// Len returns the number of tags.
func (s TagSet) Len() int {
	return len(s)
}

// Union returns a new set holding every tag of s and other.
func (s TagSet) Union(other TagSet) TagSet {
	out := make(TagSet, len(s)+len(other))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// Covers reports whether s is a superset of required.
func (s TagSet) Covers(required TagSet) bool {
	for t := range required {
		if !s.Has(t) {
			return false
		}
	}
	return true
}

// Missing returns the tags of required that s lacks, sorted.
func (s TagSet) Missing(required TagSet) []ComplianceTag {
	var missing []ComplianceTag
	for t := range required {
		if !s.Has(t) {
			missing = append(missing, t)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Intersect counts how many tags of other are also in s.
func (s TagSet) Intersect(other TagSet) int {
	n := 0
	for t := range other {
		if s.Has(t) {
			n++
		}
	}
	return n
}

// Sorted returns the tags in lexicographic order.
func (s TagSet) Sorted() []ComplianceTag {
	out := make([]ComplianceTag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted tags as plain strings.
func (s TagSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = string(t)
	}
	return out
}

// String renders the set as "A,B,C" (or "-" when empty).
func (s TagSet) String() string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s.Strings(), ",")
}

// Clone returns an independent copy.
func (s TagSet) Clone() TagSet {
	return s.Union(nil)
}

// MarshalJSON encodes the set as a sorted array so serialized decisions and
// catalogs are byte-stable.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes an array of tags, canonicalising each.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewTagSet(raw...)
	return nil
}
