package inventory

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Stats is the entries/nestedStats tree the stats endpoints return.
type Stats struct {
	Entries map[string]StatEntry `json:"entries"`
}

// StatEntry is one node of a Stats tree: either a leaf with a description
// or value, or a container with nested stats.
type StatEntry struct {
	NestedStats *Stats `json:"nestedStats"`
	Description string `json:"description"`
	Value       any    `json:"value"`
}

// Text returns the description, or the value when there is none.
func (e StatEntry) Text() string {
	if e.Description != "" {
		return e.Description
	}
	return scalar(e.Value)
}

// Keys returns the entry names in sorted order.
func (s *Stats) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Children returns the nested stats of every entry whose name contains
// substr, in key order.
func (s *Stats) Children(substr string) []*Stats {
	var out []*Stats
	for _, k := range s.Keys() {
		if e := s.Entries[k]; strings.Contains(k, substr) && e.NestedStats != nil {
			out = append(out, e.NestedStats)
		}
	}
	return out
}

// Find descends through entries whose names contain each container
// element of path and returns the leaf named by the last element.
func (s *Stats) Find(path ...string) (StatEntry, bool) {
	if s == nil || len(path) == 0 {
		return StatEntry{}, false
	}
	if len(path) == 1 {
		e, ok := s.Entries[path[0]]
		return e, ok
	}
	for _, child := range s.Children(path[0]) {
		if e, ok := child.Find(path[1:]...); ok {
			return e, true
		}
	}
	return StatEntry{}, false
}

// Leaves calls fn for every leaf one level below each top-level entry, in
// key order, until fn returns false.
func (s *Stats) Leaves(fn func(name string, e StatEntry) bool) {
	for _, nested := range s.Children("") {
		for _, k := range nested.Keys() {
			if !fn(k, nested.Entries[k]) {
				return
			}
		}
	}
}

func decodeStats(raw []byte) (*Stats, error) {
	var s Stats
	if err := unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeTree(raw []byte) (any, error) {
	var v any
	if err := unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return ""
}

// FindValue searches a decoded JSON tree for key, depth first with map keys
// in sorted order. A matching object yields its description.
func FindValue(tree any, key string) (string, bool) {
	switch t := tree.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := t[k]
			if k == key {
				if m, ok := v.(map[string]any); ok {
					if d, ok := m["description"].(string); ok && d != "" {
						return d, true
					}
				} else if s := scalar(v); s != "" {
					return s, true
				}
			}
			if s, ok := FindValue(v, key); ok {
				return s, true
			}
		}
	case []any:
		for _, v := range t {
			if s, ok := FindValue(v, key); ok {
				return s, true
			}
		}
	}
	return "", false
}

// ChassisSerial reads the chassis serial from a sys/hardware payload.
func ChassisSerial(hw *Stats) (string, bool) {
	e, ok := hw.Find("system-info", "system-info/0", "bigipChassisSerialNum")
	if !ok || e.Text() == "" {
		return "", false
	}
	return e.Text(), true
}

// Platform reads the platform id from a sys/hardware payload.
func Platform(hw *Stats) (string, bool) {
	e, ok := hw.Find("system-info", "system-info/0", "platform")
	if !ok || e.Description == "" {
		return "", false
	}
	return e.Description, true
}

// RegistrationKey reads the registration key from a sys/license payload.
// "-" and blank values count as missing.
func RegistrationKey(lic *Stats) (string, bool) {
	for _, nested := range lic.Children("license") {
		for _, name := range nested.Keys() {
			if !strings.Contains(strings.ToLower(name), "registration") {
				continue
			}
			key := strings.TrimSpace(nested.Entries[name].Description)
			if key != "" && key != "-" {
				return key, true
			}
		}
	}
	return "", false
}

// TMOSVersion reads the Version description from a sys/version payload.
func TMOSVersion(v *Stats) (string, bool) {
	for _, nested := range v.Children("") {
		if e, ok := nested.Entries["Version"]; ok && e.Description != "" && e.Description != NotAvailable {
			return e.Description, true
		}
	}
	return "", false
}

// Volume is one software boot location.
type Volume struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Product string `json:"product"`
	Active  bool   `json:"active"`
}

// Hotfix is one installed hotfix image.
type Hotfix struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version string `json:"version"`
	Product string `json:"product"`
}

type collection[T any] struct {
	Items []T `json:"items"`
}

func decodeItems[T any](raw []byte) ([]T, error) {
	var c collection[T]
	if err := unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c.Items, nil
}
