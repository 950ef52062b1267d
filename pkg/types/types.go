// Package types provides the cache data model shared by the controller,
// the engines and the CLI.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EntryType represents the engine-side type of a cache entry
type EntryType string

const (
	EntryTypeBool          EntryType = "BOOL"
	EntryTypePath          EntryType = "PATH"
	EntryTypeFilePath      EntryType = "FILEPATH"
	EntryTypeString        EntryType = "STRING"
	EntryTypeInternal      EntryType = "INTERNAL"
	EntryTypeStatic        EntryType = "STATIC"
	EntryTypeUninitialized EntryType = "UNINITIALIZED"
)

// Well-known cache entry properties
const (
	PropertyHelpString = "HELPSTRING"
	PropertyAdvanced   = "ADVANCED"
	PropertyStrings    = "STRINGS"
)

// ParseEntryType parses a type name case-insensitively
func ParseEntryType(s string) (EntryType, error) {
	switch t := EntryType(strings.ToUpper(strings.TrimSpace(s))); t {
	case EntryTypeBool, EntryTypePath, EntryTypeFilePath, EntryTypeString,
		EntryTypeInternal, EntryTypeStatic, EntryTypeUninitialized:
		return t, nil
	}
	return "", fmt.Errorf("unknown cache entry type: %q", s)
}

// IsReserved reports whether entries of this type belong to the engine and
// must never be surfaced or reconciled.
func (t EntryType) IsReserved() bool {
	return t == EntryTypeInternal || t == EntryTypeStatic
}

// IsProperty reports whether t is one of the four user-facing types
func (t EntryType) IsProperty() bool {
	switch t {
	case EntryTypeBool, EntryTypePath, EntryTypeFilePath, EntryTypeString:
		return true
	}
	return false
}

// PropertyType maps an engine type onto the user-facing type set.
// Uninitialized and unknown types surface as String.
func (t EntryType) PropertyType() EntryType {
	if t.IsProperty() {
		return t
	}
	return EntryTypeString
}

// ValueKind discriminates CacheValue
type ValueKind int

const (
	ValueKindString ValueKind = iota
	ValueKindBool
)

// CacheValue holds either a bool or a string
type CacheValue struct {
	kind ValueKind
	b    bool
	s    string
}

// BoolValue creates a bool value
func BoolValue(b bool) CacheValue {
	return CacheValue{kind: ValueKindBool, b: b}
}

// StringValue creates a string value
func StringValue(s string) CacheValue {
	return CacheValue{kind: ValueKindString, s: s}
}

// Kind returns the value kind
func (v CacheValue) Kind() ValueKind { return v.kind }

// IsBool reports whether v holds a bool
func (v CacheValue) IsBool() bool { return v.kind == ValueKindBool }

// Bool returns the truth value. String values are interpreted with IsTrue.
func (v CacheValue) Bool() bool {
	if v.kind == ValueKindBool {
		return v.b
	}
	return IsTrue(v.s)
}

// String returns the value as the engine stores it. Bools use the
// canonical ON/OFF encoding.
func (v CacheValue) String() string {
	if v.kind == ValueKindBool {
		return FormatBool(v.b)
	}
	return v.s
}

// MarshalJSON encodes bools as JSON booleans and strings as JSON strings
func (v CacheValue) MarshalJSON() ([]byte, error) {
	if v.kind == ValueKindBool {
		return json.Marshal(v.b)
	}
	return json.Marshal(v.s)
}

// UnmarshalJSON accepts a JSON boolean or string
func (v *CacheValue) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cache value must be a bool or string: %w", err)
	}
	*v = StringValue(s)
	return nil
}

// FormatBool returns the canonical engine encoding of b
func FormatBool(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// IsTrue interprets a cache string as a boolean using the build system's
// conventions: ON, YES, TRUE, Y and non-zero numbers are true.
func IsTrue(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "ON", "YES", "TRUE", "Y":
		return true
	case "", "OFF", "NO", "FALSE", "N", "IGNORE", "NOTFOUND":
		return false
	}
	if strings.HasSuffix(s, "-NOTFOUND") {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0
	}
	return false
}

// CacheEntry is a single build-configuration variable
type CacheEntry struct {
	Key           string     `json:"key"`
	Value         CacheValue `json:"value"`
	Type          EntryType  `json:"type"`
	HelpText      string     `json:"help,omitempty"`
	Advanced      bool       `json:"advanced,omitempty"`
	AllowedValues []string   `json:"allowedValues,omitempty"`
}

// NewEntry builds an entry from an engine string value, converting the
// value to the representation its type requires.
func NewEntry(key, value string, t EntryType) CacheEntry {
	e := CacheEntry{Key: key, Type: t.PropertyType(), Value: StringValue(value)}
	return e.Normalize()
}

// Normalize coerces the value to the representation required by Type:
// Bool entries carry a bool, every other type carries a string.
func (e CacheEntry) Normalize() CacheEntry {
	e.Type = e.Type.PropertyType()
	switch {
	case e.Type == EntryTypeBool && !e.Value.IsBool():
		e.Value = BoolValue(IsTrue(e.Value.s))
	case e.Type != EntryTypeBool && e.Value.IsBool():
		e.Value = StringValue(FormatBool(e.Value.b))
	}
	if e.Type != EntryTypeString {
		e.AllowedValues = nil
	}
	e.AllowedValues = compactValues(e.AllowedValues)
	return e
}

// compactValues drops empty allowed values. They cannot be stored in a
// ;-separated list, so an all-empty list becomes nil.
func compactValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ErrInvalidKey indicates a key no cache file can store
var ErrInvalidKey = errors.New("invalid cache key")

// ValidateKey rejects keys that are empty or contain a double quote or a
// line break.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case strings.ContainsAny(key, "\n\r"):
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidKey, key)
	case strings.Contains(key, `"`):
		return fmt.Errorf("%w: %q contains a double quote", ErrInvalidKey, key)
	}
	return nil
}

// Clone returns a deep copy
func (e CacheEntry) Clone() CacheEntry {
	if e.AllowedValues != nil {
		e.AllowedValues = append([]string(nil), e.AllowedValues...)
	}
	return e
}

// Equal reports whether two entries are identical in every field
func (e CacheEntry) Equal(o CacheEntry) bool {
	if e.Key != o.Key || e.Type != o.Type || e.HelpText != o.HelpText || e.Advanced != o.Advanced {
		return false
	}
	if e.Value.kind != o.Value.kind || e.Value.String() != o.Value.String() {
		return false
	}
	if len(e.AllowedValues) != len(o.AllowedValues) {
		return false
	}
	for i := range e.AllowedValues {
		if e.AllowedValues[i] != o.AllowedValues[i] {
			return false
		}
	}
	return true
}

// PropertySet maps keys to cache entries
type PropertySet map[string]CacheEntry

// NewPropertySet builds a set from entries. Later duplicates win.
func NewPropertySet(entries ...CacheEntry) PropertySet {
	ps := make(PropertySet, len(entries))
	for _, e := range entries {
		ps.Put(e)
	}
	return ps
}

// Put inserts or replaces an entry
func (ps PropertySet) Put(e CacheEntry) {
	ps[e.Key] = e.Normalize()
}

// Get returns the entry for key
func (ps PropertySet) Get(key string) (CacheEntry, bool) {
	e, ok := ps[key]
	return e, ok
}

// Delete removes key
func (ps PropertySet) Delete(key string) {
	delete(ps, key)
}

// Keys returns the keys in sorted order
func (ps PropertySet) Keys() []string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns the entries sorted by key
func (ps PropertySet) Entries() []CacheEntry {
	entries := make([]CacheEntry, 0, len(ps))
	for _, k := range ps.Keys() {
		entries = append(entries, ps[k])
	}
	return entries
}

// Clone returns a deep copy safe to hand to another goroutine
func (ps PropertySet) Clone() PropertySet {
	out := make(PropertySet, len(ps))
	for k, e := range ps {
		out[k] = e.Clone()
	}
	return out
}

// Equal reports whether both sets hold identical entries
func (ps PropertySet) Equal(o PropertySet) bool {
	if len(ps) != len(o) {
		return false
	}
	for k, e := range ps {
		oe, ok := o[k]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}

// Diff describes how to get from one set to another
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the diff has no changes
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares ps (current) against desired
func (ps PropertySet) Diff(desired PropertySet) Diff {
	var d Diff
	for _, k := range desired.Keys() {
		cur, ok := ps[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case !cur.Equal(desired[k]):
			d.Changed = append(d.Changed, k)
		}
	}
	for _, k := range ps.Keys() {
		if _, ok := desired[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	return d
}
