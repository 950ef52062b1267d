package cmake

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/poltergeist/cmakectl/pkg/types"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// CacheFileName is the cache file inside a binary directory
const CacheFileName = "CMakeCache.txt"

// PropertyModified marks entries edited since the last configure
const PropertyModified = "MODIFIED"

// Internal rows that carry a property of another entry
var propertySuffixes = map[string]string{
	"-ADVANCED": types.PropertyAdvanced,
	"-STRINGS":  types.PropertyStrings,
	"-MODIFIED": PropertyModified,
}

var (
	quotedEntryRe = regexp.MustCompile(`^"([^"]*)":([^=]*)=(.*)$`)
	typedEntryRe  = regexp.MustCompile(`^([^=:]*):([^=]*)=(.*)$`)
	plainEntryRe  = regexp.MustCompile(`^([^=]*)=(.*)$`)
)

const helpWrapWidth = 70

// Entry is a single row of a cache file together with its properties
type Entry struct {
	Key        string
	Value      string
	Type       types.EntryType
	Properties map[string]string
}

// Help returns the HELPSTRING property
func (e *Entry) Help() string {
	return e.Properties[types.PropertyHelpString]
}

// Cache is the in-memory form of a CMakeCache.txt file
type Cache struct {
	entries map[string]*Entry
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Len returns the number of entries
func (c *Cache) Len() int {
	return len(c.entries)
}

// Keys returns all keys in sorted order
func (c *Cache) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the entry for key
func (c *Cache) Get(key string) (*Entry, bool) {
	e, ok := c.entries[key]
	return e, ok
}

// Set adds or replaces an entry
func (c *Cache) Set(key, value, help string, t types.EntryType) *Entry {
	e, ok := c.entries[key]
	if !ok {
		e = &Entry{Key: key, Properties: make(map[string]string)}
		c.entries[key] = e
	}
	e.Value = value
	e.Type = t
	e.Properties[types.PropertyHelpString] = help
	return e
}

// Remove deletes key
func (c *Cache) Remove(key string) {
	delete(c.entries, key)
}

// ReadCacheFile loads the cache of binaryDir. A missing file yields an
// empty cache.
func ReadCacheFile(binaryDir string) (*Cache, error) {
	f, err := os.Open(filepath.Join(binaryDir, CacheFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return NewCache(), nil
		}
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	defer f.Close()

	return ParseCache(f)
}

// WriteCacheFile replaces the cache file of binaryDir
func WriteCacheFile(binaryDir string, c *Cache) error {
	var buf bytes.Buffer
	if err := c.Write(&buf, binaryDir); err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(binaryDir, CacheFileName), buf.Bytes(), 0o644)
}

// ParseCache reads the CMakeCache.txt format: "//" help lines followed by
// KEY:TYPE=VALUE rows, with KEY-ADVANCED, KEY-STRINGS and KEY-MODIFIED
// internal rows folded into the properties of KEY.
func ParseCache(r io.Reader) (*Cache, error) {
	c := NewCache()
	props := make(map[string]map[string]string)

	var help strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimLeft(scanner.Text(), " \t")
		line = strings.TrimRight(line, "\r")

		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, `//\n`):
			help.WriteString("\n")
			help.WriteString(line[4:])
			continue
		case strings.HasPrefix(line, "//"):
			help.WriteString(line[2:])
			continue
		}

		key, value, t, err := parseEntryLine(line)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Text: line}
		}

		if t == types.EntryTypeInternal {
			if base, prop, ok := splitPropertyKey(key); ok {
				if props[base] == nil {
					props[base] = make(map[string]string)
				}
				props[base][prop] = value
				help.Reset()
				continue
			}
		}

		c.Set(key, value, help.String(), t)
		help.Reset()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	for base, p := range props {
		e, ok := c.entries[base]
		if !ok {
			// keep orphaned property rows as plain internal entries
			for prop, v := range p {
				c.Set(base+"-"+prop, v, "", types.EntryTypeInternal)
			}
			continue
		}
		for prop, v := range p {
			e.Properties[prop] = v
		}
	}

	return c, nil
}

func parseEntryLine(line string) (key, value string, t types.EntryType, err error) {
	var typeName string
	if m := quotedEntryRe.FindStringSubmatch(line); m != nil {
		key, typeName, value = m[1], m[2], m[3]
	} else if m := typedEntryRe.FindStringSubmatch(line); m != nil {
		key, typeName, value = m[1], m[2], m[3]
	} else if m := plainEntryRe.FindStringSubmatch(line); m != nil {
		key, value = m[1], m[2]
		typeName = string(types.EntryTypeUninitialized)
	} else {
		return "", "", "", fmt.Errorf("no entry")
	}

	if key == "" {
		return "", "", "", fmt.Errorf("empty key")
	}
	t, err = types.ParseEntryType(typeName)
	if err != nil {
		// unknown type names are treated as STRING
		t = types.EntryTypeString
	}

	value = strings.TrimRight(value, " \t")
	if len(value) >= 2 && strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") {
		value = value[1 : len(value)-1]
	}
	return key, value, t, nil
}

func splitPropertyKey(key string) (base, prop string, ok bool) {
	for suffix, name := range propertySuffixes {
		if strings.HasSuffix(key, suffix) && len(key) > len(suffix) {
			return strings.TrimSuffix(key, suffix), name, true
		}
	}
	return "", "", false
}

// Write serializes the cache. External entries come first, followed by
// property rows and internal entries, each group sorted by key.
func (c *Cache) Write(w io.Writer, binaryDir string) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# This is the CMakeCache file.\n")
	fmt.Fprintf(bw, "# For build in directory: %s\n", binaryDir)
	fmt.Fprintf(bw, "# It was written by cmakectl.\n")
	fmt.Fprintf(bw, "# You can edit this file to change values found and used by cmake.\n")
	fmt.Fprintf(bw, "# The syntax for the file is as follows:\n")
	fmt.Fprintf(bw, "# KEY:TYPE=VALUE\n")
	fmt.Fprintf(bw, "# KEY is the name of a variable in the cache.\n")
	fmt.Fprintf(bw, "# TYPE is a hint to GUIs for the type of VALUE, DO NOT EDIT TYPE!.\n")
	fmt.Fprintf(bw, "# VALUE is the current value for the KEY.\n\n")

	fmt.Fprintf(bw, "########################\n# EXTERNAL cache entries\n########################\n\n")
	keys := c.Keys()
	for _, key := range keys {
		e := c.entries[key]
		if e.Type == types.EntryTypeInternal {
			continue
		}
		writeHelp(bw, e.Help())
		writeRow(bw, key, e.Type, e.Value)
		bw.WriteString("\n")
	}

	fmt.Fprintf(bw, "\n########################\n# INTERNAL cache entries\n########################\n\n")
	for _, key := range keys {
		e := c.entries[key]
		writeProperties(bw, e)
		if e.Type != types.EntryTypeInternal {
			continue
		}
		writeHelp(bw, e.Help())
		writeRow(bw, key, e.Type, e.Value)
		bw.WriteString("\n")
	}

	return bw.Flush()
}

func writeProperties(w *bufio.Writer, e *Entry) {
	if v, ok := e.Properties[types.PropertyAdvanced]; ok && types.IsTrue(v) {
		writeHelp(w, "ADVANCED property for variable: "+e.Key)
		writeRow(w, e.Key+"-ADVANCED", types.EntryTypeInternal, "1")
	}
	if v, ok := e.Properties[PropertyModified]; ok && types.IsTrue(v) {
		writeHelp(w, "MODIFIED property for variable: "+e.Key)
		writeRow(w, e.Key+"-MODIFIED", types.EntryTypeInternal, "ON")
	}
	if v := e.Properties[types.PropertyStrings]; v != "" {
		writeHelp(w, "STRINGS property for variable: "+e.Key)
		writeRow(w, e.Key+"-STRINGS", types.EntryTypeInternal, v)
	}
}

func writeHelp(w *bufio.Writer, help string) {
	if help == "" {
		w.WriteString("//\n")
		return
	}
	help = strings.ReplaceAll(help, "\r\n", "\n")
	help = strings.ReplaceAll(help, "\r", "\n")
	for i, line := range strings.Split(help, "\n") {
		prefix := "//"
		if i > 0 {
			prefix = `//\n`
		}
		for len(line) > helpWrapWidth {
			cut := helpWrapWidth
			// a continuation must not start with a literal \n marker
			if strings.HasPrefix(line[cut:], `\n`) {
				cut--
			}
			w.WriteString(prefix + line[:cut] + "\n")
			line = line[cut:]
			prefix = "//"
		}
		w.WriteString(prefix + line + "\n")
	}
}

// writeRow quotes keys the unquoted form cannot carry. Values are cut at
// the first line break.
func writeRow(w *bufio.Writer, key string, t types.EntryType, value string) {
	if needsQuotes(key) {
		key = `"` + key + `"`
	}
	if i := strings.IndexAny(value, "\r\n"); i >= 0 {
		value = value[:i]
	}
	if value != "" && (strings.HasSuffix(value, " ") || strings.HasSuffix(value, "\t") || strings.HasPrefix(value, "'")) {
		value = "'" + value + "'"
	}
	fmt.Fprintf(w, "%s:%s=%s\n", key, t, value)
}

func needsQuotes(key string) bool {
	return strings.ContainsAny(key, ":=") ||
		strings.HasPrefix(key, "#") ||
		strings.HasPrefix(key, "//") ||
		strings.TrimSpace(key) != key
}
