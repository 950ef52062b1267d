package utils

import (
	"path"
	"regexp"
	"strings"
)

// PatternMatcher matches slash-separated relative paths against globs.
// A pattern without a slash matches the base name at any depth; "**"
// spans directories.
type PatternMatcher struct {
	patterns []string
	regexps  []*regexp.Regexp
}

// NewPatternMatcher compiles patterns
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{
		patterns: make([]string, 0, len(patterns)),
		regexps:  make([]*regexp.Regexp, 0, len(patterns)),
	}

	for _, p := range patterns {
		p = NormalizePattern(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			p = "**/" + p
		}
		re, err := globToRegex(p)
		if err != nil {
			return nil, err
		}
		pm.patterns = append(pm.patterns, p)
		pm.regexps = append(pm.regexps, re)
	}

	return pm, nil
}

// Patterns returns the compiled patterns
func (pm *PatternMatcher) Patterns() []string {
	return append([]string(nil), pm.patterns...)
}

// Match checks if a path matches any pattern
func (pm *PatternMatcher) Match(p string) bool {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "./")
	for _, re := range pm.regexps {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// globToRegex converts a glob pattern to an anchored regular expression
func globToRegex(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '*' && strings.HasPrefix(pattern[i:], "**/"):
			// zero or more leading directories
			b.WriteString("(?:.*/)?")
			i += 2
		case c == '*' && strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case c == '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}

// IsGlobPattern checks if a string contains glob wildcards
func IsGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// NormalizePattern converts separators to slashes and trims ./ and a
// trailing slash
func NormalizePattern(pattern string) string {
	pattern = strings.TrimSpace(strings.ReplaceAll(pattern, "\\", "/"))
	pattern = strings.TrimPrefix(pattern, "./")
	return strings.TrimSuffix(pattern, "/")
}

// DefaultBuildScriptPatterns are the files whose changes require a new
// configure run
func DefaultBuildScriptPatterns() []string {
	return []string{"CMakeLists.txt", "*.cmake", "CMakePresets.json", "CMakeUserPresets.json"}
}

// DefaultExclusions are directory names never worth watching
func DefaultExclusions() []string {
	return []string{".git", ".svn", ".hg", ".cache", ".idea", ".vscode", ".vs", "node_modules", "CMakeFiles"}
}
