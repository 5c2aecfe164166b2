package matcher

import (
	"fmt"
	"regexp"
	"strings"
)

var paramPattern = regexp.MustCompile(`\\\{([^}]+)\\\}`)

// PathMatcher matches a request path and extracts named captures.
type PathMatcher struct {
	source  string
	literal bool
	re      *regexp.Regexp
	params  []string
}

// LiteralPath compiles a path template such as /users/{id}. Each {name}
// segment matches one non-empty path segment and is captured under name.
func LiteralPath(template string) (*PathMatcher, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, fmt.Errorf("path %q must start with /", template)
	}

	var params []string
	seen := make(map[string]bool)
	var dupErr error

	// Escape special regex characters except for path parameters
	escaped := regexp.QuoteMeta(template)
	result := paramPattern.ReplaceAllStringFunc(escaped, func(match string) string {
		name := match[2 : len(match)-2] // Remove \{ and \}
		if seen[name] && dupErr == nil {
			dupErr = fmt.Errorf("path %q declares {%s} twice", template, name)
		}
		seen[name] = true
		params = append(params, name)
		return `([^/]+)`
	})
	if dupErr != nil {
		return nil, dupErr
	}
	if strings.ContainsAny(template, "{}") && len(params) == 0 {
		return nil, fmt.Errorf("path %q has an unterminated parameter", template)
	}

	re, err := regexp.Compile("^" + result + "$")
	if err != nil {
		return nil, fmt.Errorf("failed to compile path %q: %w", template, err)
	}
	return &PathMatcher{source: template, literal: true, re: re, params: params}, nil
}

// PatternPath compiles a regular expression path. Named groups become
// captures. The expression is anchored at both ends if it is not already.
func PatternPath(expr string) (*PathMatcher, error) {
	anchored := expr
	if !strings.HasPrefix(anchored, "^") {
		anchored = "^" + anchored
	}
	if !strings.HasSuffix(anchored, "$") {
		anchored += "$"
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %q: %w", expr, err)
	}

	var params []string
	for _, name := range re.SubexpNames() {
		if name != "" {
			params = append(params, name)
		}
	}
	return &PathMatcher{source: expr, re: re, params: params}, nil
}

// Match returns the captures when path matches.
func (p *PathMatcher) Match(path string) (Captures, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	if len(p.params) == 0 {
		return Captures{}, true
	}

	caps := make(Captures, len(p.params))
	if p.literal {
		for i, name := range p.params {
			caps[name] = m[i+1]
		}
		return caps, true
	}
	for i, name := range p.re.SubexpNames() {
		if name != "" {
			caps[name] = m[i]
		}
	}
	return caps, true
}

// Params returns the declared capture names in declaration order.
func (p *PathMatcher) Params() []string {
	return p.params
}

// Source returns the path as written.
func (p *PathMatcher) Source() string {
	return p.source
}

// IsLiteral reports whether the matcher was built from a path template.
func (p *PathMatcher) IsLiteral() bool {
	return p.literal
}

// StaticPrefix returns the part of a literal path before its first parameter.
func (p *PathMatcher) StaticPrefix() string {
	if !p.literal {
		return ""
	}
	if i := strings.Index(p.source, "{"); i >= 0 {
		return p.source[:i]
	}
	return p.source
}

// Captures maps capture names to the path segments they matched.
type Captures map[string]string
