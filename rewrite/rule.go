// Package rewrite maps URLs printed on old tags onto their new home.
package rewrite

import (
	"regexp"
	"strings"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
)

const (
	// DefaultPattern matches item links served from the legacy LAN host.
	DefaultPattern = `^https?://10\.0\.0\.\d+(?::\d+)?/+item/(.+)$`
	// DefaultTarget is the base the captured item id is appended to.
	DefaultTarget = "https://your-domain.com/item/"
)

// Rule is a regex with one capture group plus the base URL that receives
// the captured text. The zero value never rewrites.
type Rule struct {
	Pattern string `json:"source_pattern"`
	Target  string `json:"target_base_url"`
}

// DefaultRule returns the rule used when no settings file exists.
func DefaultRule() Rule {
	return Rule{Pattern: DefaultPattern, Target: DefaultTarget}
}

// IsConfigured reports whether both halves of the rule are set.
func (r Rule) IsConfigured() bool {
	return r.Pattern != "" && r.Target != ""
}

// Rewrite returns the rewritten URL and true when the pattern matches.
// A pattern that does not compile behaves like a non-match.
func (r Rule) Rewrite(url string) (string, bool) {
	if !r.IsConfigured() {
		return url, false
	}

	re, err := compile(r.Pattern)
	if err != nil {
		return url, false
	}

	m := re.FindStringSubmatch(url)
	if m == nil || len(m) < 2 {
		return url, false
	}

	return strings.TrimRight(r.Target, "/") + "/" + m[1], true
}

// Validate reports the compile error of the pattern, if any. The tag
// handling path never calls it; settings editors do.
func (r Rule) Validate() error {
	if r.Pattern == "" {
		return nil
	}
	_, err := compile(r.Pattern)
	return err
}

// TestResult is what a settings editor shows next to a sample URL.
type TestResult struct {
	Input     string `json:"input"`
	Output    string `json:"output"`
	Rewritten bool   `json:"rewritten"`
	Error     string `json:"error,omitempty"`
}

// Test runs the rule against a sample URL and reports compile errors
// instead of hiding them.
func (r Rule) Test(url string) TestResult {
	res := TestResult{Input: url, Output: url}
	if err := r.Validate(); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Output, res.Rewritten = r.Rewrite(url)
	return res
}

// compiled patterns are cached; rules are rebuilt from settings often but
// only a handful of distinct patterns exist over a process lifetime.
var (
	cacheMu syncutil.Mutex
	cache   = map[string]*regexp.Regexp{}
)

func compile(pattern string) (*regexp.Regexp, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if re, ok := cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	cache[pattern] = re
	return re, nil
}

// CleanURL drops stray characters pasted in front of an http(s) scheme,
// e.g. "ahttps://x" becomes "https://x".
func CleanURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	for _, prefix := range []string{"https://", "http://"} {
		if pos := strings.Index(s, prefix); pos > 0 {
			return s[pos:]
		}
	}
	return s
}

// EnsureScheme cleans the URL and prefixes https:// when no scheme is left.
func EnsureScheme(raw string) string {
	s := CleanURL(raw)
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return "https://" + s
	}
	return s
}
