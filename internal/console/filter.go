package console

import (
	"fmt"
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// StripANSI removes terminal color and cursor sequences.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}

// Predicate reports whether a cleaned line should be kept.
type Predicate func(line string) bool

// Filter decides which console lines reach the chat console channel.
// Lines are cleaned first, then every predicate must keep them.
type Filter struct {
	chain []Predicate
}

type FilterConfig struct {
	// Ignore drops lines matching any pattern.
	Ignore []string
	// Allow, when set, keeps only lines matching at least one pattern.
	Allow []string
	// EchoMarkers drops lines containing any marker. Used to keep the
	// bridge's own console relay logs from feeding back into it.
	EchoMarkers []string
}

func NewFilter(cfg FilterConfig) (*Filter, error) {
	deny, err := compileAll(cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("console ignore: %w", err)
	}
	allow, err := compileAll(cfg.Allow)
	if err != nil {
		return nil, fmt.Errorf("console allow: %w", err)
	}

	f := &Filter{}
	f.chain = append(f.chain, func(line string) bool { return strings.TrimSpace(line) != "" })
	if markers := nonEmpty(cfg.EchoMarkers); len(markers) > 0 {
		f.chain = append(f.chain, func(line string) bool {
			for _, m := range markers {
				if strings.Contains(line, m) {
					return false
				}
			}
			return true
		})
	}
	if len(deny) > 0 {
		f.chain = append(f.chain, func(line string) bool { return !matchAny(deny, line) })
	}
	if len(allow) > 0 {
		f.chain = append(f.chain, func(line string) bool { return matchAny(allow, line) })
	}
	return f, nil
}

// Apply returns the cleaned line and whether to keep it.
func (f *Filter) Apply(line string) (string, bool) {
	line = strings.TrimRight(StripANSI(line), "\r\n\t ")
	if f == nil {
		return line, strings.TrimSpace(line) != ""
	}
	for _, keep := range f.chain {
		if !keep(line) {
			return "", false
		}
	}
	return line, true
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range nonEmpty(patterns) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
