package filter

import (
	"strings"
)

// Options captures the subject keyword configuration.
type Options struct {
	Include []string
	Exclude []string
}

// Filter holds normalized keywords for case-insensitive subject matching.
type Filter struct {
	include []string
	exclude []string
}

// New creates a Filter. Blank keywords are ignored.
func New(opts Options) *Filter {
	return &Filter{
		include: normalize(opts.Include),
		exclude: normalize(opts.Exclude),
	}
}

// Allows reports whether subject passes the include and exclude keywords.
func (f *Filter) Allows(subject string) bool {
	if f == nil {
		return true
	}
	subject = strings.ToLower(subject)
	if len(f.include) > 0 && !containsAny(subject, f.include) {
		return false
	}
	if containsAny(subject, f.exclude) {
		return false
	}
	return true
}

// Passes is the stateless form of Filter.Allows.
func Passes(subject string, include, exclude []string) bool {
	return New(Options{Include: include, Exclude: exclude}).Allows(subject)
}

// SplitKeywords parses a comma separated keyword list.
func SplitKeywords(list string) []string {
	var out []string
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func normalize(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out = append(out, k)
	}
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
