package frontier

import "strings"

// hostFilter matches hosts against exact names and "*.suffix" / ".suffix"
// wildcards taken from configuration.
type hostFilter struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostFilter(patterns []string) *hostFilter {
	f := &hostFilter{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			f.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			f.addSuffix(strings.TrimPrefix(value, "."))
		default:
			f.exact[value] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.suffixes) == 0 {
		return nil
	}
	return f
}

func (f *hostFilter) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range f.suffixes {
		if existing == suffix {
			return
		}
	}
	f.suffixes = append(f.suffixes, suffix)
}

// Match reports whether host is covered by the filter. A nil filter matches
// nothing.
func (f *hostFilter) Match(host string) bool {
	if f == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := f.exact[host]; ok {
		return true
	}
	for _, suffix := range f.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
