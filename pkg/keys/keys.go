// Package keys derives the lookup keys a filename is recorded under.
package keys

import "strings"

// Variants returns the name unchanged, with dashes turned into spaces and
// with spaces turned into dashes, in that order, dropping repeats. Only one
// substitution is applied per candidate.
func Variants(name string) []string {
	candidates := [3]string{
		name,
		strings.ReplaceAll(name, "-", " "),
		strings.ReplaceAll(name, " ", "-"),
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Canon is the case and path insensitive key: final path segment, trimmed,
// lower-cased.
func Canon(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// KeySet is Variants(name) plus Canon(name).
func KeySet(name string) []string {
	set := Variants(name)
	if c := Canon(name); !contains(set, c) {
		set = append(set, c)
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
