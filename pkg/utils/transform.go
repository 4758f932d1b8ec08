package utils

import (
	"strings"
)

// Dedup removes duplicate entries, ignoring trailing slashes (endpoint lists).
func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" {
			continue
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// SplitList splits a comma separated env value.
func SplitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return Dedup(strings.Split(v, ","))
}
