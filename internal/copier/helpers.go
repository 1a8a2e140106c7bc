package copier

import "sort"

// union returns the sorted set of keys in a or b.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// subtract returns the keys of a that are not in b, in a's order.
func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, k := range b {
		drop[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
