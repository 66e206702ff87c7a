package sortutil

import "sort"

// SortedKeys returns the keys of m in lexicographic order.
func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetToSorted materializes a string set as a sorted slice. Empty sets yield nil.
func SetToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	return SortedKeys(set)
}
