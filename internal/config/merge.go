package config

import "sort"

// deepMerge merges src into dst deterministically; later layers win.
// map+map recurses, everything else (scalars, arrays, type conflicts)
// is replaced by src. Bounded by maxDepth to avoid pathological nesting
// in an operator-supplied file (mirrors the teacher's merge.go depth
// guard, trimmed to the single policy this service needs — replace,
// never concat, since config trees here are small and flat).
func deepMerge(dst, src map[string]any, maxDepth int) map[string]any {
	return mergeMap(dst, src, 0, maxDepth)
}

func mergeMap(dst, src map[string]any, depth, maxDepth int) map[string]any {
	if depth >= maxDepth {
		return src
	}
	if dst == nil {
		dst = map[string]any{}
	}
	if src == nil {
		return dst
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for _, k := range keys {
		sv := src[k]
		dv, exists := out[k]
		if !exists {
			out[k] = sv
			continue
		}
		dm, dok := dv.(map[string]any)
		sm, sok := sv.(map[string]any)
		if dok && sok {
			out[k] = mergeMap(dm, sm, depth+1, maxDepth)
			continue
		}
		out[k] = sv
	}
	return out
}
