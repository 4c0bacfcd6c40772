package mirror

import (
	"reflect"
	"sort"
	"strconv"

	"github.com/roach88/livesync/internal/ir"
)

// Diff returns a mutation batch that turns before into after when applied
// with Apply. Unchanged subtrees produce no mutations; map keys are visited
// in sorted order so the batch is deterministic.
func Diff(before, after any) []ir.Mutation {
	var out []ir.Mutation
	diff(nil, before, after, &out)
	return out
}

func diff(path []string, before, after any, out *[]ir.Mutation) {
	switch b := before.(type) {
	case map[string]any:
		if a, ok := after.(map[string]any); ok {
			diffMaps(path, b, a, out)
			return
		}
	case []any:
		if a, ok := after.([]any); ok {
			diffLists(path, b, a, out)
			return
		}
	}
	if !reflect.DeepEqual(before, after) {
		*out = append(*out, ir.Mutation{Type: ir.MutationSet, Path: clonePath(path), Value: Clone(after)})
	}
}

func diffMaps(path []string, before, after map[string]any, out *[]ir.Mutation) {
	for _, k := range sortedKeys(before) {
		if _, ok := after[k]; !ok {
			*out = append(*out, ir.Mutation{Type: ir.MutationDelete, Path: childPath(path, k)})
		}
	}
	for _, k := range sortedKeys(after) {
		bv, ok := before[k]
		if !ok {
			*out = append(*out, ir.Mutation{Type: ir.MutationSet, Path: childPath(path, k), Value: Clone(after[k])})
			continue
		}
		diff(childPath(path, k), bv, after[k], out)
	}
}

func diffLists(path []string, before, after []any, out *[]ir.Mutation) {
	common := min(len(before), len(after))
	for i := 0; i < common; i++ {
		diff(childPath(path, strconv.Itoa(i)), before[i], after[i], out)
	}
	switch {
	case len(after) > len(before):
		*out = append(*out, ir.Mutation{Type: ir.MutationAdd, Path: clonePath(path), Value: Clone(after[common:])})
	case len(before) > len(after):
		// Highest index first so earlier deletes do not shift later ones.
		for i := len(before) - 1; i >= common; i-- {
			*out = append(*out, ir.Mutation{Type: ir.MutationDelete, Path: childPath(path, strconv.Itoa(i))})
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func childPath(path []string, seg string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}

func clonePath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}
