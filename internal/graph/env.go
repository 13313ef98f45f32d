package graph

import (
	"sort"

	"github.com/banksean/testbus/internal/model"
)

// envStore holds one container's own environment dict (spec.md §3/§4.1).
// Entries are kept in a map; sorted() hands MergeEnv a name-sorted copy, so
// the merge is a pure function of the per-container contents, matching
// spec.md §8's associativity and idempotence invariants.
type envStore struct {
	vars map[string]string
}

func newEnvStore() *envStore { return &envStore{vars: make(map[string]string)} }

func (e *envStore) Set(name, value string) { e.vars[name] = value }
func (e *envStore) Get(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}
func (e *envStore) Delete(name string) { delete(e.vars, name) }

// sorted returns the store's entries as a slice sorted by variable name,
// the per-container "tape" that MergeEnv walks.
func (e *envStore) sorted() []envEntry {
	out := make([]envEntry, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, envEntry{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type envEntry struct {
	Name  string
	Value string
}

// MergeEnv implements the stable n-way tape merge of spec.md §4.1: layers
// ordered from nearest (index 0, e.g. a Process) to farthest (e.g. the
// Root), each pre-sorted by name; the first (nearest) layer to define a
// name wins. The result is a name -> value map; first-definition-wins is
// what makes the merge idempotent (merge(env, env) == env) and associative
// over a fixed precedence chain (spec.md §8).
func MergeEnv(layers ...*envStore) map[string]string {
	tapes := make([][]envEntry, 0, len(layers))
	for _, l := range layers {
		if l == nil {
			continue
		}
		tapes = append(tapes, l.sorted())
	}

	result := make(map[string]string)
	seen := make(map[string]bool)
	// Nearest layer (index 0) must shadow farther ones, so entries are
	// applied nearest-first and never overwritten once set.
	for _, tape := range tapes {
		for _, e := range tape {
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			result[e.Name] = e.Value
		}
	}
	return result
}

// RewriteReserved rewrites every merged variable name with the testbus_
// prefix before exec, per spec.md §4.1 ("every user-visible variable name is
// rewritten ... to avoid collision with environment variables intrinsic to
// the agent host").
func RewriteReserved(merged map[string]string) map[string]string {
	out := make(map[string]string, len(merged))
	prefix := model.ReservedEnvPrefix()
	for k, v := range merged {
		out[prefix+k] = v
	}
	return out
}
