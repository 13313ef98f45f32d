package graph

import "regexp"

// substitutionRE matches the two %{...} forms spec.md §4.1 allows inside
// argv: %{NAME} for an environment variable and %{file:NAME} for the
// materialized local path of an inherited file. Env values are not
// expanded.
var substitutionRE = regexp.MustCompile(`%\{(file:)?([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandArgv rewrites every %{NAME} environment-variable reference in argv
// against the process's merged env, master-side, since env is fully known
// at Run time. %{file:NAME} references are deliberately left untouched
// here: per spec.md §4.3 step 4, that substitution resolves to "the file's
// materialized path" on the executing host, which doesn't exist until the
// agent has downloaded (or cached) the file one step later. The agent
// re-expands those references itself after materialization.
func expandArgv(argv []string, env map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = expandEnvRefs(a, env)
	}
	return out
}

func expandEnvRefs(s string, env map[string]string) string {
	return substitutionRE.ReplaceAllStringFunc(s, func(m string) string {
		groups := substitutionRE.FindStringSubmatch(m)
		if groups[1] == "file:" {
			return m
		}
		if v, ok := env[groups[2]]; ok {
			return v
		}
		return m
	})
}
