package compiler

import "strings"

// LinkLine assembles the final argv fragment for the resolved libraries of
// a link/module step: each ResolvedLibrary contributes either its resolved
// path or — when LinkObjectsInLibrary expanded it — its object tuple,
// spec.md §4.5's "resolved library path is expanded to the tuple of object
// paths that populated it".
func LinkLine(resolved []ResolvedLibrary) []string {
	var out []string
	for _, r := range resolved {
		if len(r.Objects) > 0 {
			out = append(out, r.Objects...)
			continue
		}
		out = append(out, r.Path)
	}
	return out
}

// QuoteArgv renders argv as a shell-quoted string for the `run` debug
// channel (spec.md §6/§7: "subprocess command lines").
func QuoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'$\\") {
			parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
