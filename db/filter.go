package db

import (
	"fmt"
	"strings"
)

// Filter accumulates WHERE predicates with positional arguments so callers
// never splice values into SQL text.
type Filter struct {
	clauses []string
	args    []any
}

// Where appends a predicate. Each "?" in clause is replaced by the next
// positional placeholder and bound to the matching value in args.
func (f *Filter) Where(clause string, args ...any) *Filter {
	var b strings.Builder
	next := 0
	for _, r := range clause {
		if r == '?' && next < len(args) {
			f.args = append(f.args, args[next])
			next++
			fmt.Fprintf(&b, "$%d", len(f.args))
			continue
		}
		b.WriteRune(r)
	}
	f.clauses = append(f.clauses, b.String())
	return f
}

// WhereIf appends the predicate only when cond holds.
func (f *Filter) WhereIf(cond bool, clause string, args ...any) *Filter {
	if cond {
		f.Where(clause, args...)
	}
	return f
}

// SQL renders " WHERE a AND b", or the empty string when no predicate was added.
func (f *Filter) SQL() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

// Args returns the bound arguments in placeholder order.
func (f *Filter) Args() []any {
	out := make([]any, len(f.args))
	copy(out, f.args)
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains turns user input into a LIKE pattern matching it anywhere. LIKE
// wildcards in s match literally under the default backslash escape.
func Contains(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
