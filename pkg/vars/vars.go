// Package vars implements the "$(NAME)" variable-substitution grammar used
// by every build backend.
package vars

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxIterations is the fixed-point ceiling; exceeding it raises
// RecursionLimitError.
const maxIterations = 100

// Provider answers variable lookups. The first provider in the list passed
// to Expand that returns ok=true for a given name wins.
type Provider interface {
	Get(name string) (value string, ok bool)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(name string) (string, bool)

func (f ProviderFunc) Get(name string) (string, bool) {
	return f(name)
}

// MapProvider is a Provider backed by a plain map, used for RockLayout,
// the Lua installation, and the external-dependency providers.
type MapProvider map[string]string

func (m MapProvider) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// UnresolvedVariableError is raised when no provider in the chain can
// answer a $(NAME) reference.
type UnresolvedVariableError struct {
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return "unresolved variable: $(" + e.Name + ")"
}

// RecursionLimitError is raised when substitution does not reach a fixed
// point within maxIterations passes.
type RecursionLimitError struct {
	Text string
}

func (e *RecursionLimitError) Error() string {
	return "variable substitution did not converge within " + strconv.Itoa(maxIterations) + " iterations"
}

// Expand resolves every $(NAME) reference in text by querying providers in
// order, then re-parses and re-substitutes the result until a fixed point
// is reached or maxIterations passes have run.
func Expand(text string, providers ...Provider) (string, error) {
	cur := text
	for i := 0; i < maxIterations; i++ {
		next, changed, err := substituteOnce(cur, providers)
		if err != nil {
			return "", err
		}
		if !changed {
			return next, nil
		}
		cur = next
	}
	return "", &RecursionLimitError{Text: text}
}

// substituteOnce performs a single left-to-right pass over text, resolving
// every well-formed $(NAME) it finds (allowing nested "$(...)" inside NAME,
// per the grammar) by one provider lookup each.
func substituteOnce(text string, providers []Provider) (result string, changed bool, err error) {
	var buf strings.Builder
	i := 0
	for i < len(text) {
		if text[i] == '$' && i+1 < len(text) && text[i+1] == '(' {
			name, end, ok := readVar(text, i)
			if !ok {
				buf.WriteByte(text[i])
				i++
				continue
			}
			if strings.Contains(name, "$(") {
				// A nested reference inside the name, e.g. $(FOO_$(BAR)):
				// resolve the inner group first and leave the outer lookup
				// to the next fixed-point pass.
				inner, _, err := substituteOnce(name, providers)
				if err != nil {
					return "", false, err
				}
				buf.WriteString("$(")
				buf.WriteString(inner)
				buf.WriteByte(')')
				changed = true
				i = end
				continue
			}
			value, found := lookup(providers, name)
			if !found {
				return "", false, &UnresolvedVariableError{Name: name}
			}
			buf.WriteString(value)
			changed = true
			i = end
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	return buf.String(), changed, nil
}

// readVar reads a "$(...)" group starting at index start, honouring nested
// parens so that "$(FOO_$(BAR))"-style names parse, and returns the inner
// name with any nested "$(...)" groups substituted literally (the caller
// re-drives substitution on the next pass, so this need only find balanced
// boundaries here).
func readVar(text string, start int) (name string, end int, ok bool) {
	depth := 0
	for i := start + 1; i < len(text); i++ {
		switch {
		case text[i] == '(':
			depth++
		case text[i] == ')':
			depth--
			if depth == 0 {
				return text[start+2 : i], i + 1, true
			}
		}
	}
	return "", 0, false
}

func lookup(providers []Provider, name string) (string, bool) {
	for _, p := range providers {
		if v, ok := p.Get(name); ok {
			return v, true
		}
	}
	return "", false
}

// EnvProvider is the last-resort Provider that reads from the process
// environment.
var EnvProvider Provider = ProviderFunc(envLookup)

// ExpandAll is a convenience for applying Expand across every string in a
// map (commonly an install table of module/path entries), surfacing the
// first error encountered.
func ExpandAll(values map[string]string, providers ...Provider) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for k, v := range values {
		expanded, err := Expand(v, providers...)
		if err != nil {
			return nil, errors.Wrapf(err, "expanding variable in %q", k)
		}
		out[k] = expanded
	}
	return out, nil
}
