// Package tmpl implements the template engine of spec.md §4.1: it expands a
// variables file into a list of fully-resolved variable maps by overlaying
// defaults, substituting date macros, computing the cross-product over
// list-valued keys, and recursively resolving "{name}" placeholders.
package tmpl

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sharethis/bqreconcile/internal/dateutil"
	"github.com/sharethis/bqreconcile/internal/errs"
)

// Vars is one element of a variables file: a mapping from key to a scalar
// (string, int), or a list of scalars/ints (spec.md §6).
type Vars map[string]interface{}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Expand runs the full pipeline of §4.1 over a single variables-file element
// and returns one resolved string map per combination in the cross-product.
// now is the reference time used for every date-macro key in this run.
func Expand(now time.Time, defaults, obj Vars, folder, filename string) ([]map[string]string, error) {
	merged := overlay(defaults, obj)

	merged["folder"] = folder
	merged["filename"] = filename
	if _, ok := merged["table"]; !ok {
		merged["table"] = filename
	}

	if err := substituteDateMacros(now, merged); err != nil {
		return nil, err
	}

	combos := cartesianProduct(merged)

	results := make([]map[string]string, 0, len(combos))
	for _, combo := range combos {
		strMap, dateKeys := toStringMap(combo)

		resolved, err := evalTmplRecurse(strMap)
		if err != nil {
			return nil, err
		}

		applyDash2Underscore(resolved)

		if err := injectSiblings(resolved, dateKeys); err != nil {
			return nil, err
		}

		results = append(results, resolved)
	}
	return results, nil
}

// overlay merges obj over defaults; obj's values win on conflict (§4.1.1).
func overlay(defaults, obj Vars) Vars {
	merged := make(Vars, len(defaults)+len(obj))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range obj {
		merged[k] = v
	}
	return merged
}

// substituteDateMacros rewrites every date-macro key in place into a
// []string of resolved date strings, per §4.1.3.
func substituteDateMacros(now time.Time, vars Vars) error {
	for key, val := range vars {
		gran, ok := dateutil.DetectGranularity(key)
		if !ok {
			continue
		}
		switch v := val.(type) {
		case string:
			// Passed through unchanged.
			continue
		case int:
			out, err := dateutil.HandleDate(now, gran, []int{v})
			if err != nil {
				return fmt.Errorf("%s: %w: %v", key, errs.ErrInvalidDateMacro, err)
			}
			vars[key] = toAnySlice(out)
		case float64:
			// A single offset decoded from a JSON vars file.
			out, err := dateutil.HandleDate(now, gran, []int{int(v)})
			if err != nil {
				return fmt.Errorf("%s: %w: %v", key, errs.ErrInvalidDateMacro, err)
			}
			vars[key] = toAnySlice(out)
		case []int:
			out, err := dateutil.HandleDate(now, gran, v)
			if err != nil {
				return fmt.Errorf("%s: %w: %v", key, errs.ErrInvalidDateMacro, err)
			}
			vars[key] = toAnySlice(out)
		case []interface{}:
			ints, err := toIntSlice(v)
			if err != nil {
				return fmt.Errorf("%s: %w: %v", key, errs.ErrInvalidDateMacro, err)
			}
			out, err := dateutil.HandleDate(now, gran, ints)
			if err != nil {
				return fmt.Errorf("%s: %w: %v", key, errs.ErrInvalidDateMacro, err)
			}
			vars[key] = toAnySlice(out)
		default:
			return fmt.Errorf("%s: %w: unsupported type %T", key, errs.ErrInvalidDateMacro, val)
		}
	}
	return nil
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toIntSlice(vs []interface{}) ([]int, error) {
	out := make([]int, len(vs))
	for i, v := range vs {
		n, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("expected int, got %T", v)
		}
		out[i] = n
	}
	return out, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// cartesianProduct expands every list-valued key into the deterministic
// Cartesian product of concrete combinations (§4.1.4). Key iteration order
// is sorted so the combination order is reproducible across list-key
// choice, matching the commutativity round-trip law of §8.
func cartesianProduct(vars Vars) []Vars {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []Vars{{}}
	for _, k := range keys {
		v := vars[k]
		list, isList := v.([]interface{})
		if !isList {
			for _, c := range combos {
				c[k] = v
			}
			continue
		}
		next := make([]Vars, 0, len(combos)*len(list))
		for _, c := range combos {
			for _, item := range list {
				nc := make(Vars, len(c)+1)
				for kk, vv := range c {
					nc[kk] = vv
				}
				nc[k] = item
				next = append(next, nc)
			}
		}
		combos = next
	}
	return combos
}

// toStringMap converts a fully-scalar Vars into a map[string]string,
// and returns the set of keys that were recognized date-macro keys (for
// sibling injection).
func toStringMap(vars Vars) (map[string]string, []string) {
	out := make(map[string]string, len(vars))
	var dateKeys []string
	for k, v := range vars {
		out[k] = scalarToString(v)
		if _, ok := dateutil.DetectGranularity(k); ok {
			dateKeys = append(dateKeys, k)
		}
	}
	sort.Strings(dateKeys)
	return out, dateKeys
}

func scalarToString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// evalTmplRecurse repeatedly substitutes "{name}" placeholders with the
// current value of the named key, stopping when a pass makes no progress
// (§4.1.5). A key is considered resolvable once its own value contains no
// further placeholders.
func evalTmplRecurse(vars map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}

	for {
		progress := false
		for k, v := range out {
			newVal := substituteOnce(v, out)
			if newVal != v {
				out[k] = newVal
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for k, v := range out {
		if m := placeholderRe.FindStringSubmatch(v); m != nil {
			if _, ok := out[m[1]]; ok {
				return nil, fmt.Errorf("%s: %w (key %q still references %q)", k, errs.ErrCircularReference, k, m[1])
			}
		}
	}

	return out, nil
}

// substituteOnce replaces every "{name}" in val whose referent is itself
// already placeholder-free.
func substituteOnce(val string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(val, func(match string) string {
		name := match[1 : len(match)-1]
		repl, ok := vars[name]
		if !ok {
			return match
		}
		if placeholderRe.MatchString(repl) {
			return match
		}
		return repl
	})
}

// applyDash2Underscore implements the suffix transform of §4.1.6: any key
// ending in "_dash2uscore" has its value's dashes replaced with
// underscores.
func applyDash2Underscore(vars map[string]string) {
	const suffix = "_dash2uscore"
	for k, v := range vars {
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			vars[k] = dashToUnderscore(v)
		}
	}
}

func dashToUnderscore(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c == '-' {
			out[i] = '_'
		}
	}
	return string(out)
}

// injectSiblings implements §4.1.7: for every base date key, inject the
// resolved sibling keys if not already present.
func injectSiblings(vars map[string]string, dateKeys []string) error {
	for _, key := range dateKeys {
		gran, ok := dateutil.DetectGranularity(key)
		if !ok {
			continue
		}
		resolved, ok := vars[key]
		if !ok {
			continue
		}
		siblings, err := dateutil.Siblings(key, gran, resolved)
		if err != nil {
			// A non-date string passed through unchanged by the date-macro
			// step (see substituteDateMacros) can't be parsed back as a
			// date; siblings simply aren't derivable for it.
			continue
		}
		for sk, sv := range siblings {
			if _, exists := vars[sk]; !exists {
				vars[sk] = sv
			}
		}
	}
	return nil
}

// RequiredPlaceholders returns the distinct set of "{name}" placeholders
// referenced in body.
func RequiredPlaceholders(body string) []string {
	matches := placeholderRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// CheckRequired fails fast if body references a placeholder not present in
// resolved (§4.1, "Required keys").
func CheckRequired(resolved map[string]string, body string) error {
	for _, name := range RequiredPlaceholders(body) {
		if _, ok := resolved[name]; !ok {
			return fmt.Errorf("%w: %q", errs.ErrMissingVariable, name)
		}
	}
	return nil
}

// Render substitutes every "{name}" placeholder in body using resolved.
// Unlike evalTmplRecurse, this is a single pass over already-fully-resolved
// variables and is used to render the final query/script/config text.
func Render(body string, resolved map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := resolved[name]; ok {
			return v
		}
		return match
	})
}
