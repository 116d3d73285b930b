// Package dateutil implements the date-macro substitution rules of the
// template engine (spec.md §4.1): mapping integer offsets or [lo,hi] ranges
// to date strings at a granularity implied by a key name, and deriving the
// sibling keys that accompany a resolved date key.
package dateutil

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Granularity identifies one of the four recognized date-macro key suffixes.
type Granularity int

const (
	Yearly Granularity = iota
	Monthly
	Daily
	Hourly
)

const (
	suffixYear  = "yyyy"
	suffixMonth = "yyyymm"
	suffixDay   = "yyyymmdd"
	suffixHour  = "yyyymmddhh"
)

// DetectGranularity returns the granularity implied by a variable key name,
// and whether the key is a recognized date-macro key at all. A key matches
// if it equals one of the four suffixes, or ends with "_<suffix>" (the
// "<name>_yyyymmdd" form named in §4.1). The longest matching suffix wins,
// since "yyyymmddhh" also ends with "yyyymmdd" as a substring of the
// characters but not as a suffix match — string suffix comparison already
// disambiguates because the suffixes are of different lengths.
func DetectGranularity(key string) (Granularity, bool) {
	type candidate struct {
		suffix string
		gran   Granularity
	}
	// Longest suffix first so "yyyymmddhh" doesn't also match "yyyymmdd" etc.
	candidates := []candidate{
		{suffixHour, Hourly},
		{suffixDay, Daily},
		{suffixMonth, Monthly},
		{suffixYear, Yearly},
	}
	for _, c := range candidates {
		if key == c.suffix || strings.HasSuffix(key, "_"+c.suffix) {
			return c.gran, true
		}
	}
	return 0, false
}

// Format renders t at the given granularity using the layouts named in
// spec.md §3's round-trip law (handleDate(base,0,"yyyymmdd") ==
// base.strftime("%Y%m%d")).
func Format(t time.Time, g Granularity) string {
	switch g {
	case Yearly:
		return t.Format("2006")
	case Monthly:
		return t.Format("200601")
	case Daily:
		return t.Format("20060102")
	case Hourly:
		return t.Format("2006010215")
	default:
		return t.Format("20060102")
	}
}

// addOffset adds n units of granularity g to t.
func addOffset(t time.Time, g Granularity, n int) time.Time {
	switch g {
	case Yearly:
		return t.AddDate(n, 0, 0)
	case Monthly:
		return t.AddDate(0, n, 0)
	case Daily:
		return t.AddDate(0, 0, n)
	case Hourly:
		return t.Add(time.Duration(n) * time.Hour)
	default:
		return t.AddDate(0, 0, n)
	}
}

// HandleDate implements the date-macro value rule of §4.1:
//   - a plain string passes through unchanged (handled by the caller, not
//     here — HandleDate is only invoked for int/[]int values)
//   - an int n becomes the single-element list [now + n*granularity]
//   - a two-int list [lo, hi] becomes the sorted sequence of every offset
//     in [lo, hi], formatted at the matching granularity
//
// now is the reference time the whole run uses, so that "today"/"yesterday"
// are computed consistently for every artifact expanded in one invocation.
func HandleDate(now time.Time, g Granularity, offsets []int) ([]string, error) {
	switch len(offsets) {
	case 1:
		return []string{Format(addOffset(now, g, offsets[0]), g)}, nil
	case 2:
		lo, hi := offsets[0], offsets[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		out := make([]string, 0, hi-lo+1)
		for n := lo; n <= hi; n++ {
			out = append(out, Format(addOffset(now, g, n), g))
		}
		sort.Strings(out)
		return out, nil
	default:
		return nil, fmt.Errorf("date macro expects an int or a [lo,hi] pair, got %d values", len(offsets))
	}
}

// Siblings derives the sibling keys for a resolved base date key, per the
// last rule of §4.1: "for every base date key, inject resolved sibling keys
// (yyyymmdd_yyyy, yyyymmdd_mm, ...) if not already present." baseKey is the
// full key name (e.g. "start_yyyymmdd" or "yyyymmdd"); resolved is the
// single formatted value to derive siblings from (callers pass the value
// of the key within one combination, since cross-product already split a
// list-valued macro into one concrete value per combination).
func Siblings(baseKey string, g Granularity, resolved string) (map[string]string, error) {
	var layout string
	switch g {
	case Yearly:
		layout = "2006"
	case Monthly:
		layout = "200601"
	case Daily:
		layout = "20060102"
	case Hourly:
		layout = "2006010215"
	default:
		layout = "20060102"
	}
	t, err := time.Parse(layout, resolved)
	if err != nil {
		return nil, fmt.Errorf("parsing resolved date %q: %w", resolved, err)
	}

	base := suffixFor(g)
	join := func(name string) string {
		return strings.Replace(baseKey, base, base+"_"+name, 1)
	}

	// Per-granularity sibling set mirrors original_source/python/
	// date_formatter_helper.py exactly: yearly has no finer breakdown to
	// derive, monthly stops at month, daily additionally carries a 2-digit
	// year (_yy), and hourly carries hour instead of the 2-digit year.
	out := map[string]string{}
	switch g {
	case Monthly:
		out[join("yyyy")] = t.Format("2006")
		out[join("mm")] = t.Format("01")
	case Daily:
		out[join("yyyy")] = t.Format("2006")
		out[join("mm")] = t.Format("01")
		out[join("dd")] = t.Format("02")
		out[join("yy")] = t.Format("06")
	case Hourly:
		out[join("yyyy")] = t.Format("2006")
		out[join("mm")] = t.Format("01")
		out[join("dd")] = t.Format("02")
		out[join("hh")] = t.Format("15")
	}
	return out, nil
}

func suffixFor(g Granularity) string {
	switch g {
	case Yearly:
		return suffixYear
	case Monthly:
		return suffixMonth
	case Daily:
		return suffixDay
	case Hourly:
		return suffixHour
	default:
		return suffixDay
	}
}
