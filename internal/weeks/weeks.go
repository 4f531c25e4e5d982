// Package weeks turns the active-week lists stored with each class into the
// compact ranges shown in notifications, e.g. [1 2 3 5 6 7 9] -> "1-3, 5-7, 9".
package weeks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrNonNumeric = errors.New("non-numeric week")

// Compress sorts and dedupes the weeks and collapses every maximal run of
// consecutive numbers into "a-b" ("a" for a run of one).
func Compress(weeks []int) string {
	if len(weeks) == 0 {
		return ""
	}
	sorted := append([]int(nil), weeks...)
	sort.Ints(sorted)

	uniq := sorted[:1]
	for _, w := range sorted[1:] {
		if w != uniq[len(uniq)-1] {
			uniq = append(uniq, w)
		}
	}

	tokens := make([]string, 0, len(uniq))
	start := uniq[0]
	prev := uniq[0]
	flush := func() {
		if start == prev {
			tokens = append(tokens, strconv.Itoa(start))
			return
		}
		tokens = append(tokens, strconv.Itoa(start)+"-"+strconv.Itoa(prev))
	}
	for _, w := range uniq[1:] {
		if w == prev+1 {
			prev = w
			continue
		}
		flush()
		start, prev = w, w
	}
	flush()
	return strings.Join(tokens, ", ")
}

// Expand parses the output of Compress back into the week set.
func Expand(ranges string) ([]int, error) {
	ranges = strings.TrimSpace(ranges)
	if ranges == "" {
		return nil, nil
	}
	var out []int
	for _, token := range strings.Split(ranges, ", ") {
		lo, hi, found := strings.Cut(token, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNonNumeric, token)
		}
		last := first
		if found {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrNonNumeric, token)
			}
		}
		if last < first {
			return nil, fmt.Errorf("descending range %q", token)
		}
		for w := first; w <= last; w++ {
			out = append(out, w)
		}
	}
	return out, nil
}

// Parse coerces a stored week list into integers. It accepts a JSON array
// whose elements are numbers or numeric strings, or a bare comma-separated
// list; anything else is rejected with ErrNonNumeric.
func Parse(raw []byte) ([]int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return parseList(strings.Split(string(trimmed), ","))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode weeks: %w", err)
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			values = append(values, s)
			continue
		}
		values = append(values, string(item))
	}
	return parseList(values)
}

func parseList(values []string) ([]int, error) {
	out := make([]int, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNonNumeric, v)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative week %d", ErrNonNumeric, n)
		}
		out = append(out, n)
	}
	return out, nil
}
