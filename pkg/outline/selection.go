package outline

import (
	"fmt"
	"strconv"
	"strings"
)

// Selection is a set of 1-based chapter numbers written as "1,3-5". The zero
// value selects every chapter.
type Selection struct {
	ranges [][2]int
}

// ParseSelection parses a chapter selection. An empty string selects all
// chapters. Full-width commas are accepted as separators.
func ParseSelection(s string) (Selection, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "，", ","))
	if s == "" {
		return Selection{}, nil
	}

	var sel Selection
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parseRange(part)
		if err != nil {
			return Selection{}, err
		}
		sel.ranges = append(sel.ranges, [2]int{lo, hi})
	}
	if len(sel.ranges) == 0 {
		return Selection{}, fmt.Errorf("invalid chapter selection %q", s)
	}
	return sel, nil
}

func parseRange(part string) (int, int, error) {
	loStr, hiStr, isRange := strings.Cut(part, "-")
	lo, err := parseChapter(loStr)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := parseChapter(hiStr)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("invalid chapter range %q: end before start", part)
	}
	return lo, hi, nil
}

func parseChapter(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid chapter number %q", s)
	}
	return n, nil
}

// All reports whether the selection is unrestricted.
func (s Selection) All() bool { return len(s.ranges) == 0 }

// Contains reports whether chapter n (1-based) is selected.
func (s Selection) Contains(n int) bool {
	if s.All() {
		return true
	}
	for _, r := range s.ranges {
		if n >= r[0] && n <= r[1] {
			return true
		}
	}
	return false
}

// String renders the selection in the form passed to the generator.
func (s Selection) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r[0] == r[1] {
			parts = append(parts, strconv.Itoa(r[0]))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d-%d", r[0], r[1]))
	}
	return strings.Join(parts, ",")
}
