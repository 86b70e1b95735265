// Package versionorder orders release version strings naturally, so that
// "1.10" sorts after "1.9" and "1.0b1" before "1.0". Version strings reported
// by a package index are opaque; anything go-version cannot parse falls back
// to a digit-aware string comparison.
package versionorder

import (
	"sort"
	"strings"
	"unicode"

	"github.com/hashicorp/go-version"
)

// Compare returns -1, 0 or 1 when a sorts before, equal to, or after b.
// Only identical strings compare equal.
func Compare(a, b string) int {
	if a == b {
		return 0
	}

	if c := compareParsed(a, b); c != 0 {
		return c
	}
	if c := compareNatural(a, b); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// Sort orders versions from oldest to newest in place.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) < 0
	})
}

// Latest returns the highest version, or false when versions is empty.
func Latest(versions []string) (string, bool) {
	if len(versions) == 0 {
		return "", false
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if Compare(v, latest) > 0 {
			latest = v
		}
	}
	return latest, true
}

func compareParsed(a, b string) int {
	va, err := version.NewVersion(a)
	if err != nil {
		return 0
	}
	vb, err := version.NewVersion(b)
	if err != nil {
		return 0
	}
	return va.Compare(vb)
}

// compareNatural compares digit runs numerically and everything else lexically.
func compareNatural(a, b string) int {
	ta, tb := tokenize(a), tokenize(b)
	for i := 0; i < len(ta) && i < len(tb); i++ {
		if c := compareToken(ta[i], tb[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(ta) < len(tb):
		return -1
	case len(ta) > len(tb):
		return 1
	}
	return 0
}

func compareToken(x, y string) int {
	xNum, yNum := isDigits(x), isDigits(y)
	switch {
	case xNum && yNum:
		x, y = strings.TrimLeft(x, "0"), strings.TrimLeft(y, "0")
		if len(x) != len(y) {
			if len(x) < len(y) {
				return -1
			}
			return 1
		}
		return strings.Compare(x, y)
	case xNum:
		return 1
	case yNum:
		return -1
	}
	return strings.Compare(x, y)
}

func tokenize(s string) []string {
	var tokens []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || unicode.IsDigit(rune(s[i])) != unicode.IsDigit(rune(s[i-1])) {
			if start < i {
				tokens = append(tokens, s[start:i])
			}
			start = i
		}
	}
	return tokens
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
