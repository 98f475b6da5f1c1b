package util

import (
	"regexp"
	"strconv"
	"strings"
)

// ContainsFold reports whether slice contains item, ignoring case and
// surrounding whitespace.
func ContainsFold(slice []string, item string) bool {
	item = strings.TrimSpace(item)
	for _, s := range slice {
		if strings.EqualFold(strings.TrimSpace(s), item) {
			return true
		}
	}
	return false
}

// Clip keeps the first n runes of s and appends "..." when anything was cut.
// The result is at most n+3 runes.
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// ClipWords is Clip that backs off to the last whitespace before the cut
// when one exists.
func ClipWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := n
	if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
		cut = idx
	}
	return string(runes[:cut]) + "..."
}

func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}

var moneyRe = regexp.MustCompile(`(?i)\$?\s*(\d+(?:,\d{3})*(?:\.\d+)?)\s*(billion|million|thousand|bn|b|m|k)?\b`)

// ParseMillions reads a funding amount such as "$12.5M", "1.2 billion" or
// "3000000" and returns it in millions of dollars. Bare numbers of at least
// 100000 are taken as dollars, smaller ones as millions.
func ParseMillions(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	m := moneyRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "billion", "bn", "b":
		return v * 1000, true
	case "million", "m":
		return v, true
	case "thousand", "k":
		return v / 1000, true
	}
	if v >= 100000 {
		return v / 1e6, true
	}
	return v, true
}

// Millions converts a metadata value (number or string) to millions of dollars.
func Millions(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if x >= 100000 {
			return x / 1e6, true
		}
		return x, true
	case int:
		return Millions(float64(x))
	case int64:
		return Millions(float64(x))
	case string:
		return ParseMillions(x)
	}
	return 0, false
}
