package util

import (
	"testing"
	"unicode/utf8"
)

func TestContainsFold(t *testing.T) {
	tests := []struct {
		name     string
		slice    []string
		item     string
		expected bool
	}{
		{name: "exact", slice: []string{"Acme", "Globex"}, item: "Globex", expected: true},
		{name: "case insensitive", slice: []string{"Acme"}, item: "ACME", expected: true},
		{name: "surrounding space", slice: []string{" Acme "}, item: "acme", expected: true},
		{name: "missing", slice: []string{"Acme"}, item: "Initech", expected: false},
		{name: "empty slice", slice: nil, item: "Acme", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsFold(tt.slice, tt.item); got != tt.expected {
				t.Errorf("ContainsFold(%v, %q) = %v, want %v", tt.slice, tt.item, got, tt.expected)
			}
		})
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		name  string
		input string
		n     int
		want  string
	}{
		{name: "short", input: "abc", n: 5, want: "abc"},
		{name: "exact", input: "abcde", n: 5, want: "abcde"},
		{name: "cut", input: "abcdef", n: 5, want: "abcde..."},
		{name: "zero", input: "abc", n: 0, want: ""},
		{name: "multibyte", input: "查询中文数据库", n: 3, want: "查询中..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clip(tt.input, tt.n)
			if got != tt.want {
				t.Errorf("Clip(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Clip produced invalid UTF-8: %q", got)
			}
		})
	}
}

func TestClipWords(t *testing.T) {
	got := ClipWords("This is a very long string that needs truncation", 20)
	if got != "This is a very long..." {
		t.Errorf("ClipWords = %q", got)
	}
	if utf8.RuneCountInString(got) > 23 {
		t.Errorf("ClipWords result too long: %q", got)
	}
	if got := ClipWords("nospaceshereatall", 5); got != "nospa..." {
		t.Errorf("ClipWords without spaces = %q", got)
	}
}

func TestParseMillions(t *testing.T) {
	tests := []struct {
		input string
		want  float64
		ok    bool
	}{
		{"$12.5M", 12.5, true},
		{"$1.2 billion", 1200, true},
		{"raised $300 million in Series B", 300, true},
		{"2B", 2000, true},
		{"$750K", 0.75, true},
		{"3,000,000", 3, true},
		{"45", 45, true},
		{"undisclosed", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseMillions(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseMillions(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMillions(t *testing.T) {
	if v, ok := Millions(float64(5e6)); !ok || v != 5 {
		t.Errorf("Millions(5e6) = %v, %v", v, ok)
	}
	if v, ok := Millions(12); !ok || v != 12 {
		t.Errorf("Millions(12) = %v, %v", v, ok)
	}
	if _, ok := Millions(nil); ok {
		t.Error("Millions(nil) should fail")
	}
}
