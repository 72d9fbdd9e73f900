package main

import (
	"reflect"
	"testing"
)

func Test_splitSubjects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "patient-7", []string{"patient-7"}},
		{"trimmed list", "a, b ,c", []string{"a", "b", "c"}},
		{"stray commas", "a,,b,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitSubjects(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitSubjects(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func Test_maskKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		showAll bool
		want    string
	}{
		{"masked", "abcdefgh", false, "abcd****"},
		{"short keys stay whole", "abc", false, "abc"},
		{"show all", "abcdefgh", true, "abcdefgh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskKey(tt.key, tt.showAll); got != tt.want {
				t.Errorf("maskKey(%q, %v) = %q, want %q", tt.key, tt.showAll, got, tt.want)
			}
		})
	}
}

func Test_traversalName(t *testing.T) {
	if got := traversalName(true); got != "depth-first" {
		t.Errorf("traversalName(true) = %q", got)
	}
	if got := traversalName(false); got != "breadth-first" {
		t.Errorf("traversalName(false) = %q", got)
	}
}
