package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitQuotedFields(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", `send hello world`, []string{"send", "hello", "world"}},
		{"quoted alias", `send "s x"`, []string{"send", "s x"}},
		{"quote inside field", `a"b c"d e`, []string{"ab cd", "e"}},
		{"escaped quote", `"line \"one\""`, []string{`line "one"`}},
		{"empty at end", `line-ending ""`, []string{"line-ending", ""}},
		{"empty at beginning", ` "" x`, []string{"", "x"}},
		{"lots of spaces", "   a   ", []string{"a"}},
		{"only empty strings", ` "" "" """" `, []string{"", "", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitQuotedFields(tt.in, '"')
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}
