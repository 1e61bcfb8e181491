package telegram

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     string
		limit  int
		chunks []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"hard split", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"prefers newline", "abcdef\nghij", 8, []string{"abcdef", "ghij"}},
		{"runes", strings.Repeat("é", 5), 2, []string{"éé", "éé", "é"}},
	}
	for _, tc := range cases {
		got := splitText(tc.in, tc.limit)
		if strings.Join(got, "|") != strings.Join(tc.chunks, "|") {
			t.Fatalf("%s: splitText = %q, want %q", tc.name, got, tc.chunks)
		}
	}
}
