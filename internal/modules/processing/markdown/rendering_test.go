package markdown

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"emphasis", "Redis is **fast**", []string{"<p>", "<strong>fast</strong>"}},
		{"list", "- streams\n- hashes", []string{"<ul>", "<li>streams</li>"}},
		{"hard wraps", "line one\nline two", []string{"<br />"}},
		{"autolink", "see https://redis.io", []string{`<a href="https://redis.io">`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Render(tc.in)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("Render(%q) = %q, missing %q", tc.in, got, w)
				}
			}
		})
	}
}

func TestRenderDropsRawHTML(t *testing.T) {
	got := Render("hi <script>alert(1)</script>")
	if strings.Contains(got, "<script>") {
		t.Fatalf("raw html kept: %q", got)
	}
}

func TestRenderEmpty(t *testing.T) {
	if got := Render("   "); got != "" {
		t.Fatalf("Render(blank) = %q", got)
	}
}
