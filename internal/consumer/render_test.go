package consumer

import (
	"strings"
	"testing"

	"github.com/dontdude/usersearch/internal/domain"
)

func TestRender_FiltersAmbiguousAndUnmatched(t *testing.T) {
	report := domain.Report{
		"GitHub":    {Matched: true, URL: "https://github.com/alice"},
		"Instagram": {Matched: true, URL: "https://instagram.com/alice", Ambiguous: true},
		"Reddit":    {Matched: false, URL: "https://reddit.com/user/alice"},
	}

	got := Render(report)
	if got != "[GitHub](https://github.com/alice)\n" {
		t.Fatalf("Render() = %q", got)
	}
	if n := strings.Count(got, "]("); n != 1 {
		t.Fatalf("expected exactly one link, got %d", n)
	}
}

func TestRender_SortedBySite(t *testing.T) {
	report := domain.Report{
		"Twitter": {Matched: true, URL: "https://twitter.com/alice"},
		"GitLab":  {Matched: true, URL: "https://gitlab.com/alice"},
		"Behance": {Matched: true, URL: "https://behance.net/alice"},
	}
	want := "[Behance](https://behance.net/alice)\n" +
		"[GitLab](https://gitlab.com/alice)\n" +
		"[Twitter](https://twitter.com/alice)\n"
	if got := Render(report); got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}

func TestRender_Empty(t *testing.T) {
	if got := Render(nil); got != "" {
		t.Fatalf("Render(nil) = %q", got)
	}
}
