package consumer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dontdude/usersearch/internal/domain"
)

// Render keeps only confirmed, non-ambiguous findings and writes each as a
// "[site](url)" line, ordered by site name.
func Render(report domain.Report) string {
	sites := make([]string, 0, len(report))
	for site, finding := range report {
		if finding.Matched && !finding.Ambiguous {
			sites = append(sites, site)
		}
	}
	sort.Strings(sites)

	var b strings.Builder
	for _, site := range sites {
		fmt.Fprintf(&b, "[%s](%s)\n", site, report[site].URL)
	}
	return b.String()
}
