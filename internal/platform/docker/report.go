package docker

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/usersearch/internal/domain"
)

// claimedStatus marks a confirmed account in the search tool's report.
const claimedStatus = "Claimed"

// maxReportBytes caps how much of a report is read from the container.
const maxReportBytes = 32 << 20

type siteEntry struct {
	URLUser   string `json:"url_user"`
	IsSimilar bool   `json:"is_similar"`
	Status    struct {
		Status string `json:"status"`
	} `json:"status"`
}

// ParseReport converts the tool's "simple" JSON report into a domain.Report.
func ParseReport(data []byte) (domain.Report, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	report := make(domain.Report, len(raw))
	for site, msg := range raw {
		var entry siteEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			// One odd site entry should not sink the whole report.
			continue
		}
		report[site] = domain.Finding{
			Matched:   entry.Status.Status == claimedStatus,
			URL:       entry.URLUser,
			Ambiguous: entry.IsSimilar,
		}
	}
	return report, nil
}

// readTarFile returns the first regular file of the archive CopyFromContainer streams.
func readTarFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("report archive is empty")
		}
		if err != nil {
			return nil, fmt.Errorf("read report archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxReportBytes {
			return nil, fmt.Errorf("report too large: %d bytes", hdr.Size)
		}
		return io.ReadAll(tr)
	}
}

// demux splits the multiplexed log stream into plain text.
func demux(r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}
