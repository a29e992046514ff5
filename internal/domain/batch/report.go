package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReportName is the file name WriteReport uses for a summary.
func ReportName(s *Summary) string {
	return fmt.Sprintf("etl-report-%s.json", s.StartedAt.UTC().Format("20060102T150405Z"))
}

// WriteReport writes the summary as indented JSON into dir and returns the
// file path. The file is written to a temp name first and renamed.
func WriteReport(dir string, s *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	dest := filepath.Join(dir, ReportName(s))
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write report: %w", err)
	}
	return dest, nil
}
