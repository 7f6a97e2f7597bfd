package app

import (
	"os"
	"path/filepath"
	"strings"

	"funnelpower/internal/report"
)

func writeReport(path string, r report.Report) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".md") {
		data, err = r.Markdown()
	} else {
		data, err = r.HTML()
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
