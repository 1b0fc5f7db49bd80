// Package export turns finished analysis results into review artifacts: a
// CSV report and a BAD-frame archive.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"subgrade/internal/quality"
)

var csvHeader = []string{
	"file name", "path", "auto classification", "final classification",
	"quality score", "fwhm", "star count", "background noise %",
	"tracking error", "elongation p90", "elongation max",
	"exposure", "filter", "reason",
}

// WriteCSV writes one row per result to w, prefixed by the header row.
func WriteCSV(w io.Writer, results []quality.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, res := range results {
		m := res.Metrics
		row := []string{
			m.FileName,
			m.FilePath,
			string(res.Classification),
			string(res.Effective()),
			strconv.Itoa(m.QualityScore),
			strconv.FormatFloat(m.FWHM, 'f', 2, 64),
			strconv.Itoa(m.StarCount),
			strconv.FormatFloat(m.BackgroundNoise*100, 'f', 2, 64),
			strconv.FormatFloat(m.TrackingError, 'f', 2, 64),
			strconv.FormatFloat(m.StarElongationP90, 'f', 3, 64),
			strconv.FormatFloat(m.StarElongationMax, 'f', 3, 64),
			strconv.FormatFloat(m.Exposure, 'f', 1, 64),
			m.Filter,
			res.Reason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row for %s: %w", m.FileName, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the report to a file.
func SaveCSV(path string, results []quality.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	defer f.Close()
	return WriteCSV(f, results)
}
