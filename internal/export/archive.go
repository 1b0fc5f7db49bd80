package export

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"subgrade/internal/quality"
)

// ArchiveBad copies every frame whose effective classification is bad into a
// BAD directory created alongside the scanned folder. Single-file copy
// failures are logged and skipped; the returned count is the number of
// frames actually archived.
func ArchiveBad(scannedFolder string, results []quality.Result, log *slog.Logger) (int, error) {
	badDir := filepath.Join(filepath.Dir(filepath.Clean(scannedFolder)), "BAD")

	archived := 0
	for _, res := range results {
		if res.Effective() != quality.ClassBad {
			continue
		}
		if archived == 0 {
			if err := os.MkdirAll(badDir, 0o755); err != nil {
				return 0, fmt.Errorf("create BAD directory: %w", err)
			}
		}
		dst := filepath.Join(badDir, res.Metrics.FileName)
		if err := copyFile(res.Metrics.FilePath, dst); err != nil {
			if log != nil {
				log.Warn("failed to archive frame", "file", res.Metrics.FileName, "error", err)
			}
			continue
		}
		archived++
	}

	if log != nil {
		log.Info("archival finished", "archived", archived, "dir", badDir)
	}
	return archived, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
