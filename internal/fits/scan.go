package fits

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var fitsExts = map[string]struct{}{
	".fit":  {},
	".fits": {},
	".fts":  {},
}

// IsFITSFile reports whether path has a FITS extension.
func IsFITSFile(path string) bool {
	_, ok := fitsExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// File is one scanned frame with its parsed header.
type File struct {
	Path   string
	Name   string
	Header Header
}

// ScanResult captures the frames found under a folder.
type ScanResult struct {
	Folder string
	Files  []File
	// Frames whose header could not be read; they are excluded from Files.
	Skipped []string
}

// ScanFolder enumerates FITS files directly under folder and parses their
// headers. Unreadable frames are logged and skipped; an empty folder is an
// error so callers never start a batch over nothing.
func ScanFolder(folder string, log *slog.Logger) (ScanResult, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return ScanResult{}, fmt.Errorf("read folder: %w", err)
	}

	res := ScanResult{Folder: folder}
	for _, e := range entries {
		if e.IsDir() || !IsFITSFile(e.Name()) {
			continue
		}
		path := filepath.Join(folder, e.Name())
		hdr, err := ReadHeader(path)
		if err != nil {
			if log != nil {
				log.Warn("skipping unreadable frame", "file", e.Name(), "error", err)
			}
			res.Skipped = append(res.Skipped, path)
			continue
		}
		res.Files = append(res.Files, File{Path: path, Name: e.Name(), Header: hdr})
	}

	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Name < res.Files[j].Name })

	if len(res.Files) == 0 {
		return res, fmt.Errorf("no FITS files found in %s", folder)
	}
	return res, nil
}

// Summary aggregates a scan by filter and exposure for session reporting.
type Summary struct {
	FrameCount  int
	TotalSecs   float64
	Objects     []string
	ByFilter    map[string]int
	FilterSecs  map[string]float64
	Exposures   map[float64]int
	SkippedNames []string
}

// Summarize builds an acquisition summary from scanned headers.
func Summarize(res ScanResult) Summary {
	sum := Summary{
		ByFilter:   map[string]int{},
		FilterSecs: map[string]float64{},
		Exposures:  map[float64]int{},
	}
	objects := map[string]struct{}{}
	for _, f := range res.Files {
		sum.FrameCount++
		exp := f.Header.Float(0, "EXPTIME", "EXPOSURE")
		filter := f.Header.Str("FILTER", "FILTER1")
		if filter == "" {
			filter = "none"
		}
		sum.TotalSecs += exp
		sum.ByFilter[filter]++
		sum.FilterSecs[filter] += exp
		sum.Exposures[exp]++
		if obj := f.Header.Str("OBJECT"); obj != "" {
			objects[obj] = struct{}{}
		}
	}
	for obj := range objects {
		sum.Objects = append(sum.Objects, obj)
	}
	sort.Strings(sum.Objects)
	for _, s := range res.Skipped {
		sum.SkippedNames = append(sum.SkippedNames, filepath.Base(s))
	}
	return sum
}
