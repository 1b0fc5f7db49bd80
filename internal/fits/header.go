package fits

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	blockSize = 2880
	cardSize  = 80
	maxBlocks = 36 // refuse headers larger than ~100KB
)

// Header holds the primary HDU keywords of a FITS file. Values are string,
// float64 or bool depending on how the card was written.
type Header map[string]any

// Reader adapts ReadHeader to the interface the estimator consumes.
type Reader struct{}

func (Reader) ReadHeader(path string) (Header, error) {
	return ReadHeader(path)
}

// ReadHeader parses the primary header of the FITS file at path. It reads
// 2880-byte blocks of 80-character cards until the END card.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fits file: %w", err)
	}
	defer f.Close()
	return parseHeader(f)
}

func parseHeader(r io.Reader) (Header, error) {
	hdr := Header{}
	block := make([]byte, blockSize)

	for blocks := 0; blocks < maxBlocks; blocks++ {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("read header block: %w", err)
		}
		if blocks == 0 && !strings.HasPrefix(string(block[:cardSize]), "SIMPLE") {
			return nil, fmt.Errorf("not a FITS file: missing SIMPLE card")
		}

		for i := 0; i < blockSize; i += cardSize {
			card := string(block[i : i+cardSize])
			keyword := strings.TrimSpace(card[:8])
			if keyword == "END" {
				return hdr, nil
			}
			if keyword == "" || keyword == "COMMENT" || keyword == "HISTORY" {
				continue
			}
			if card[8] != '=' {
				continue
			}
			hdr[keyword] = parseValue(card[10:])
		}
	}
	return nil, fmt.Errorf("header too large: no END card in %d blocks", maxBlocks)
}

func parseValue(raw string) any {
	// Strip inline comment. Inside quoted strings a slash is literal,
	// so the quote has to be closed first.
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "'") {
		if end := strings.Index(raw[1:], "'"); end >= 0 {
			return strings.TrimSpace(raw[1 : end+1])
		}
		return strings.TrimSpace(strings.Trim(raw, "'"))
	}
	if slash := strings.Index(raw, "/"); slash >= 0 {
		raw = strings.TrimSpace(raw[:slash])
	}
	switch raw {
	case "T":
		return true
	case "F":
		return false
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	return raw
}

// Str returns the first matching keyword as a string, or "" when absent.
func (h Header) Str(keys ...string) string {
	for _, k := range keys {
		if v, ok := h[k]; ok {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'g', -1, 64)
			}
		}
	}
	return ""
}

// Float returns the first matching keyword as a float64, or def when none parses.
func (h Header) Float(def float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := h[k]; ok {
			switch t := v.(type) {
			case float64:
				return t
			case string:
				if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
					return f
				}
			}
		}
	}
	return def
}

// Int returns the first matching keyword as an int, or def when none parses.
func (h Header) Int(def int, keys ...string) int {
	f := h.Float(float64(def), keys...)
	return int(f)
}
