package quality

import (
	"math"
	"time"
)

// FrameMetrics holds the per-frame measurements a batch run produces. The
// header-derived values are estimates; when a pixel-level detection succeeds
// its measured values replace them. Only QualityScore is filled in after
// construction.
type FrameMetrics struct {
	FileName         string    `json:"fileName"`
	FilePath         string    `json:"filePath"`
	Exposure         float64   `json:"exposure"` // seconds
	Filter           string    `json:"filter"`
	Temperature      float64   `json:"temperature"` // °C
	Binning          int       `json:"binning"`
	FWHM             float64   `json:"fwhm"` // pixels
	StarCount        int       `json:"starCount"`
	BackgroundNoise  float64   `json:"backgroundNoise"` // fraction of full scale, [0,1]
	TrackingError    float64   `json:"trackingError"`   // pixels
	StarElongationP90 float64  `json:"starElongationP90"`
	StarElongationMax float64  `json:"starElongationMax"`
	StarElongation   float64   `json:"starElongation"` // max(P90, Max)
	SaturationLevel  float64   `json:"saturationLevel"`
	Contrast         float64   `json:"contrast"`
	QualityScore     int       `json:"qualityScore"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
	// Measured reports whether the values came from pixel-level star
	// detection rather than header estimation.
	Measured bool `json:"measured"`
	// Tiles is the optional per-tile elongation map from star detection.
	Tiles []ElongationTile `json:"tiles,omitempty"`
}

// ElongationTile is one cell of the optional per-tile elongation map.
type ElongationTile struct {
	X             int     `json:"x"`
	Y             int     `json:"y"`
	MaxElongation float64 `json:"maxElongation"`
}

// WorstTile returns the tile with the highest elongation, or nil when no
// tile map is present.
func (m *FrameMetrics) WorstTile() *ElongationTile {
	var worst *ElongationTile
	for i := range m.Tiles {
		if worst == nil || m.Tiles[i].MaxElongation > worst.MaxElongation {
			worst = &m.Tiles[i]
		}
	}
	return worst
}

// Thresholds are the acceptance limits a frame is judged against. They come
// from defaults, a reference-frame calibration, or direct user edits.
type Thresholds struct {
	MaxFWHM     float64 `json:"maxFwhm"`     // pixels
	MinStars    int     `json:"minStars"`
	MaxNoise    float64 `json:"maxNoise"`    // fraction of full scale
	MaxTracking float64 `json:"maxTracking"` // pixels
}

// DefaultThresholds are the limits used before any reference calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFWHM:     4.0,
		MinStars:    50,
		MaxNoise:    0.08,
		MaxTracking: 2.5,
	}
}

// Classification buckets a frame independently of its numeric score.
type Classification string

const (
	ClassGood       Classification = "good"
	ClassAcceptable Classification = "acceptable"
	ClassBad        Classification = "bad"
)

// ParseClassification validates a user-supplied classification string.
func ParseClassification(s string) (Classification, bool) {
	switch Classification(s) {
	case ClassGood, ClassAcceptable, ClassBad:
		return Classification(s), true
	}
	return "", false
}

// Result is one analyzed frame: its metrics, the automatic classification
// with its rationale, and an optional manual override. The automatic
// classification is never overwritten; the override only takes precedence
// for downstream actions.
type Result struct {
	Metrics        FrameMetrics   `json:"metrics"`
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason"`
	UserOverride   Classification `json:"userOverride,omitempty"`
}

// Effective returns the override when set, otherwise the automatic
// classification.
func (r Result) Effective() Classification {
	if r.UserOverride != "" {
		return r.UserOverride
	}
	return r.Classification
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
