package quality

import "math"

// Score grades a frame 0-100 against thresholds. The penalty rules are a
// hand-tuned heuristic; the coefficients and caps below are the behavioural
// contract and must not be "cleaned up".
func Score(m FrameMetrics, t Thresholds) int {
	score := 100.0

	if m.FWHM > t.MaxFWHM {
		score -= math.Min(40, (m.FWHM-t.MaxFWHM)*8)
	}
	if m.FWHM < 1.5 {
		// Suspiciously sharp; usually undersampling or a failed measurement.
		score -= 10
	}
	if m.StarCount < t.MinStars {
		score -= math.Min(30, float64(t.MinStars-m.StarCount)*0.3)
	}
	if m.BackgroundNoise > t.MaxNoise {
		score -= math.Min(20, (m.BackgroundNoise-t.MaxNoise)*60)
	}
	if m.TrackingError > t.MaxTracking {
		score -= math.Min(35, (m.TrackingError-t.MaxTracking)*5)
	}

	if m.StarElongation > 1.15 {
		e := math.Min(m.StarElongation, 2.5)
		score -= math.Min(65, (e-1.15)*120)
	}
	if m.StarElongation > 1.35 {
		score -= 15
	}
	if m.StarElongation > 1.5 {
		score -= 15
	}

	if m.FWHM < 2.0 && float64(m.StarCount) > 1.5*float64(t.MinStars) && m.StarElongation < 1.10 {
		score += 5
	}

	return int(math.Round(clamp(score, 0, 100)))
}
