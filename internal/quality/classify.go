package quality

import (
	"fmt"
	"strings"
)

// Classify buckets a frame into good/acceptable/bad. It deliberately does
// not look at the numeric score: it counts how many thresholds are violated
// and how badly, then walks a decision table. The two channels can disagree
// and downstream consumers treat them as independent signals.
func Classify(m FrameMetrics, t Thresholds) Classification {
	issues, severity := tallyIssues(m, t)

	switch {
	case issues == 0:
		return ClassGood
	case issues == 1 && severity == 0:
		return ClassGood
	case issues <= 1 && severity == 1:
		return ClassAcceptable
	case issues <= 2 && severity <= 3:
		return ClassAcceptable
	default:
		return ClassBad
	}
}

// tallyIssues counts threshold violations and weights each by how far past
// the limit the frame landed: more than 50% past counts double, more than
// 25% counts once, a narrow miss counts as an issue with no extra severity.
func tallyIssues(m FrameMetrics, t Thresholds) (issues, severity int) {
	weigh := func(ratio float64) {
		issues++
		switch {
		case ratio > 1.5:
			severity += 2
		case ratio > 1.25:
			severity++
		}
	}

	if m.FWHM > t.MaxFWHM {
		weigh(m.FWHM / t.MaxFWHM)
	}
	if m.StarCount < t.MinStars {
		weigh(float64(t.MinStars) / float64(max(m.StarCount, 1)))
	}
	if m.BackgroundNoise > t.MaxNoise {
		weigh(m.BackgroundNoise / t.MaxNoise)
	}
	if m.TrackingError > t.MaxTracking {
		weigh(m.TrackingError / t.MaxTracking)
	}

	if m.StarElongation > 1.3 {
		issues++
		switch {
		case m.StarElongation > 1.6:
			severity += 3
		case m.StarElongation > 1.4:
			severity += 2
		default:
			severity++
		}
	}
	return issues, severity
}

// Reason explains which of the four limits a frame violated, with
// percentage figures. Elongation contributes to classification but not to
// the clause list, so a frame can classify below good while still reading
// "meets all criteria".
func Reason(m FrameMetrics, t Thresholds) string {
	var clauses []string

	if m.FWHM > t.MaxFWHM {
		clauses = append(clauses, fmt.Sprintf("FWHM %.2fpx exceeds limit %.2fpx by %.0f%%",
			m.FWHM, t.MaxFWHM, pctOver(m.FWHM, t.MaxFWHM)))
	}
	if m.StarCount < t.MinStars {
		clauses = append(clauses, fmt.Sprintf("star count %d below minimum %d by %.0f%%",
			m.StarCount, t.MinStars, pctUnder(float64(m.StarCount), float64(t.MinStars))))
	}
	if m.BackgroundNoise > t.MaxNoise {
		clauses = append(clauses, fmt.Sprintf("background noise %.1f%% exceeds limit %.1f%% by %.0f%%",
			m.BackgroundNoise*100, t.MaxNoise*100, pctOver(m.BackgroundNoise, t.MaxNoise)))
	}
	if m.TrackingError > t.MaxTracking {
		clauses = append(clauses, fmt.Sprintf("tracking error %.2fpx exceeds limit %.2fpx by %.0f%%",
			m.TrackingError, t.MaxTracking, pctOver(m.TrackingError, t.MaxTracking)))
	}

	if len(clauses) == 0 {
		return "meets all criteria"
	}
	return strings.Join(clauses, "; ")
}

func pctOver(v, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return (v/limit - 1) * 100
}

func pctUnder(v, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return (1 - v/limit) * 100
}
