package quality

import "testing"

func baseline() (FrameMetrics, Thresholds) {
	m := FrameMetrics{
		FWHM:            3.0,
		StarCount:       100,
		BackgroundNoise: 0.05,
		TrackingError:   1.0,
		StarElongation:  1.05,
	}
	return m, DefaultThresholds()
}

func TestScorePerfectFrame(t *testing.T) {
	m, th := baseline()
	if got := Score(m, th); got != 100 {
		t.Fatalf("expected 100 for frame within all limits, got %d", got)
	}
}

func TestScoreFWHMPenaltyRounds(t *testing.T) {
	m, th := baseline()
	m.FWHM = 5.4 // 1.4px over the 4.0 limit, 11.2 points off
	if got := Score(m, th); got != 89 {
		t.Fatalf("expected 89, got %d", got)
	}
}

func TestScoreFWHMPenaltyCapped(t *testing.T) {
	m, th := baseline()
	m.FWHM = 20
	if got := Score(m, th); got != 60 {
		t.Fatalf("expected FWHM penalty capped at 40, got score %d", got)
	}
}

func TestScoreSuspiciouslySharpFrame(t *testing.T) {
	m, th := baseline()
	m.FWHM = 1.0
	// -10 for the implausible FWHM, +5 bonus (sharp, starry, round stars)
	if got := Score(m, th); got != 95 {
		t.Fatalf("expected 95, got %d", got)
	}
}

func TestScoreBonusClampedTo100(t *testing.T) {
	m, th := baseline()
	m.FWHM = 1.8
	m.StarCount = 200
	m.StarElongation = 1.0
	if got := Score(m, th); got != 100 {
		t.Fatalf("expected score clamped to 100, got %d", got)
	}
}

func TestScoreElongationTiers(t *testing.T) {
	m, th := baseline()

	m.StarElongation = 1.25 // (1.25-1.15)*120 = 12
	if got := Score(m, th); got != 88 {
		t.Fatalf("expected 88 at elongation 1.25, got %d", got)
	}

	m.StarElongation = 1.45 // 36 - 15 extra over 1.35
	if got := Score(m, th); got != 49 {
		t.Fatalf("expected 49 at elongation 1.45, got %d", got)
	}

	m.StarElongation = 1.55 // 48 - 15 - 15
	if got := Score(m, th); got != 22 {
		t.Fatalf("expected 22 at elongation 1.55, got %d", got)
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	m := FrameMetrics{
		FWHM:            20,
		StarCount:       0,
		BackgroundNoise: 0.5,
		TrackingError:   20,
		StarElongation:  2.8,
	}
	if got := Score(m, DefaultThresholds()); got != 0 {
		t.Fatalf("expected score floored at 0, got %d", got)
	}
}

func TestScoreStarCountPenalty(t *testing.T) {
	m, th := baseline()
	m.StarCount = 30 // 20 short of 50, 6 points off
	if got := Score(m, th); got != 94 {
		t.Fatalf("expected 94, got %d", got)
	}
}

func TestCalibrateFromReference(t *testing.T) {
	ref := FrameMetrics{
		FWHM:            2.5,
		StarCount:       200,
		BackgroundNoise: 0.03,
		TrackingError:   1.0,
	}
	got := Calibrate(ref)
	want := Thresholds{MaxFWHM: 4.5, MinStars: 120, MaxNoise: 0.06, MaxTracking: 2.5}
	if got != want {
		t.Fatalf("calibrated thresholds = %+v, want %+v", got, want)
	}
}

func TestCalibrateFloorsAndCeilings(t *testing.T) {
	// A freakishly good reference must not produce limits nothing can meet.
	ref := FrameMetrics{
		FWHM:            1.0,
		StarCount:       20,
		BackgroundNoise: 0.12,
		TrackingError:   0.2,
	}
	got := Calibrate(ref)
	if got.MaxFWHM != 3.0 {
		t.Errorf("MaxFWHM floor = %v, want 3.0", got.MaxFWHM)
	}
	if got.MinStars != 30 {
		t.Errorf("MinStars floor = %v, want 30", got.MinStars)
	}
	if got.MaxNoise != 0.15 {
		t.Errorf("MaxNoise ceiling = %v, want 0.15", got.MaxNoise)
	}
	if got.MaxTracking != 2.0 {
		t.Errorf("MaxTracking floor = %v, want 2.0", got.MaxTracking)
	}
}
