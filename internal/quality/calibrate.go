package quality

import "math"

// Calibrate derives acceptance thresholds from a user-chosen reference
// frame. The factors leave generous headroom over the reference so that
// frames of comparable quality pass; the floors and ceilings keep a freakishly
// good reference from producing limits nothing else can meet.
func Calibrate(ref FrameMetrics) Thresholds {
	return Thresholds{
		MaxFWHM:     math.Max(3.0, ref.FWHM*1.8),
		MinStars:    int(math.Floor(math.Max(30, float64(ref.StarCount)*0.6))),
		MaxNoise:    math.Min(0.15, ref.BackgroundNoise*2.0),
		MaxTracking: math.Max(2.0, ref.TrackingError*2.5),
	}
}
