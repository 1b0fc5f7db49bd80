// Package stardetect measures frame quality from pixel data using
// ImageMagick. It is the optional refinement pass behind the quality
// estimator: when a frame can be decoded, measured FWHM, star count,
// background noise, tracking error and elongation replace the header-derived
// estimates.
package stardetect

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"subgrade/internal/quality"

	"gopkg.in/gographics/imagick.v3/imagick"
)

const (
	minBlobPixels = 2
	maxBlobPixels = 1000
	maxStars      = 500
)

var imagickOnce sync.Once

// Detector finds stars by statistical thresholding and flood fill, then
// derives frame quality metrics from the blob shapes.
type Detector struct{}

// New returns a pixel-level detector. ImageMagick is initialized once for
// the process lifetime.
func New() *Detector {
	imagickOnce.Do(imagick.Initialize)
	return &Detector{}
}

type star struct {
	x, y       float64
	flux       float64
	pixels     int
	elongation float64
	radius     float64 // flux-weighted mean radius, HFR-like
}

// DetectStars implements quality.StarDetector.
func (d *Detector) DetectStars(ctx context.Context, path string, opts quality.DetectOptions) (quality.Detection, error) {
	if opts.KSigma <= 0 {
		opts.KSigma = 3.0
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return quality.Detection{}, fmt.Errorf("read image: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return quality.Detection{}, fmt.Errorf("convert to grayscale: %w", err)
	}

	width := int(mw.GetImageWidth())
	height := int(mw.GetImageHeight())

	raw, err := mw.ExportImagePixels(0, 0, uint(width), uint(height), "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return quality.Detection{}, fmt.Errorf("export pixels: %w", err)
	}
	pixels, ok := raw.([]float32)
	if !ok || len(pixels) != width*height {
		return quality.Detection{}, fmt.Errorf("unexpected pixel export shape")
	}

	mean, stddev := pixelStats(pixels)
	threshold := clampf(mean+opts.KSigma*float64(stddev), 0, 1)

	stars, err := scanBlobs(ctx, pixels, width, height, float32(threshold))
	if err != nil {
		return quality.Detection{}, err
	}
	if len(stars) == 0 {
		return quality.Detection{}, fmt.Errorf("no stars detected above %.1f sigma", opts.KSigma)
	}

	sort.Slice(stars, func(i, j int) bool { return stars[i].flux > stars[j].flux })
	if len(stars) > maxStars {
		stars = stars[:maxStars]
	}

	det := quality.Detection{
		Success:         true,
		StarCount:       len(stars),
		FWHM:            medianRadius(stars) * 2,
		BackgroundNoise: backgroundNoise(pixels, float32(threshold)),
	}
	det.ElongationP90, det.ElongationMax = elongationStats(stars)
	// Trailing stretches every star along the drift axis; the excess of the
	// worst elongation over round, scaled by star size, approximates the
	// drift in pixels.
	det.TrackingError = (det.ElongationMax - 1.0) * det.FWHM
	if opts.CropSize > 0 {
		det.Tiles = tileMap(stars, width, height, opts.CropSize)
	}
	return det, nil
}

func pixelStats(pixels []float32) (mean float64, stddev float32) {
	var sum float64
	for _, p := range pixels {
		sum += float64(p)
	}
	mean = sum / float64(len(pixels))

	var variance float64
	for _, p := range pixels {
		diff := float64(p) - mean
		variance += diff * diff
	}
	return mean, float32(math.Sqrt(variance / float64(len(pixels))))
}

// scanBlobs flood-fills connected above-threshold regions and keeps the
// star-sized ones. The context is checked per row so a stopped batch run
// does not finish a whole frame scan.
func scanBlobs(ctx context.Context, pixels []float32, width, height int, threshold float32) ([]star, error) {
	visited := make([]bool, len(pixels))
	var stars []star

	for y := 0; y < height; y++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		for x := 0; x < width; x++ {
			idx := y*width + x
			if pixels[idx] < threshold || visited[idx] {
				continue
			}
			blob := floodFill(pixels, visited, x, y, width, height, threshold)
			if len(blob) < minBlobPixels || len(blob) > maxBlobPixels {
				continue
			}
			if s, ok := measureBlob(pixels, blob, width); ok {
				stars = append(stars, s)
			}
		}
	}
	return stars, nil
}

type point struct{ x, y int }

func floodFill(pixels []float32, visited []bool, startX, startY, width, height int, threshold float32) []point {
	var blob []point
	stack := []point{{startX, startY}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.x < 0 || p.x >= width || p.y < 0 || p.y >= height {
			continue
		}
		idx := p.y*width + p.x
		if visited[idx] || pixels[idx] < threshold {
			continue
		}
		visited[idx] = true
		blob = append(blob, p)

		stack = append(stack,
			point{p.x + 1, p.y},
			point{p.x - 1, p.y},
			point{p.x, p.y + 1},
			point{p.x, p.y - 1},
		)
	}
	return blob
}

// measureBlob computes the flux-weighted centroid, mean radius, and the
// elongation from the second central moments.
func measureBlob(pixels []float32, blob []point, width int) (star, bool) {
	var sumX, sumY, flux float64
	for _, p := range blob {
		v := float64(pixels[p.y*width+p.x])
		sumX += float64(p.x) * v
		sumY += float64(p.y) * v
		flux += v
	}
	if flux <= 0 {
		return star{}, false
	}
	cx := sumX / flux
	cy := sumY / flux

	var mxx, myy, mxy, radius float64
	for _, p := range blob {
		v := float64(pixels[p.y*width+p.x])
		dx := float64(p.x) - cx
		dy := float64(p.y) - cy
		mxx += v * dx * dx
		myy += v * dy * dy
		mxy += v * dx * dy
		radius += v * math.Sqrt(dx*dx+dy*dy)
	}
	mxx /= flux
	myy /= flux
	mxy /= flux
	radius /= flux

	// Eigenvalues of the moment matrix give the squared semi-axes.
	tr := mxx + myy
	disc := math.Sqrt(math.Max(0, (mxx-myy)*(mxx-myy)+4*mxy*mxy))
	major := (tr + disc) / 2
	minor := (tr - disc) / 2

	elongation := 1.0
	if minor > 1e-9 {
		elongation = math.Sqrt(major / minor)
	}

	return star{
		x:          cx,
		y:          cy,
		flux:       flux,
		pixels:     len(blob),
		elongation: elongation,
		radius:     math.Max(radius, 0.5),
	}, true
}

func medianRadius(stars []star) float64 {
	radii := make([]float64, len(stars))
	for i, s := range stars {
		radii[i] = s.radius
	}
	sort.Float64s(radii)
	return radii[len(radii)/2]
}

func elongationStats(stars []star) (p90, maxE float64) {
	elongs := make([]float64, len(stars))
	for i, s := range stars {
		elongs[i] = s.elongation
	}
	sort.Float64s(elongs)
	maxE = elongs[len(elongs)-1]
	p90 = elongs[(len(elongs)*9)/10]
	if p90 < 1 {
		p90 = 1
	}
	if maxE < 1 {
		maxE = 1
	}
	return p90, maxE
}

// backgroundNoise is the standard deviation of the sub-threshold sky pixels
// as a fraction of full scale.
func backgroundNoise(pixels []float32, threshold float32) float64 {
	var sum float64
	var n int
	for _, p := range pixels {
		if p < threshold {
			sum += float64(p)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	var variance float64
	for _, p := range pixels {
		if p < threshold {
			diff := float64(p) - mean
			variance += diff * diff
		}
	}
	return math.Sqrt(variance / float64(n))
}

// tileMap records the worst elongation per cropSize x cropSize cell so the
// review UI can show where in the field trailing is concentrated.
func tileMap(stars []star, width, height, cropSize int) []quality.ElongationTile {
	type key struct{ tx, ty int }
	worst := map[key]float64{}
	for _, s := range stars {
		k := key{int(s.x) / cropSize, int(s.y) / cropSize}
		if s.elongation > worst[k] {
			worst[k] = s.elongation
		}
	}
	tiles := make([]quality.ElongationTile, 0, len(worst))
	for k, e := range worst {
		tiles = append(tiles, quality.ElongationTile{X: k.tx, Y: k.ty, MaxElongation: e})
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Y != tiles[j].Y {
			return tiles[i].Y < tiles[j].Y
		}
		return tiles[i].X < tiles[j].X
	})
	return tiles
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
