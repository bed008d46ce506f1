// Package facetrack provides the region-of-interest geometry shared with
// face-tracking input producers: padded landmark crops, the affine that maps
// source pixels into a normalized tile, and frame-to-frame smoothing.
package facetrack

import "math"

// Point is a 2D source-space coordinate.
type Point struct {
	X float64
	Y float64
}

// Bounds clamp a crop to the source frame.
type Bounds struct {
	Width  int
	Height int
}

// ROITransform is a crop rectangle plus the 2x3 affine mapping source pixels
// into a normalized WxH tile. Row-major affine layout:
//
//	[a b c]   [x]   [x']
//	[d e f] * [y] = [y']
type ROITransform struct {
	// Crop rectangle in source pixels.
	CropX, CropY, CropW, CropH float64

	// Affine is the row-major 2x3 matrix into the normalized tile.
	Affine [6]float64

	// NormalizedW and NormalizedH are the tile dimensions.
	NormalizedW int
	NormalizedH int
}

// DefaultNormalizedSize is the stock tile edge for mouth and face crops.
const DefaultNormalizedSize = 96

// DefaultPaddingRatio is the crop padding applied around the landmark
// bounding box.
const DefaultPaddingRatio = 0.25

// DefaultSmoothAlpha weights the previous crop when smoothing.
const DefaultSmoothAlpha = 0.8

// FromLandmarks builds a padded crop around the selected landmarks and the
// affine that maps it into a normalizedW x normalizedH tile. Out-of-range
// indices are skipped; clamp restricts the crop to the frame when non-nil.
func FromLandmarks(landmarks []Point, indices []int, paddingRatio float64, normalizedW, normalizedH int, clamp *Bounds) ROITransform {
	if paddingRatio < 0 {
		paddingRatio = DefaultPaddingRatio
	}
	if normalizedW <= 0 {
		normalizedW = DefaultNormalizedSize
	}
	if normalizedH <= 0 {
		normalizedH = DefaultNormalizedSize
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, i := range indices {
		if i < 0 || i >= len(landmarks) {
			continue
		}
		p := landmarks[i]
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	if math.IsInf(minX, 1) {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	w0 := math.Max(1, maxX-minX)
	h0 := math.Max(1, maxY-minY)
	padX := w0 * paddingRatio
	padY := h0 * paddingRatio
	x := minX - padX
	y := minY - padY
	w := w0 + 2*padX
	h := h0 + 2*padY

	if clamp != nil {
		x = math.Max(0, math.Min(x, float64(clamp.Width)-1))
		y = math.Max(0, math.Min(y, float64(clamp.Height)-1))
		w = math.Max(1, math.Min(w, float64(clamp.Width)-x))
		h = math.Max(1, math.Min(h, float64(clamp.Height)-y))
	}

	return roiWithAffine(x, y, w, h, normalizedW, normalizedH)
}

// Smooth blends the previous crop into the next one with weight alpha on
// prev, recomputing the affine so the normalized size is preserved.
func Smooth(prev, next ROITransform, alpha float64) ROITransform {
	a := math.Max(0, math.Min(1, alpha))
	b := 1 - a

	x := prev.CropX*a + next.CropX*b
	y := prev.CropY*a + next.CropY*b
	w := prev.CropW*a + next.CropW*b
	h := prev.CropH*a + next.CropH*b

	normW, normH := next.NormalizedW, next.NormalizedH
	if normW <= 0 || normH <= 0 {
		normW, normH = prev.NormalizedW, prev.NormalizedH
	}
	if normW <= 0 || normH <= 0 {
		normW, normH = DefaultNormalizedSize, DefaultNormalizedSize
	}
	return roiWithAffine(x, y, w, h, normW, normH)
}

func roiWithAffine(x, y, w, h float64, normW, normH int) ROITransform {
	scaleX := float64(normW) / math.Max(1e-6, w)
	scaleY := float64(normH) / math.Max(1e-6, h)
	return ROITransform{
		CropX: x, CropY: y, CropW: w, CropH: h,
		Affine:      [6]float64{scaleX, 0, -x * scaleX, 0, scaleY, -y * scaleY},
		NormalizedW: normW,
		NormalizedH: normH,
	}
}

// Apply maps a source point through the transform into tile space.
func (r ROITransform) Apply(p Point) Point {
	return Point{
		X: r.Affine[0]*p.X + r.Affine[1]*p.Y + r.Affine[2],
		Y: r.Affine[3]*p.X + r.Affine[4]*p.Y + r.Affine[5],
	}
}
