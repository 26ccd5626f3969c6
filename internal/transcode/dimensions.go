package transcode

import "math"

// Size is a pixel width and height.
type Size struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Transposed returns the size with width and height swapped.
func (s Size) Transposed() Size {
	return Size{Width: s.Height, Height: s.Width}
}

// ScreenBounds scales the display size by factor. A factor above 1 keeps
// cached photos somewhat larger than the viewport.
func ScreenBounds(screen Size, factor float64) (width, height float64) {
	return float64(screen.Width) * factor, float64(screen.Height) * factor
}

// TargetDimensions returns the size a photo of size orig is stored at for
// the given display. Photos that already fit inside the scaled screen keep
// their size; larger ones shrink with their aspect ratio preserved.
func TargetDimensions(orig, screen Size, factor float64) Size {
	if !orig.Valid() || !screen.Valid() || factor <= 0 {
		return orig
	}

	boundW, boundH := ScreenBounds(screen, factor)
	if float64(orig.Width) <= boundW && float64(orig.Height) <= boundH {
		return orig
	}

	ratio := math.Min(boundW/float64(orig.Width), boundH/float64(orig.Height))
	target := Size{
		Width:  int(math.Round(float64(orig.Width) * ratio)),
		Height: int(math.Round(float64(orig.Height) * ratio)),
	}
	if target.Width < 1 {
		target.Width = 1
	}
	if target.Height < 1 {
		target.Height = 1
	}
	return target
}

// SampleFactor returns the largest power of two f such that orig/f still
// covers target on both axes. Decoding at 1/f bounds peak memory without
// dropping below the target resolution.
func SampleFactor(orig, target Size) int {
	if !orig.Valid() || !target.Valid() {
		return 1
	}
	factor := 1
	for orig.Height/(factor*2) >= target.Height && orig.Width/(factor*2) >= target.Width {
		factor *= 2
	}
	return factor
}

// sampledSize is orig divided by factor, as a sampling decoder produces it.
func sampledSize(orig Size, factor int) Size {
	if factor <= 1 {
		return orig
	}
	return Size{
		Width:  max(1, orig.Width/factor),
		Height: max(1, orig.Height/factor),
	}
}
