package media

import "math"

// ScaleDimensions fits a source inside a preset's box while preserving the
// source aspect ratio. The wider edge pins to the preset; the derived edge is
// floored to the nearest even integer because 4:2:0 chroma subsampling
// requires even dimensions.
func ScaleDimensions(sourceWidth, sourceHeight, presetWidth, presetHeight int) (int, int) {
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return presetWidth, presetHeight
	}
	sourceAspect := float64(sourceWidth) / float64(sourceHeight)
	presetAspect := float64(presetWidth) / float64(presetHeight)
	if sourceAspect > presetAspect {
		height := int(float64(presetWidth) / sourceAspect)
		height -= height % 2
		if height < 2 {
			height = 2
		}
		return presetWidth, height
	}
	width := int(float64(presetHeight) * sourceAspect)
	width -= width % 2
	if width < 2 {
		width = 2
	}
	return width, presetHeight
}

// KeyframeInterval returns the GOP size that aligns keyframes with segment
// boundaries, so every segment starts on an independently decodable frame.
func KeyframeInterval(fps float64, segmentDurationSeconds int) int {
	interval := int(math.Round(fps * float64(segmentDurationSeconds)))
	if interval < 1 {
		interval = 1
	}
	return interval
}
