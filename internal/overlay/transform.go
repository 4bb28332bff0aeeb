package overlay

// Transform mutates one RGB24 frame and returns it. Implementations must
// return a frame of the same width and height; they may modify the input in
// place.
type Transform interface {
	Apply(frame []byte, width, height int, overlay *Image, opacity float64) []byte
}

// Watermark composites the session's overlay image into the bottom-right
// corner of each frame at the requested opacity. With no overlay loaded it
// stamps a small fixed marker instead, so the processed stream is always
// distinguishable from the raw one.
type Watermark struct {
	// Margin in pixels from the bottom-right corner.
	Margin int
}

func NewWatermark() *Watermark {
	return &Watermark{Margin: 16}
}

func (w *Watermark) Apply(frame []byte, width, height int, overlay *Image, opacity float64) []byte {
	if len(frame) < width*height*3 {
		return frame
	}
	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}
	if overlay != nil && overlay.Width > 0 && overlay.Height > 0 {
		w.blendImage(frame, width, height, overlay, opacity)
		return frame
	}
	w.stampMarker(frame, width, height, opacity)
	return frame
}

func (w *Watermark) blendImage(frame []byte, width, height int, ov *Image, opacity float64) {
	x0 := width - ov.Width - w.Margin
	y0 := height - ov.Height - w.Margin
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	for oy := 0; oy < ov.Height; oy++ {
		fy := y0 + oy
		if fy >= height {
			break
		}
		for ox := 0; ox < ov.Width; ox++ {
			fx := x0 + ox
			if fx >= width {
				break
			}
			si := (oy*ov.Width + ox) * 4
			alpha := opacity * float64(ov.Pix[si+3]) / 255
			if alpha == 0 {
				continue
			}
			di := (fy*width + fx) * 3
			for ch := 0; ch < 3; ch++ {
				dst := float64(frame[di+ch])
				src := float64(ov.Pix[si+ch])
				frame[di+ch] = uint8(dst + (src-dst)*alpha)
			}
		}
	}
}

// stampMarker draws a fixed 32x8 light bar near the bottom-right corner.
func (w *Watermark) stampMarker(frame []byte, width, height int, opacity float64) {
	const markW, markH = 32, 8
	x0 := width - markW - w.Margin
	y0 := height - markH - w.Margin
	if x0 < 0 || y0 < 0 {
		return
	}
	for y := y0; y < y0+markH; y++ {
		for x := x0; x < x0+markW; x++ {
			di := (y*width + x) * 3
			for ch := 0; ch < 3; ch++ {
				dst := float64(frame[di+ch])
				frame[di+ch] = uint8(dst + (230-dst)*opacity)
			}
		}
	}
}
