package camera

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayOrigin is the baseline origin of the timestamp text.
var OverlayOrigin = image.Pt(10, 30)

// OverlayColor is the timestamp text colour.
var OverlayColor = color.RGBA{G: 0xff, A: 0xff}

// Stamp formats the elapsed session time the way it is burned into frames.
func Stamp(elapsed time.Duration) string {
	return fmt.Sprintf("Time: %.3fs", elapsed.Seconds())
}

// Overlay returns a copy of img with text drawn at OverlayOrigin.
// The source image is not modified.
func Overlay(img image.Image, text string) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(OverlayColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(b.Min.X+OverlayOrigin.X, b.Min.Y+OverlayOrigin.Y),
	}
	d.DrawString(text)
	return dst
}
