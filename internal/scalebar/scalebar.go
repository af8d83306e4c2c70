// Package scalebar overlays a depth ruler onto a raw grayscale ultrasound
// frame and returns the composited image as JPEG bytes: a semi-transparent
// strip down the right edge with major/minor mm ticks and labels, sized to
// land on a "nice" interval (1/2/5 × a power of ten) regardless of the
// probe's configured depth.
package scalebar

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// errShortBuffer is returned when the caller's grayscale slice doesn't
// match the width*height it claims to represent.
var errShortBuffer = errors.New("scalebar: grayscale buffer length does not match width*height")

const (
	targetTicks = 6
	jpegQuality = 85
)

// Render draws the ruler over a width*height grayscale buffer (one byte per
// pixel) and returns JPEG-encoded RGB bytes. depthMM is the full visible
// depth represented by the frame's height.
func Render(gray []byte, width, height int, depthMM float64) ([]byte, error) {
	if len(gray) != width*height {
		return nil, errShortBuffer
	}
	if depthMM <= 0 {
		depthMM = 120.0
	}

	base := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := gray[y*width+x]
			base.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	majorMM := niceInterval(depthMM, targetTicks)
	if majorMM < 1 {
		majorMM = 1
	}
	minorMM := majorMM / 5
	if minorMM < 1 {
		minorMM = 1
	}

	marginX := int(float64(width) * 0.93)
	tickLenMajor := int(float64(width) * 0.04)
	tickLenMinor := int(float64(width) * 0.02)
	bgX0 := marginX - int(float64(width)*0.01)

	fillRect(base, bgX0, 0, width, height, color.RGBA{A: 90})

	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: base, Src: image.NewUniform(color.RGBA{255, 255, 255, 230}), Face: face}
	shadowDrawer := &font.Drawer{Dst: base, Src: image.NewUniform(color.RGBA{0, 0, 0, 180}), Face: face}

	maxDepth := int(math.Ceil(depthMM))
	for depth := 0; depth <= maxDepth; depth += minorMM {
		y := int(math.Round(float64(depth) / depthMM * float64(height)))
		if y < 0 || y >= height {
			continue
		}
		if depth%majorMM == 0 {
			drawHLine(base, marginX, marginX+tickLenMajor, y, color.RGBA{255, 255, 255, 220})
			label := formatDepth(depth)
			tx := marginX + tickLenMajor + int(float64(width)*0.01)
			ty := y + face.Height/4
			drawLabel(shadowDrawer, tx+1, ty+1, label)
			drawLabel(drawer, tx, ty, label)
		} else {
			drawHLine(base, marginX, marginX+tickLenMinor, y, color.RGBA{200, 200, 200, 180})
		}
	}

	rangeLabel := "Depth: 0 - " + formatDepth(int(math.Round(depthMM)))
	drawLabel(drawer, bgX0+6, 13, rangeLabel)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, base, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// niceInterval picks the smallest interval in {1,2,5} x 10^k that yields at
// most targetTicks divisions of maxMM.
func niceInterval(maxMM float64, targetTicks int) int {
	raw := maxMM / float64(targetTicks)
	if raw <= 0 {
		return 10
	}
	magnitude := math.Pow(10, math.Floor(math.Log10(raw)))
	for _, factor := range []float64{1, 2, 5} {
		interval := factor * magnitude
		if raw <= interval {
			return int(interval)
		}
	}
	return int(10 * magnitude)
}

func formatDepth(depthMM int) string {
	if depthMM < 1000 {
		return strconv.Itoa(depthMM) + " mm"
	}
	return fmt.Sprintf("%.1f cm", float64(depthMM)/10.0)
}

func drawLabel(d *font.Drawer, x, y int, s string) {
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

// blendOver alpha-composites c (Porter-Duff "over") onto img's existing
// pixel and writes back fully opaque, since the RGBA buffer here is the
// final rendered frame, not an intermediate layer.
func blendOver(img *image.RGBA, x, y int, c color.RGBA) {
	if x < 0 || y < 0 || x >= img.Rect.Dx() || y >= img.Rect.Dy() {
		return
	}
	if c.A == 255 {
		img.Set(x, y, color.RGBA{c.R, c.G, c.B, 255})
		return
	}
	bg := img.RGBAAt(x, y)
	a := float64(c.A) / 255.0
	blend := func(fg, bg uint8) uint8 {
		return uint8(float64(fg)*a + float64(bg)*(1-a))
	}
	img.Set(x, y, color.RGBA{blend(c.R, bg.R), blend(c.G, bg.G), blend(c.B, bg.B), 255})
}

func drawHLine(img *image.RGBA, x0, x1, y int, c color.RGBA) {
	for x := x0; x < x1; x++ {
		blendOver(img, x, y, c)
	}
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			blendOver(img, x, y, c)
		}
	}
}
