package challenge

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	mrand "math/rand/v2"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	renderPad     = 4
	renderSpacing = 3
	renderScale   = 3
	noiseLines    = 5
	noiseDots     = 60
)

var (
	renderBackground = color.RGBA{R: 0xf4, G: 0xf1, B: 0xea, A: 0xff}
	renderInk        = color.RGBA{R: 0x2b, G: 0x2d, B: 0x42, A: 0xff}
	renderNoise      = color.RGBA{R: 0x8d, G: 0x99, B: 0xae, A: 0xff}
)

// Render draws code as a small noisy PNG. Glyph baselines are jittered and
// noise is added on top so the image is not trivially OCR-able, but the
// image is only a presentation of the code; Verify never depends on it.
func Render(code string) ([]byte, error) {
	if code == "" {
		return nil, errors.New("empty challenge code")
	}
	face := basicfont.Face7x13
	runes := []rune(code)
	w := renderPad*2 + len(runes)*(face.Advance+renderSpacing)
	h := face.Height + renderPad*2 + 2

	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(small, small.Bounds(), image.NewUniform(renderBackground), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(renderInk),
		Face: face,
	}
	for i, r := range runes {
		x := renderPad + i*(face.Advance+renderSpacing)
		y := renderPad + face.Ascent + mrand.IntN(3) - 1
		d.Dot = fixed.P(x, y)
		d.DrawString(string(r))
	}

	out := image.NewRGBA(image.Rect(0, 0, w*renderScale, h*renderScale))
	draw.NearestNeighbor.Scale(out, out.Bounds(), small, small.Bounds(), draw.Src, nil)
	addNoise(out)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderDataURI returns Render's output as a data: URI.
func RenderDataURI(code string) (string, error) {
	raw, err := Render(code)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func addNoise(img *image.RGBA) {
	b := img.Bounds()
	for i := 0; i < noiseLines; i++ {
		x0, y0 := mrand.IntN(b.Dx()), mrand.IntN(b.Dy())
		x1, y1 := mrand.IntN(b.Dx()), mrand.IntN(b.Dy())
		drawLine(img, x0, y0, x1, y1, renderNoise)
	}
	for i := 0; i < noiseDots; i++ {
		img.Set(mrand.IntN(b.Dx()), mrand.IntN(b.Dy()), renderNoise)
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
