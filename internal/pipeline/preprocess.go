package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ErrImageTooLarge is returned for images whose header declares more
// pixels than allowed.
var ErrImageTooLarge = errors.New("image too large")

// NormalizeImage decodes src (PNG, JPEG or first TIFF page), flattens any
// alpha onto white, shrinks it so the long side is at most maxSide pixels
// (0 disables), and writes a PNG to dst. It returns the output size.
// Images over maxPixels (0 disables) are refused before decoding.
func NormalizeImage(src, dst string, maxSide int, maxPixels int64) (image.Point, error) {
	in, err := os.Open(src)
	if err != nil {
		return image.Point{}, fmt.Errorf("opening image: %w", err)
	}
	defer in.Close()

	cfg, _, err := image.DecodeConfig(in)
	if err != nil {
		return image.Point{}, fmt.Errorf("reading image header: %w", err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && px > maxPixels {
		return image.Point{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return image.Point{}, err
	}

	img, _, err := image.Decode(in)
	if err != nil {
		return image.Point{}, fmt.Errorf("decoding image: %w", err)
	}

	b := img.Bounds()
	w, h := scaledSize(b.Dx(), b.Dy(), maxSide)

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), img, b, draw.Over, nil)
	}

	out, err := os.Create(dst)
	if err != nil {
		return image.Point{}, fmt.Errorf("creating normalized image: %w", err)
	}
	if err := png.Encode(out, canvas); err != nil {
		out.Close()
		return image.Point{}, fmt.Errorf("encoding png: %w", err)
	}
	if err := out.Close(); err != nil {
		return image.Point{}, err
	}
	return image.Pt(w, h), nil
}

func scaledSize(w, h, maxSide int) (int, int) {
	long := max(w, h)
	if maxSide <= 0 || long <= maxSide {
		return w, h
	}
	scale := float64(maxSide) / float64(long)
	return max(1, int(float64(w)*scale+0.5)), max(1, int(float64(h)*scale+0.5))
}
