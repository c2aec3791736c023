package stitch

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/ericpauley/go-quantize/quantize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Composite lays overlay onto base with the source-over rule and returns a
// new image. Opaque formats are treated as alpha 255. Per pixel, with integer
// truncation:
//
//	outA = 255 - (255-baseA)(255-overA)/255
//	outC = (baseC(255-overA) + overC*overA)/255
func Composite(base, overlay image.Image) *image.NRGBA {
	out := ToNRGBA(base)
	over := ToNRGBA(overlay)
	b, ob := out.Bounds(), over.Bounds()

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			op := image.Pt(x-b.Min.X+ob.Min.X, y-b.Min.Y+ob.Min.Y)
			if !op.In(ob) {
				continue
			}
			oi := over.PixOffset(op.X, op.Y)
			oa := uint32(over.Pix[oi+3])
			if oa == 0 {
				continue
			}
			bi := out.PixOffset(x, y)
			ba := uint32(out.Pix[bi+3])
			inv := 255 - oa
			for c := 0; c < 3; c++ {
				out.Pix[bi+c] = uint8((uint32(out.Pix[bi+c])*inv + uint32(over.Pix[oi+c])*oa) / 255)
			}
			out.Pix[bi+3] = uint8(255 - (255-ba)*inv/255)
		}
	}
	return out
}

// ToNRGBA returns img as a fresh *image.NRGBA.
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// Quantize reduces img to a 256-colour palette. Fully transparent pixels map
// to palette index 0.
func Quantize(img image.Image) *image.Paletted {
	q := quantize.MedianCutQuantizer{}
	raw := q.Quantize(make(color.Palette, 0, 255), img)

	pal := color.Palette{color.NRGBA{}}
	pal = append(pal, raw...)

	b := img.Bounds()
	dst := image.NewPaletted(b, pal)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.A == 0 {
				dst.SetColorIndex(x, y, 0)
				continue
			}
			dst.SetColorIndex(x, y, uint8(pal[1:].Index(c)+1))
		}
	}
	return dst
}

// ErrUndecodable marks a file that exists but does not hold a readable image.
var ErrUndecodable = errors.New("undecodable image")

// DecodeFile reads a PNG, JPEG or WebP image.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w: %w", path, ErrUndecodable, err)
	}
	return img, nil
}

// CheckFile reports whether path holds a non-empty image in a known format,
// reading only its header.
func CheckFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, _, err := image.DecodeConfig(f); err != nil {
		return fmt.Errorf("decoding %s: %w: %w", path, ErrUndecodable, err)
	}
	return nil
}

// EncodeFile writes img using the format implied by the path extension.
// PNG output is palette-quantised when quantise is set.
func EncodeFile(path string, img image.Image, quantise bool) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
	default:
		var out image.Image = img
		if quantise {
			out = Quantize(img)
		}
		if err := png.Encode(&buf, out); err != nil {
			return fmt.Errorf("encoding %s: %w", path, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
