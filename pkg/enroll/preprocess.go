package enroll

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// LoadImage decodes an enrollment image from disk (jpeg, png, bmp, webp)
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Preprocess converts img to RGB, optionally limits its size, then applies
// brightness and contrast enhancement. The output is a new image; img is not modified.
//
// Brightness scales every channel by the factor. Contrast moves every channel away
// from the mean luminance (0.299R + 0.587G + 0.114B) by the factor.
func Preprocess(img image.Image, cfg Config) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if cfg.MaxDimension > 0 && (w > cfg.MaxDimension || h > cfg.MaxDimension) {
		if w > h {
			h = int(float64(h) * float64(cfg.MaxDimension) / float64(w))
			w = cfg.MaxDimension
		} else {
			w = int(float64(w) * float64(cfg.MaxDimension) / float64(h))
			h = cfg.MaxDimension
		}
	}

	// Work in straight alpha so dropping it keeps the stored colour
	straight := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				straight.SetNRGBA(x, y, c)
			}
		}
	} else {
		draw.CatmullRom.Scale(straight, straight.Bounds(), img, b, draw.Src, nil)
	}

	rgba := image.NewRGBA(straight.Rect)
	for i := 0; i < len(straight.Pix); i += 4 {
		copy(rgba.Pix[i:i+3], straight.Pix[i:i+3])
		rgba.Pix[i+3] = 0xff
	}

	if cfg.Brightness != 1 && cfg.Brightness > 0 {
		for i := 0; i < len(rgba.Pix); i += 4 {
			rgba.Pix[i] = clamp8(float64(rgba.Pix[i]) * cfg.Brightness)
			rgba.Pix[i+1] = clamp8(float64(rgba.Pix[i+1]) * cfg.Brightness)
			rgba.Pix[i+2] = clamp8(float64(rgba.Pix[i+2]) * cfg.Brightness)
		}
	}

	if cfg.Contrast != 1 && cfg.Contrast > 0 {
		mean := math.Round(meanLuminance(rgba))
		for i := 0; i < len(rgba.Pix); i += 4 {
			rgba.Pix[i] = clamp8(mean + cfg.Contrast*(float64(rgba.Pix[i])-mean))
			rgba.Pix[i+1] = clamp8(mean + cfg.Contrast*(float64(rgba.Pix[i+1])-mean))
			rgba.Pix[i+2] = clamp8(mean + cfg.Contrast*(float64(rgba.Pix[i+2])-mean))
		}
	}

	return rgba
}

func meanLuminance(img *image.RGBA) float64 {
	n := len(img.Pix) / 4
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(img.Pix); i += 4 {
		sum += 0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])
	}
	return sum / float64(n)
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
