package escpos

import (
	"fmt"
	"image"
	"image/color"
)

const (
	// PrintWidthPx is the dot width of an 80mm thermal head at 203 DPI.
	PrintWidthPx = 576

	// rasterHeaderLen is GS v 0 m + xL xH yL yH.
	rasterHeaderLen = 8

	maxRasterHeight = 0xffff
)

// Raster encodes an image as a GS v 0 raster bit image. Images wider than
// PrintWidthPx are downscaled to fit the head; grayscale conversion and
// Floyd-Steinberg dithering produce the 1bpp rows. A set bit is a black dot.
func Raster(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	gray := toGray(img)
	if gray.Bounds().Dx() > PrintWidthPx {
		gray = scaleToWidth(gray, PrintWidthPx)
	}

	w := gray.Bounds().Dx()
	h := gray.Bounds().Dy()
	if h > maxRasterHeight {
		return nil, fmt.Errorf("image height %d exceeds raster limit %d", h, maxRasterHeight)
	}

	bitmap := dither(gray)

	widthBytes := (w + 7) / 8
	out := make([]byte, 0, rasterHeaderLen+widthBytes*h)
	out = append(out,
		0x1d, 'v', '0', 0x00,
		byte(widthBytes), byte(widthBytes>>8),
		byte(h), byte(h>>8),
	)

	for y := 0; y < h; y++ {
		row := make([]byte, widthBytes)
		for x := 0; x < w; x++ {
			if bitmap[y*w+x] {
				row[x/8] |= 0x80 >> uint(x%8)
			}
		}
		out = append(out, row...)
	}

	return out, nil
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x-bounds.Min.X, y-bounds.Min.Y, img.At(x, y))
		}
	}
	return gray
}

// scaleToWidth is a box-sampling downscale; only ever called to shrink.
func scaleToWidth(src *image.Gray, width int) *image.Gray {
	srcW := src.Bounds().Dx()
	srcH := src.Bounds().Dy()
	height := srcH * width / srcW
	if height < 1 {
		height = 1
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		y0 := y * srcH / height
		y1 := (y + 1) * srcH / height
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < width; x++ {
			x0 := x * srcW / width
			x1 := (x + 1) * srcW / width
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum, n int
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					sum += int(src.GrayAt(sx, sy).Y)
					n++
				}
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	return dst
}

// dither applies Floyd-Steinberg error diffusion; true means a black dot.
func dither(src *image.Gray) []bool {
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()

	levels := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			levels[y*w+x] = int(src.GrayAt(x, y).Y)
		}
	}

	out := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			old := levels[i]
			var newVal int
			if old < 128 {
				out[i] = true
				newVal = 0
			} else {
				newVal = 255
			}
			err := old - newVal

			if x+1 < w {
				levels[i+1] += err * 7 / 16
			}
			if y+1 < h {
				if x > 0 {
					levels[i+w-1] += err * 3 / 16
				}
				levels[i+w] += err * 5 / 16
				if x+1 < w {
					levels[i+w+1] += err * 1 / 16
				}
			}
		}
	}
	return out
}
