// Package imaging prepares camera frames for the accelerator: aspect-ratio
// preserving nearest-neighbor resize, optional quarter-turn rotation, and
// centered letterbox padding into the interleaved 4-word pixel layout the
// fabric streams in.
package imaging

import (
	"image"
	"image/color"
)

// Letterbox resizes img to fit within a size x size square (preserving
// aspect ratio), rotates it by rotateAngle (0, 90, 180 or 270; other values
// leave the frame unrotated), and centers it on a black square. The result
// is the interleaved input layout: 4 words per pixel, R G B followed by a
// zero pad word, pixel values kept at their raw 0..255 range.
func Letterbox(img image.Image, size, rotateAngle int) []int16 {
	resized := resizeNearest(img, size)
	rotated := Rotate(resized, rotateAngle)

	b := rotated.Bounds()
	padW := absDiff(b.Dx(), size) / 2
	padH := absDiff(b.Dy(), size) / 2

	data := make([]int16, size*size*4)
	placePixels(data, rotated, size, padW, padH)
	return data
}

// Rotate returns img turned clockwise by angle degrees. Only quarter turns
// are supported; any other angle returns the image unchanged.
func Rotate(img *image.RGBA, angle int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var out *image.RGBA
	switch angle {
	case 90:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(h-1-y, x, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 180:
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(w-1-x, h-1-y, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 270:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(y, w-1-x, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	default:
		return img
	}
	return out
}

// resizeNearest scales img so its longer side becomes size, keeping the
// aspect ratio, using nearest-neighbor sampling.
func resizeNearest(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	dstW, dstH := size, size
	if srcW >= srcH {
		dstH = srcH * size / srcW
	} else {
		dstW = srcW * size / srcH
	}
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		srcY := b.Min.Y + y*srcH/dstH
		for x := 0; x < dstW; x++ {
			srcX := b.Min.X + x*srcW/dstW
			out.Set(x, y, img.At(srcX, srcY))
		}
	}
	return out
}

// placePixels writes the image into data at the given offset, 4 words per
// pixel with the fourth left zero.
func placePixels(data []int16, img *image.RGBA, size, xOffset, yOffset int) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			base := 4 * (x + xOffset + (y+yOffset)*size)
			data[base] = int16(c.R)
			data[base+1] = int16(c.G)
			data[base+2] = int16(c.B)
		}
	}
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
