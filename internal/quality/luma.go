package quality

import (
	"image"
	"image/color"
)

// LumaImage is a row-major grayscale plane with float intensities in [0,255].
type LumaImage struct {
	Width, Height int
	Pix           []float64
}

// At returns the intensity at (x, y) using reflect-101 borders, so
// coordinates one step outside the plane mirror the first interior pixel.
func (l *LumaImage) At(x, y int) float64 {
	return l.Pix[reflect101(y, l.Height)*l.Width+reflect101(x, l.Width)]
}

// Luma converts img to BT.601 luma on 8-bit channel values.
func Luma(img image.Image) *LumaImage {
	b := img.Bounds()
	out := &LumaImage{Width: b.Dx(), Height: b.Dy(), Pix: make([]float64, b.Dx()*b.Dy())}

	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < out.Height; y++ {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+out.Width]
			for x, v := range row {
				out.Pix[y*out.Width+x] = float64(v)
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			v := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			out.Pix[(y-b.Min.Y)*out.Width+(x-b.Min.X)] = v
		}
	}
	return out
}

// LaplacianVariance filters l with the 4-neighbour Laplacian kernel and
// returns the variance of the response. Sharp images score high.
func LaplacianVariance(l *LumaImage) float64 {
	if l.Width == 0 || l.Height == 0 {
		return 0
	}
	resp := make([]float64, 0, len(l.Pix))
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			v := l.At(x-1, y) + l.At(x+1, y) + l.At(x, y-1) + l.At(x, y+1) - 4*l.At(x, y)
			resp = append(resp, v)
		}
	}
	_, std := meanStd(resp)
	return std * std
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}
