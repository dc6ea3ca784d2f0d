// Package testutil generates synthetic snout photographs and unit vectors
// for tests. It is not used by production code paths.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
)

// Textured returns a well lit, sharp, high contrast image: a blocky
// random pattern whose layout depends on seed. Block size 4 keeps the
// Laplacian response strong while staying far from pure noise.
func Textured(width, height int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	const block = 4
	cols := (width + block - 1) / block
	rows := (height + block - 1) / block
	levels := make([]uint8, cols*rows)
	for i := range levels {
		levels[i] = uint8(40 + rng.Intn(180))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := levels[(y/block)*cols+x/block]
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// Perturbed copies src and flips a fraction of pixels by a small amount,
// producing a second shot of the same subject.
func Perturbed(src *image.RGBA, seed int64, fraction float64, delta int) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	out := image.NewRGBA(src.Bounds())
	copy(out.Pix, src.Pix)
	for i := 0; i < len(out.Pix); i += 4 {
		if rng.Float64() >= fraction {
			continue
		}
		d := rng.Intn(2*delta+1) - delta
		v := clamp(int(out.Pix[i]) + d)
		out.Pix[i], out.Pix[i+1], out.Pix[i+2] = v, v, v
	}
	return out
}

// Uniform returns a flat gray image of the given luma.
func Uniform(width, height int, luma uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = luma
	}
	return img
}

// PNG encodes img as PNG bytes.
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG encodes img as JPEG bytes at high quality.
func JPEG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UnitVector returns a random L2-normalized vector.
func UnitVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var sum float64
	for i := range v {
		f := rng.NormFloat64()
		v[i] = float32(f)
		sum += f * f
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Near returns a unit vector close to base: base plus scaled noise,
// renormalized.
func Near(rng *rand.Rand, base []float32, noise float64) []float32 {
	v := make([]float32, len(base))
	var sum float64
	for i := range base {
		f := float64(base[i]) + rng.NormFloat64()*noise
		v[i] = float32(f)
		sum += f * f
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

func clamp(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
