package embedding

import (
	"context"
	"fmt"

	"github.com/example/snoutid/internal/quality"
)

const thumbnailWidth = 32

// ThumbnailModel is a deterministic, dependency-free stand-in for the
// neural network: the luma plane is area-averaged onto a small grid,
// mean-centred and L2-normalized. It keeps development and tests
// independent of inference hardware.
type ThumbnailModel struct {
	w, h int
}

// NewThumbnailModel builds a model whose output has dim entries. dim must
// be a multiple of 32.
func NewThumbnailModel(dim int) (*ThumbnailModel, error) {
	if dim <= 0 || dim%thumbnailWidth != 0 {
		return nil, fmt.Errorf("thumbnail model: dimension %d is not a multiple of %d", dim, thumbnailWidth)
	}
	return &ThumbnailModel{w: thumbnailWidth, h: dim / thumbnailWidth}, nil
}

// Infer implements Model.
func (m *ThumbnailModel) Infer(ctx context.Context, in Input) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Image == nil {
		return nil, decodeFailure(nil, "invalid image: nothing decoded")
	}

	luma := quality.Luma(in.Image)
	if luma.Width < m.w || luma.Height < m.h {
		return nil, inferenceFailure(nil, fmt.Sprintf("image smaller than model grid %dx%d", m.w, m.h))
	}

	out := make([]float32, m.w*m.h)
	var mean float64
	for gy := 0; gy < m.h; gy++ {
		y0, y1 := gy*luma.Height/m.h, (gy+1)*luma.Height/m.h
		for gx := 0; gx < m.w; gx++ {
			x0, x1 := gx*luma.Width/m.w, (gx+1)*luma.Width/m.w
			var sum float64
			for y := y0; y < y1; y++ {
				row := luma.Pix[y*luma.Width : (y+1)*luma.Width]
				for x := x0; x < x1; x++ {
					sum += row[x]
				}
			}
			cell := sum / float64((y1-y0)*(x1-x0))
			out[gy*m.w+gx] = float32(cell)
			mean += cell
		}
	}
	mean /= float64(len(out))
	for i := range out {
		out[i] -= float32(mean)
	}
	if !Normalize(out) {
		return nil, inferenceFailure(nil, "image carries no structure to describe")
	}
	return out, nil
}

// Close implements Model.
func (m *ThumbnailModel) Close() error { return nil }
