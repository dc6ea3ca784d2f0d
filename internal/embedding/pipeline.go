package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/example/snoutid/internal/quality"
)

// MaxPixels bounds decoded images so a crafted header cannot exhaust memory.
const MaxPixels = 40_000_000

// Pipeline decodes the upload, assesses its quality with the gate, and
// hands it to the model. The model's vector is checked, never rescaled.
type Pipeline struct {
	model  Model
	gate   *quality.Gate
	dim    int
	logger *zap.Logger
}

// NewPipeline wires a model with the quality gate.
func NewPipeline(model Model, gate *quality.Gate, dim int, logger *zap.Logger) *Pipeline {
	return &Pipeline{model: model, gate: gate, dim: dim, logger: logger.Named("embedding_pipeline")}
}

// Embed implements Provider.
func (p *Pipeline) Embed(ctx context.Context, imageBytes []byte) (*Result, error) {
	img, err := Decode(imageBytes)
	if err != nil {
		return nil, err
	}

	report := p.gate.Assess(img)
	if report.Score < 50 {
		p.logger.Debug("low quality input", zap.Int("score", report.Score), zap.Strings("issues", report.Messages()))
	}

	vec, err := p.model.Infer(ctx, Input{Raw: imageBytes, Image: img})
	if err != nil {
		var failure *Failure
		if !errors.As(err, &failure) {
			failure = inferenceFailure(err, fmt.Sprintf("internal error: %v", err))
		}
		failure.Quality = &report
		return nil, failure
	}
	if len(vec) != p.dim {
		return nil, inferenceFailure(nil, fmt.Sprintf("model returned %d dimensions, expected %d", len(vec), p.dim))
	}
	if !IsUnit(vec) {
		return nil, inferenceFailure(nil, fmt.Sprintf("model returned a non-normalized vector (norm %.4f)", Norm(vec)))
	}

	return &Result{Vector: vec, Score: report.Score, Issues: report.Issues}, nil
}

// Close releases the model.
func (p *Pipeline) Close() error {
	return p.model.Close()
}

// Decode parses jpeg, png, gif and webp payloads.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, decodeFailure(nil, "invalid image: empty payload")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, decodeFailure(err, fmt.Sprintf("invalid image: %v", err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, decodeFailure(nil, fmt.Sprintf("invalid image: unsupported dimensions %dx%d", cfg.Width, cfg.Height))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeFailure(err, fmt.Sprintf("invalid %s image: %v", format, err))
	}
	return img, nil
}
