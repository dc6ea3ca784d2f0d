// Package embedding defines the contract with the inference backend that
// turns a snout photograph into a unit-length biometric vector, together
// with the local decode and quality pipeline wrapped around it.
package embedding

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/example/snoutid/internal/quality"
)

// Dimension is the signature length produced by the deployed model.
// Changing it invalidates every stored signature.
const Dimension = 768

// NormTolerance is the accepted deviation of a signature's L2 norm from 1.
const NormTolerance = 1e-3

// Result is a successful embedding together with the quality assessment
// of the image it was computed from.
type Result struct {
	Vector []float32
	Score  int
	Issues []quality.Issue
}

// IssueMessages flattens the quality issues for display.
func (r *Result) IssueMessages() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		out = append(out, issue.Message)
	}
	return out
}

// Provider produces signatures. Implementations report decode and model
// problems as *Failure instead of panicking.
type Provider interface {
	Embed(ctx context.Context, imageBytes []byte) (*Result, error)
}

// Input is what a Model receives: the raw upload and its decoded form.
type Input struct {
	Raw   []byte
	Image image.Image
}

// Model is the black-box network. It must return an L2-normalized vector.
type Model interface {
	Infer(ctx context.Context, in Input) ([]float32, error)
	Close() error
}

// FailureKind distinguishes malformed input from model-side faults.
type FailureKind string

const (
	FailureDecode    FailureKind = "decode"
	FailureInference FailureKind = "inference"
)

// Failure carries an itemized, human readable reason list. Quality is set
// when the image decoded and was assessed before the model gave up.
type Failure struct {
	Kind    FailureKind
	Reasons []string
	Err     error
	Quality *quality.Report
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("embedding %s failure: %s", f.Kind, strings.Join(f.Reasons, "; "))
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

func decodeFailure(err error, reasons ...string) *Failure {
	return &Failure{Kind: FailureDecode, Reasons: reasons, Err: err}
}

func inferenceFailure(err error, reasons ...string) *Failure {
	return &Failure{Kind: FailureInference, Reasons: reasons, Err: err}
}
