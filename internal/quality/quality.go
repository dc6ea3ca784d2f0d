// Package quality scores how usable a snout photograph is for biometric
// matching. The scoring is a set of independent pixel heuristics; it never
// touches the network or the filesystem.
package quality

import (
	"fmt"
	"image"
	"math"
)

// Code identifies a single quality problem.
type Code string

const (
	LowResolution Code = "LOW_RESOLUTION"
	TooDark       Code = "TOO_DARK"
	TooBright     Code = "TOO_BRIGHT"
	Blurry        Code = "BLURRY"
	LowContrast   Code = "LOW_CONTRAST"
)

// Issue is a detected problem together with an actionable description.
type Issue struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Report is the outcome of an assessment.
type Report struct {
	Score      int     `json:"score"`
	Issues     []Issue `json:"issues"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Brightness float64 `json:"brightness"`
	Sharpness  float64 `json:"sharpness"`
	Contrast   float64 `json:"contrast"`
}

// Has reports whether the report contains the given code.
func (r Report) Has(code Code) bool {
	for _, issue := range r.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// Messages flattens the issues into human readable strings.
func (r Report) Messages() []string {
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		out = append(out, issue.Message)
	}
	return out
}

// Thresholds configures the heuristics. Penalties are subtracted from 100.
type Thresholds struct {
	MinWidth      int
	MinHeight     int
	MinBrightness float64
	MaxBrightness float64
	MinSharpness  float64
	MinContrast   float64

	ResolutionPenalty int
	BrightnessPenalty int
	SharpnessPenalty  int
	ContrastPenalty   int
}

// DefaultThresholds returns the production tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinWidth:      100,
		MinHeight:     100,
		MinBrightness: 30,
		MaxBrightness: 225,
		MinSharpness:  100,
		MinContrast:   30,

		ResolutionPenalty: 30,
		BrightnessPenalty: 20,
		SharpnessPenalty:  25,
		ContrastPenalty:   15,
	}
}

// Gate assesses decoded images.
type Gate struct {
	t Thresholds
}

// NewGate builds a gate with the given thresholds.
func NewGate(t Thresholds) *Gate {
	return &Gate{t: t}
}

// Assess scores img in [0,100] and lists every heuristic that fired.
func (g *Gate) Assess(img image.Image) Report {
	b := img.Bounds()
	rep := Report{Width: b.Dx(), Height: b.Dy()}
	score := 100

	if rep.Width < g.t.MinWidth || rep.Height < g.t.MinHeight {
		score -= g.t.ResolutionPenalty
		rep.Issues = append(rep.Issues, Issue{
			Code:    LowResolution,
			Message: fmt.Sprintf("resolution too low (%dx%d), minimum is %dx%d", rep.Width, rep.Height, g.t.MinWidth, g.t.MinHeight),
		})
	}

	luma := Luma(img)
	mean, std := meanStd(luma.Pix)
	rep.Brightness = mean
	rep.Contrast = std

	switch {
	case mean < g.t.MinBrightness:
		score -= g.t.BrightnessPenalty
		rep.Issues = append(rep.Issues, Issue{Code: TooDark, Message: fmt.Sprintf("image too dark (brightness %.1f)", mean)})
	case mean > g.t.MaxBrightness:
		score -= g.t.BrightnessPenalty
		rep.Issues = append(rep.Issues, Issue{Code: TooBright, Message: fmt.Sprintf("image too bright (brightness %.1f)", mean)})
	}

	rep.Sharpness = LaplacianVariance(luma)
	if rep.Sharpness < g.t.MinSharpness {
		score -= g.t.SharpnessPenalty
		rep.Issues = append(rep.Issues, Issue{Code: Blurry, Message: fmt.Sprintf("image out of focus (sharpness %.1f)", rep.Sharpness)})
	}

	if std < g.t.MinContrast {
		score -= g.t.ContrastPenalty
		rep.Issues = append(rep.Issues, Issue{Code: LowContrast, Message: fmt.Sprintf("low contrast (%.1f)", std)})
	}

	rep.Score = max(0, min(100, score))
	return rep
}

func meanStd(pix []float64) (float64, float64) {
	if len(pix) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range pix {
		sum += v
	}
	mean := sum / float64(len(pix))
	var sq float64
	for _, v := range pix {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(pix)))
}
