package jobapi

import (
	"fmt"
	"math"
	"strings"
)

// Parameter ranges accepted by the server.
const (
	MinMultiplier = 1
	MaxMultiplier = 4
	MinTargetFPS  = 1
	MaxTargetFPS  = 120
	MinDownscale  = 0.25
	MaxDownscale  = 1.0
)

// Params are the processing options of one submission.
type Params struct {
	// Multiplier is the frame multiplication factor, 1 to 4.
	Multiplier int
	// TargetFPS is the output frame rate, 1 to 120. Zero lets the server
	// derive it from the input frame rate and Multiplier.
	TargetFPS int
	// Downscale is the resolution factor, 0.25 to 1.0.
	Downscale float64
	KeepAudio bool
	// Preset names a server preset whose values fill in the request.
	Preset string
}

// DefaultParams returns 1x, native frame rate, full resolution, audio kept.
func DefaultParams() Params {
	return Params{Multiplier: 1, Downscale: 1, KeepAudio: true}
}

// Preset is a named parameter set known to the server.
type Preset struct {
	Name   string
	Params Params
}

// Presets lists the presets the reference server ships with.
var Presets = []Preset{
	{Name: "youtube_60fps", Params: Params{Multiplier: 2, TargetFPS: 60, Downscale: 1.0, KeepAudio: true}},
	{Name: "stories_30fps", Params: Params{Multiplier: 2, TargetFPS: 30, Downscale: 0.75, KeepAudio: true}},
	{Name: "qualidade_120", Params: Params{Multiplier: 4, TargetFPS: 120, Downscale: 1.0, KeepAudio: true}},
	{Name: "mobile_leve", Params: Params{Multiplier: 2, TargetFPS: 48, Downscale: 0.5, KeepAudio: true}},
}

// LookupPreset returns the preset called name.
func LookupPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Normalize brings every field into its accepted range: the multiplier and
// downscale are clamped, an out-of-range frame rate is clamped to the
// nearest bound and a non-positive one is treated as absent. Normalize never
// fails; it guarantees no out-of-range value reaches the wire.
func (p Params) Normalize() Params {
	switch {
	case p.Multiplier < MinMultiplier:
		p.Multiplier = MinMultiplier
	case p.Multiplier > MaxMultiplier:
		p.Multiplier = MaxMultiplier
	}

	switch {
	case p.TargetFPS <= 0:
		p.TargetFPS = 0
	case p.TargetFPS > MaxTargetFPS:
		p.TargetFPS = MaxTargetFPS
	}

	switch {
	case math.IsNaN(p.Downscale) || p.Downscale <= 0:
		p.Downscale = MaxDownscale
	case p.Downscale < MinDownscale:
		p.Downscale = MinDownscale
	case p.Downscale > MaxDownscale:
		p.Downscale = MaxDownscale
	}

	p.Preset = strings.TrimSpace(p.Preset)
	return p
}

// Validate reports every out-of-range field. It is advisory: the server
// remains the authority and Submit sends Normalize()d values.
func (p Params) Validate() error {
	var errs []string
	if p.Multiplier < MinMultiplier || p.Multiplier > MaxMultiplier {
		errs = append(errs, fmt.Sprintf("multi deve estar entre %d e %d", MinMultiplier, MaxMultiplier))
	}
	if math.IsNaN(p.Downscale) || p.Downscale < MinDownscale || p.Downscale > MaxDownscale {
		errs = append(errs, "down deve estar entre 0.25 e 1")
	}
	if p.TargetFPS != 0 && (p.TargetFPS < MinTargetFPS || p.TargetFPS > MaxTargetFPS) {
		errs = append(errs, fmt.Sprintf("fps deve estar entre %d e %d", MinTargetFPS, MaxTargetFPS))
	}
	if p.Preset != "" {
		if _, ok := LookupPreset(p.Preset); !ok {
			errs = append(errs, fmt.Sprintf("preset desconhecido: %s", p.Preset))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Op: "params", Message: strings.Join(errs, "; ")}
}

// createJobRequest is the JSON body of POST /api/jobs. Optional fields are
// omitted rather than sent as null.
type createJobRequest struct {
	InputFilename string  `json:"input_filename"`
	Multi         int     `json:"multi"`
	TargetFPS     *int    `json:"fps_alvo,omitempty"`
	Downscale     float64 `json:"downscale"`
	KeepAudio     bool    `json:"manter_audio"`
	Preset        string  `json:"preset,omitempty"`
}

func newCreateJobRequest(ref string, p Params) (createJobRequest, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return createJobRequest{}, &ValidationError{Op: "submit", Message: "input_filename é obrigatório"}
	}
	p = p.Normalize()
	req := createJobRequest{
		InputFilename: ref,
		Multi:         p.Multiplier,
		Downscale:     p.Downscale,
		KeepAudio:     p.KeepAudio,
		Preset:        p.Preset,
	}
	if p.TargetFPS > 0 {
		fps := p.TargetFPS
		req.TargetFPS = &fps
	}
	return req, nil
}
