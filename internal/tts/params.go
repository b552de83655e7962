package tts

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParam is returned for unknown parameter names and out-of-range values.
var ErrInvalidParam = errors.New("tts: invalid voice parameter")

const (
	DefaultSpeakerID     = 888753760
	DefaultVolume        = 0.2
	DefaultPitch         = 0.0
	DefaultSpeed         = 1.0
	DefaultStyleStrength = 1.0
	DefaultTempo         = 1.0
)

// Parameter names accepted by VoiceParams.Set.
const (
	ParamSpeakerID     = "speaker_id"
	ParamVolume        = "volume"
	ParamPitch         = "pitch"
	ParamSpeed         = "speed"
	ParamStyleStrength = "style_strength"
	ParamTempo         = "tempo"
)

// VoiceParams are the per-guild synthesis settings.
type VoiceParams struct {
	SpeakerID     int     `json:"speaker_id"`
	Volume        float64 `json:"volume"`
	Pitch         float64 `json:"pitch"`
	Speed         float64 `json:"speed"`
	StyleStrength float64 `json:"style_strength"`
	Tempo         float64 `json:"tempo"`
}

type paramRange struct {
	min, max float64
}

var paramRanges = map[string]paramRange{
	ParamSpeakerID:     {0, math.MaxInt32},
	ParamVolume:        {0, 2},
	ParamPitch:         {-1, 1},
	ParamSpeed:         {0.5, 2},
	ParamStyleStrength: {0, 2},
	ParamTempo:         {0.5, 2},
}

func DefaultVoiceParams() VoiceParams {
	return VoiceParams{
		SpeakerID:     DefaultSpeakerID,
		Volume:        DefaultVolume,
		Pitch:         DefaultPitch,
		Speed:         DefaultSpeed,
		StyleStrength: DefaultStyleStrength,
		Tempo:         DefaultTempo,
	}
}

// ParamNames lists the settable parameters in display order.
func ParamNames() []string {
	return []string{ParamSpeakerID, ParamVolume, ParamPitch, ParamSpeed, ParamStyleStrength, ParamTempo}
}

// Set validates value against the parameter's range and stores it.
func (p *VoiceParams) Set(name string, value float64) error {
	r, ok := paramRanges[name]
	if !ok {
		return fmt.Errorf("%w: unknown parameter %q", ErrInvalidParam, name)
	}
	if math.IsNaN(value) || value < r.min || value > r.max {
		return fmt.Errorf("%w: %s must be between %g and %g", ErrInvalidParam, name, r.min, r.max)
	}
	switch name {
	case ParamSpeakerID:
		if value != math.Trunc(value) {
			return fmt.Errorf("%w: %s must be an integer", ErrInvalidParam, name)
		}
		p.SpeakerID = int(value)
	case ParamVolume:
		p.Volume = value
	case ParamPitch:
		p.Pitch = value
	case ParamSpeed:
		p.Speed = value
	case ParamStyleStrength:
		p.StyleStrength = value
	case ParamTempo:
		p.Tempo = value
	}
	return nil
}

// Get returns the named parameter as a float.
func (p VoiceParams) Get(name string) (float64, bool) {
	switch name {
	case ParamSpeakerID:
		return float64(p.SpeakerID), true
	case ParamVolume:
		return p.Volume, true
	case ParamPitch:
		return p.Pitch, true
	case ParamSpeed:
		return p.Speed, true
	case ParamStyleStrength:
		return p.StyleStrength, true
	case ParamTempo:
		return p.Tempo, true
	}
	return 0, false
}
