package service

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// unknownModelMax is the limiter default for a model missing from the
// catalogue.
const unknownModelMax = 1

const maxImagesPerRequest = 4

// Parameters are the pricing-relevant fields of a generation payload. Other
// fields are passed to the provider untouched.
type Parameters struct {
	Prompt     string `json:"prompt"`
	Resolution string `json:"resolution,omitempty"`
	Duration   int    `json:"duration,omitempty"`
	Audio      bool   `json:"audio,omitempty"`
	NumImages  int    `json:"num_images,omitempty"`
}

// ParseParameters decodes the pricing fields of raw. An empty payload is
// valid and selects every default.
func ParseParameters(raw json.RawMessage) (Parameters, error) {
	var p Parameters
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: parameters: %v", ErrInvalidInput, err)
	}
	return p, nil
}

// ModelSpec is one entry of the model catalogue.
type ModelSpec struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       model.ModelType `json:"type"`
	DefaultMax int             `json:"default_max_concurrent"`
	// BaseCost is tickets per image, or per second of video.
	BaseCost  int   `json:"base_cost"`
	AudioCost int   `json:"audio_cost,omitempty"`
	Durations []int `json:"durations,omitempty"`
	// Resolutions maps a resolution to its cost multiplier in tenths. The
	// first entry of ResolutionOrder is the default.
	Resolutions     map[string]int `json:"-"`
	ResolutionOrder []string       `json:"resolutions"`
}

var imageResolutions = map[string]int{"1k": 10, "2k": 20, "4k": 30}
var videoResolutions = map[string]int{"720p": 10, "1080p": 15}

var catalogue = map[string]ModelSpec{}

func register(specs ...ModelSpec) {
	for _, s := range specs {
		if s.Type == model.ModelTypeImage {
			s.Resolutions, s.ResolutionOrder = imageResolutions, []string{"1k", "2k", "4k"}
		} else {
			s.Resolutions, s.ResolutionOrder = videoResolutions, []string{"720p", "1080p"}
		}
		catalogue[s.ID] = s
	}
}

func init() {
	register(
		ModelSpec{ID: "nano-banana", Name: "Nano Banana", Type: model.ModelTypeImage, DefaultMax: model.MaxConcurrent, BaseCost: 1},
		ModelSpec{ID: "nano-banana-pro", Name: "Nano Banana Pro", Type: model.ModelTypeImage, DefaultMax: model.MaxConcurrent, BaseCost: 5},
		ModelSpec{ID: "seedream-4", Name: "Seedream 4", Type: model.ModelTypeImage, DefaultMax: model.MaxConcurrent, BaseCost: 2},
		ModelSpec{ID: "flux-2-pro", Name: "FLUX.2 Pro", Type: model.ModelTypeImage, DefaultMax: model.MaxConcurrent, BaseCost: 3},
		ModelSpec{ID: "veo-3.1", Name: "Veo 3.1", Type: model.ModelTypeVideo, DefaultMax: 2, BaseCost: 4, AudioCost: 10, Durations: []int{4, 6, 8}},
		ModelSpec{ID: "veo-3.1-fast", Name: "Veo 3.1 Fast", Type: model.ModelTypeVideo, DefaultMax: 3, BaseCost: 2, AudioCost: 5, Durations: []int{4, 6, 8}},
		ModelSpec{ID: "kling-2.5-turbo", Name: "Kling 2.5 Turbo", Type: model.ModelTypeVideo, DefaultMax: 3, BaseCost: 3, Durations: []int{5, 10}},
	)
}

// LookupModel returns the catalogue entry for id.
func LookupModel(id string) (ModelSpec, bool) {
	s, ok := catalogue[id]
	return s, ok
}

// Models returns the catalogue sorted by type then id.
func Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(catalogue))
	for _, s := range catalogue {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DefaultMax is the limit a model's row is created with on first use.
func DefaultMax(modelID string) int {
	if s, ok := catalogue[modelID]; ok {
		return s.DefaultMax
	}
	return unknownModelMax
}

// DefaultLimits lists the seed rows for every catalogue model.
func DefaultLimits() []model.ConcurrencyLimit {
	specs := Models()
	out := make([]model.ConcurrencyLimit, 0, len(specs))
	for _, s := range specs {
		out = append(out, model.ConcurrencyLimit{ModelID: s.ID, ModelType: s.Type, MaxConcurrent: s.DefaultMax})
	}
	return out
}

// Price returns the ticket cost of a request. Images cost BaseCost per
// image; video costs BaseCost per second. The resolution multiplier is
// applied and rounded up, then audio is added.
func (s ModelSpec) Price(p Parameters) (int, error) {
	res := p.Resolution
	if res == "" {
		res = s.ResolutionOrder[0]
	}
	mult, ok := s.Resolutions[res]
	if !ok {
		return 0, fmt.Errorf("%w: resolution %q not supported by %s", ErrInvalidInput, res, s.ID)
	}

	var units int
	switch s.Type {
	case model.ModelTypeImage:
		units = p.NumImages
		if units == 0 {
			units = 1
		}
		if units < 1 || units > maxImagesPerRequest {
			return 0, fmt.Errorf("%w: num_images must be between 1 and %d", ErrInvalidInput, maxImagesPerRequest)
		}
		if p.Duration != 0 || p.Audio {
			return 0, fmt.Errorf("%w: duration and audio apply to video models only", ErrInvalidInput)
		}
	case model.ModelTypeVideo:
		units = p.Duration
		if units == 0 {
			units = s.Durations[0]
		}
		if !slices.Contains(s.Durations, units) {
			return 0, fmt.Errorf("%w: duration %ds not supported by %s", ErrInvalidInput, units, s.ID)
		}
		if p.NumImages > 1 {
			return 0, fmt.Errorf("%w: num_images applies to image models only", ErrInvalidInput)
		}
	default:
		return 0, fmt.Errorf("%w: model type %q", ErrInvalidInput, s.Type)
	}

	cost := (s.BaseCost*units*mult + 9) / 10
	if p.Audio {
		if s.AudioCost == 0 {
			return 0, fmt.Errorf("%w: %s does not generate audio", ErrInvalidInput, s.ID)
		}
		cost += s.AudioCost
	}
	return cost, nil
}
