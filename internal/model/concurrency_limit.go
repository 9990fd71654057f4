package model

import "time"

// ModelType distinguishes image from video generation models.
type ModelType string

const (
	ModelTypeImage ModelType = "image"
	ModelTypeVideo ModelType = "video"
)

// Valid reports whether t is image or video.
func (t ModelType) Valid() bool { return t == ModelTypeImage || t == ModelTypeVideo }

// Bounds for ConcurrencyLimit.MaxConcurrent accepted from admins.
const (
	MinConcurrent = 1
	MaxConcurrent = 999
)

// ConcurrencyLimit caps how many requests of one model may be processing at
// the same time (concurrency_limits).
type ConcurrencyLimit struct {
	ModelID       string    `json:"model_id"`
	ModelType     ModelType `json:"model_type"`
	MaxConcurrent int       `json:"max_concurrent"`
	CurrentActive int       `json:"current_active"`
	UpdatedAt     time.Time `json:"updated_at"`
}
