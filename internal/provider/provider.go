// Package provider is the boundary to the external AI generation service.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// Request is one generation call.
type Request struct {
	QueueID    uint64          `json:"queue_id"`
	ModelID    string          `json:"model_id"`
	ModelType  model.ModelType `json:"model_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Result is what a successful generation produces.
type Result struct {
	URL     string `json:"result_url"`
	ImageID string `json:"result_image_id"`
}

// Client generates images and videos. Implementations must honour ctx
// cancellation; the dispatcher bounds every call with a timeout.
type Client interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Error is returned when the provider rejected or failed a request. Message
// is the provider's own explanation and is shown to the user.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return "provider: " + e.Message
	}
	return fmt.Sprintf("provider: %d %s", e.StatusCode, e.Message)
}
