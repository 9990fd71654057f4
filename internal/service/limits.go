package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// SetLimit creates or updates a model's concurrency limit. The model type
// defaults to the catalogue's. Lowering the limit below the number of
// active generations only blocks new starts until enough finish.
func (s *Service) SetLimit(ctx context.Context, modelID string, modelType model.ModelType, maxConcurrent int) (model.ConcurrencyLimit, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return model.ConcurrencyLimit{}, fmt.Errorf("%w: model_id is required", ErrInvalidInput)
	}
	if maxConcurrent < model.MinConcurrent || maxConcurrent > model.MaxConcurrent {
		return model.ConcurrencyLimit{}, ErrInvalidLimit
	}
	if modelType == "" {
		spec, ok := LookupModel(modelID)
		if !ok {
			return model.ConcurrencyLimit{}, fmt.Errorf("%w: model_type is required for %q", ErrInvalidInput, modelID)
		}
		modelType = spec.Type
	}
	if !modelType.Valid() {
		return model.ConcurrencyLimit{}, fmt.Errorf("%w: model_type %q", ErrInvalidInput, modelType)
	}

	if err := s.limits.Upsert(ctx, model.ConcurrencyLimit{ModelID: modelID, ModelType: modelType, MaxConcurrent: maxConcurrent}); err != nil {
		return model.ConcurrencyLimit{}, err
	}
	l, err := s.limits.Get(ctx, modelID)
	if err != nil {
		return model.ConcurrencyLimit{}, translate(err)
	}
	s.logger.Info("concurrency limit set", slog.String("model_id", modelID), slog.Int("max_concurrent", maxConcurrent))
	s.notify(ctx, modelID)
	return l, nil
}

// DeleteLimit removes a model's limit. The model falls back to its default
// on next use. ErrLimitBusy is returned while it has active generations.
func (s *Service) DeleteLimit(ctx context.Context, modelID string) error {
	if err := s.limits.Delete(ctx, modelID); err != nil {
		return translate(err)
	}
	s.logger.Info("concurrency limit deleted", slog.String("model_id", modelID))
	return nil
}

func (s *Service) ListLimits(ctx context.Context) ([]model.ConcurrencyLimit, error) {
	return s.limits.List(ctx)
}

// EnsureDefaults seeds a limit row for every catalogue model that has none.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	return s.limits.EnsureDefaults(ctx, DefaultLimits())
}
