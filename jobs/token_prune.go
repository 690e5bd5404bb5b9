package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
)

// TokenPruner removes expired session tokens from storage.
type TokenPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// TokenPruneJob clears expired refresh tokens. Expired tokens are already
// unusable; pruning only keeps the table from growing without bound.
type TokenPruneJob struct {
	Tokens TokenPruner
	Logger *slog.Logger
}

// NewTokenPruneJob initialises the prune handler.
func NewTokenPruneJob(tokens TokenPruner, logger *slog.Logger) *TokenPruneJob {
	return &TokenPruneJob{Tokens: tokens, Logger: logger}
}

// Handle executes a prune run.
func (j *TokenPruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Tokens == nil {
		return errors.New("token prune: handler not configured")
	}
	var payload TokenPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	removed, err := j.Tokens.PruneExpired(ctx)
	if err != nil {
		j.Logger.Warn("prune expired tokens", slog.Any("error", err))
		return err
	}
	if removed > 0 {
		j.Logger.Info("pruned expired refresh tokens", slog.Int64("count", removed))
	}
	return nil
}
