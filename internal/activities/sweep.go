package activities

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type SweepInput struct {
	TTL time.Duration `json:"ttl"`
}

type SweepResult struct {
	Deleted int64 `json:"deleted"`
}

// SweepCheckpoints deletes checkpoints older than the TTL.
func (a *Activities) SweepCheckpoints(ctx context.Context, in SweepInput) (SweepResult, error) {
	if a.store == nil || in.TTL <= 0 {
		return SweepResult{}, nil
	}
	n, err := a.store.Sweep(ctx, in.TTL)
	if err != nil {
		return SweepResult{}, err
	}
	if n > 0 {
		a.logger.Info("Swept expired checkpoints", zap.Int64("deleted", n), zap.Duration("ttl", in.TTL))
	}
	return SweepResult{Deleted: n}, nil
}
