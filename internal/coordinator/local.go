package coordinator

import (
	"context"
	"fmt"

	"github.com/basket/go-duet/internal/config"
	"github.com/basket/go-duet/internal/pool"
	"github.com/basket/go-duet/internal/runtime"
)

// LocalExecutor runs tasks against the local model pool's task role.
type LocalExecutor struct {
	Pool      *pool.Pool
	MaxTokens int
}

// Execute resolves the task worker (loading it on demand) and generates.
func (e *LocalExecutor) Execute(ctx context.Context, taskID, text string) (string, error) {
	worker, err := e.Pool.Resolve(ctx, config.RoleTask)
	if err != nil {
		return "", fmt.Errorf("resolve task worker: %w", err)
	}
	result, err := worker.Generate(ctx, text, runtime.GenerateLimits{MaxTokens: e.MaxTokens})
	if err != nil {
		return "", fmt.Errorf("generate on %s: %w", worker.ModelID(), err)
	}
	return result, nil
}
