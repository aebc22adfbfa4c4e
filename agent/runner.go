package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/probehub/probehub/internal/agent/config"
)

// Run starts the agent and blocks until ctx is cancelled or the server
// permanently rejects the agent's credentials.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return New(cfg, version, slog.Default()).Run(ctx)
}
