package run

import (
	"context"
	"fmt"
	"time"
)

// Loop polls the orchestrator at a fixed interval until the context is
// cancelled or storage fails.
type Loop struct {
	orchestrator *Orchestrator
	interval     time.Duration
}

// NewLoop builds a poll loop around an orchestrator.
func NewLoop(orchestrator *Orchestrator, interval time.Duration) (*Loop, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("polling interval must be positive")
	}
	return &Loop{orchestrator: orchestrator, interval: interval}, nil
}

// Run ticks immediately, then on every interval. Context cancellation is a
// clean stop; a tick returning an error ends the loop with that error.
func (loop *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()

	for {
		summary, err := loop.orchestrator.Tick(ctx)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		loop.report(summary)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// report prints a one-line tick summary when anything happened.
func (loop *Loop) report(summary Summary) {
	if summary.Examined == 0 {
		return
	}
	fmt.Fprintf(loop.orchestrator.stdout,
		"tick: examined=%d dispatched=%d transitions=%d escalated=%d failed=%d denied=%d spawned=%d\n",
		summary.Examined, summary.Dispatched, summary.Transitions,
		summary.Escalated, summary.Failed, summary.Denied, summary.Spawned)
}
