package flow

import (
	"context"
	"time"
)

// Engine drives the consultation timers on a fixed cadence, independent of
// any rendering cycle. One tick advances every live session by one second;
// the coordinator publishes the derived views to subscribers.
type Engine struct {
	coordinator *Coordinator
}

func NewEngine(coordinator *Coordinator) *Engine {
	return &Engine{coordinator: coordinator}
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.coordinator.Tick()
		}
	}
}
