package main

import (
	"context"
	"time"

	"github.com/Liozhang/wishub-skill/internal/metrics"
	"github.com/Liozhang/wishub-skill/sandbox"
)

// observedRunner wraps a sandbox runner to feed the Prometheus collector.
type observedRunner struct {
	sandbox.Runner
	collector *metrics.Collector
}

func (o *observedRunner) Run(ctx context.Context, job sandbox.Job) sandbox.Outcome {
	o.collector.ObserveSandboxLaunch(o.Runner.Name())
	start := time.Now()
	outcome := o.Runner.Run(ctx, job)
	state := "completed"
	if !outcome.OK {
		state = string(outcome.Kind)
	}
	o.collector.ObserveExecution(state, string(job.Language), time.Since(start))
	return outcome
}

// pollGauges keeps the scheduler gauges current until ctx is cancelled.
func pollGauges(ctx context.Context, collector *metrics.Collector, running func() int, queued func() int) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetRunning(running())
			collector.SetQueueDepth(queued())
		}
	}
}
