package health

import (
	"context"
	"time"
)

// Watch runs checker on cfg.Interval until ctx is cancelled, applying
// hysteresis via Status and invoking report each time a check completes.
// report receives the dependency's name alongside the current Status so
// callers can distinguish a single failed probe from a sustained outage.
func Watch(ctx context.Context, name string, checker Checker, cfg Config, report func(name string, status Status)) {
	status := NewStatus()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status.InStartPeriod(cfg) {
				continue
			}
			checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			result := checker.Check(checkCtx)
			cancel()
			status.Update(result, cfg)
			report(name, *status)
		}
	}
}
