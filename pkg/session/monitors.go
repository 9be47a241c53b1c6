package session

import (
	"context"
	"log/slog"
	"time"
)

// LivenessProbe checks that the automation resource still responds and
// emits a restart request when it does not. A restart request is not a
// state transition: the resource coordinator owns what happens next.
type LivenessProbe struct {
	probe    func(ctx context.Context) error
	onFail   func(reason string)
	interval time.Duration
	logger   *slog.Logger
}

// NewLivenessProbe creates a probe calling onFail for each failed check.
func NewLivenessProbe(probe func(ctx context.Context) error, onFail func(reason string), interval time.Duration, logger *slog.Logger) *LivenessProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &LivenessProbe{probe: probe, onFail: onFail, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (p *LivenessProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.probe(ctx); err != nil {
				p.logger.Error("liveness probe failed", "error", err)
				p.onFail("liveness probe failed")
			}
		}
	}
}

// MemoryMonitor samples the automation resource's memory usage and emits
// a restart request on a threshold breach. Chromium leaks under long
// sessions; restarting it is cheaper than diagnosing it.
type MemoryMonitor struct {
	usage    func(ctx context.Context) (float64, error)
	limitMB  float64
	onBreach func(reason string)
	interval time.Duration
	logger   *slog.Logger
}

// NewMemoryMonitor creates a monitor. A non-positive limit disables it.
func NewMemoryMonitor(usage func(ctx context.Context) (float64, error), limitMB float64, onBreach func(reason string), interval time.Duration, logger *slog.Logger) *MemoryMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryMonitor{usage: usage, limitMB: limitMB, onBreach: onBreach, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (m *MemoryMonitor) Run(ctx context.Context) {
	if m.limitMB <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			used, err := m.usage(ctx)
			if err != nil {
				m.logger.Warn("memory probe failed", "error", err)
				continue
			}
			if used > m.limitMB {
				m.logger.Warn("memory threshold breached", "used_mb", used, "limit_mb", m.limitMB)
				m.onBreach("memory threshold breached")
			}
		}
	}
}
