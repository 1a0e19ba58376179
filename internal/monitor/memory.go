// Package monitor watches process resource pressure.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryWatcher periodically samples system memory usage and fires a
// callback when usage stays above the configured threshold. The
// assistant uses it to shrink reply budgets before the host starts
// swapping.
type MemoryWatcher struct {
	interval    time.Duration
	warnPercent float64
	onHigh      func(usedPercent float64)
	cancel      context.CancelFunc
}

// NewMemoryWatcher creates a watcher that samples every interval and
// calls onHigh when used memory exceeds warnPercent.
func NewMemoryWatcher(interval time.Duration, warnPercent float64, onHigh func(usedPercent float64)) *MemoryWatcher {
	return &MemoryWatcher{
		interval:    interval,
		warnPercent: warnPercent,
		onHigh:      onHigh,
	}
}

// Start launches the sampling loop in the background.
func (w *MemoryWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
}

// Stop terminates the sampling loop.
func (w *MemoryWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *MemoryWatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

func (w *MemoryWatcher) sample(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Memory sample failed")
		return
	}

	if vm.UsedPercent >= w.warnPercent {
		log.Warn().
			Float64("used_percent", vm.UsedPercent).
			Float64("threshold", w.warnPercent).
			Msg("Memory usage high")
		if w.onHigh != nil {
			w.onHigh(vm.UsedPercent)
		}
	}
}
