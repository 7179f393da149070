package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates the run log on an interval. An alert type is sent when
// it starts firing and stays quiet until a check no longer triggers it.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
	firing    map[AlertType]bool
}

// NewChecker wires a collector and an alerter into a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once right away and then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if ctx.Err() != nil {
		return
	}
	c.log.Info("run log checks started",
		zap.Duration("interval", interval),
		zap.Duration("lookback", c.cfg.LookbackWindow),
		zap.Duration("stuck_after", c.cfg.StuckAfter),
	)

	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Check(ctx)
		case <-ctx.Done():
			c.log.Info("run log checks stopped")
			return
		}
	}
}

// Check evaluates one snapshot and returns the number of alerts delivered.
// Run calls it from a single goroutine.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindow, c.cfg.StuckAfter)
	if err != nil {
		c.log.Error("collect run metrics", zap.Error(err))
		return 0
	}

	triggered := c.alerter.Evaluate(snap)
	active := make(map[AlertType]bool, len(triggered))
	var fresh []Alert
	for _, a := range triggered {
		active[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !active[t] {
			c.log.Info("alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = active

	if len(fresh) == 0 {
		c.log.Debug("no new alerts",
			zap.Int("runs", snap.Total),
			zap.Int("still_firing", len(active)),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	if sent < len(fresh) {
		// Retried on the next check.
		for _, a := range fresh {
			delete(c.firing, a.Type)
		}
	}
	c.log.Info("alerts sent", zap.Int("new", len(fresh)), zap.Int("sent", sent))
	return sent
}
