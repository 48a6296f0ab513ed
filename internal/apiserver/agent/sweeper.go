package agent

import (
	"context"
	"time"

	"jobmesh/pkg/logging"
)

// Sweeper 周期执行 Monitor.Sweep
type Sweeper struct {
	monitor  *Monitor
	interval time.Duration
	logger   *logging.Logger
}

// NewSweeper 创建清扫器，间隔取 Monitor 配置
func NewSweeper(monitor *Monitor, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default("sweeper")
	}
	return &Sweeper{monitor: monitor, interval: monitor.config.SweepInterval, logger: logger}
}

// Run 阻塞运行直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮清扫并记录汇总
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	start := time.Now()
	report, err := s.monitor.Sweep(ctx)
	elapsed := time.Since(start)
	s.monitor.recorder.SweepCycle(elapsed, err)
	for _, a := range report.Offline {
		s.logger.WithTeamID(a.TeamID).WithAgentID(a.ID).Warn("Agent marked offline",
			"last_heartbeat", a.LastHeartbeatTime.Format(time.RFC3339))
	}
	s.logger.SweepLog(len(report.Offline), report.Recovered, report.ExpiredStops, elapsed, err)
	return report
}
