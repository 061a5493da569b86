// Package jobs runs the periodic maintenance tasks of the service.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"whatsapp-hub/config"
	"whatsapp-hub/types"
)

var (
	instanceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whatsapp_hub_instances",
		Help: "Live instances by connection status",
	}, []string{"status"})
	pruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_pruned_rows_total",
		Help: "Rows removed by the retention job",
	}, []string{"table"})
)

var statuses = []types.ConnectionStatus{
	types.StatusDisconnected,
	types.StatusConnecting,
	types.StatusQRReady,
	types.StatusConnected,
	types.StatusReconnecting,
	types.StatusLoggedOut,
	types.StatusError,
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Registry reports live instances by status.
type Registry interface {
	Statuses() map[types.ConnectionStatus]int
}

// Pruner deletes rows created before a cutoff.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler owns the cron instance running cleanup and status refresh.
type Scheduler struct {
	sched     *cron.Cron
	registry  Registry
	history   Pruner
	logs      Pruner
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// New registers both jobs. It fails on an unparsable schedule.
func New(cfg config.JobsConfig, registry Registry, history, logs Pruner, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		sched:     cron.New(cron.WithParser(cronParser)),
		registry:  registry,
		history:   history,
		logs:      logs,
		retention: cfg.Retention,
		log:       log.With().Str("component", "jobs").Logger(),
		now:       time.Now,
	}

	if cfg.Retention > 0 {
		if _, err := s.sched.AddFunc(cfg.CleanupSpec, func() {
			defer s.recover("cleanup")
			if _, err := s.Cleanup(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("cleanup failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.CleanupSpec, err)
		}
	}
	if _, err := s.sched.AddFunc(cfg.StatusSpec, func() {
		defer s.recover("status")
		s.RefreshStatus()
	}); err != nil {
		return nil, fmt.Errorf("status schedule %q: %w", cfg.StatusSpec, err)
	}
	return s, nil
}

func (s *Scheduler) recover(job string) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Str("job", job).Msg("job panicked")
	}
}

func (s *Scheduler) Start() {
	s.RefreshStatus()
	s.sched.Start()
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.sched.Stop().Done()
}

// Cleanup removes webhook history and instance logs older than the
// retention window.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	before := s.now().Add(-s.retention)

	history, err := s.history.DeleteOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune webhook history: %w", err)
	}
	pruned.WithLabelValues("webhook_history").Add(float64(history))

	logs, err := s.logs.DeleteOlderThan(ctx, before)
	if err != nil {
		return history, fmt.Errorf("prune instance logs: %w", err)
	}
	pruned.WithLabelValues("instance_log").Add(float64(logs))

	s.log.Info().Int64("webhook_history", history).Int64("instance_logs", logs).Time("before", before).Msg("cleanup finished")
	return history + logs, nil
}

// RefreshStatus publishes the live instance count per status. Statuses
// without instances are reported as zero.
func (s *Scheduler) RefreshStatus() {
	counts := s.registry.Statuses()
	for _, status := range statuses {
		instanceStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
