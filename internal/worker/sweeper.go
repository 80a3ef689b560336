package worker

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/docflow-ai/docflow/internal/store"
)

// SweepStoreAPI captures the store methods the sweeper needs.
type SweepStoreAPI interface {
	FailExhaustedStale(ctx context.Context, staleAfter time.Duration) (int64, error)
	DepartmentWorkloads(ctx context.Context) ([]store.DepartmentWorkload, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Sweeper periodically terminal-fails exhausted stale documents and refreshes
// workload gauges. Claim reclamation itself happens inline in the claim
// query; the sweep only closes out rows with no retries left.
type Sweeper struct {
	logger     *log.Logger
	store      SweepStoreAPI
	rdb        *redis.Client
	cronSpec   string
	staleAfter time.Duration
	lastSweep  *time.Time

	queueDepthGauge *prometheus.GaugeVec
	workloadGauge   *prometheus.GaugeVec
}

// NewSweeper constructs the sweeper and registers its gauges.
func NewSweeper(logger *log.Logger, st SweepStoreAPI, rdb *redis.Client, cronSpec string, staleAfter time.Duration, reg prometheus.Registerer) *Sweeper {
	s := &Sweeper{
		logger:     logger,
		store:      st,
		rdb:        rdb,
		cronSpec:   cronSpec,
		staleAfter: staleAfter,
		queueDepthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docflow_queue_depth",
			Help: "Documents eligible for claiming.",
		}, []string{"state"}),
		workloadGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docflow_department_open_tasks",
			Help: "Open task count per department.",
		}, []string{"department"}),
	}
	if reg != nil {
		reg.MustRegister(s.queueDepthGauge, s.workloadGauge)
	}
	return s
}

// Start ticks every minute and sweeps when the cron schedule is due.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Sweeper) tick(ctx context.Context) {
	if !isDue(s.cronSpec, s.lastSweep) {
		return
	}

	// Distributed lock so only one instance sweeps per schedule slot.
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, "docflow:sweep:lock", "1", 2*time.Minute).Result()
		if err != nil {
			s.logger.Printf("warn: sweep lock failed: %v", err)
			return
		}
		if !ok {
			now := time.Now()
			s.lastSweep = &now
			return
		}
		defer s.rdb.Del(ctx, "docflow:sweep:lock")
	}

	now := time.Now()
	s.lastSweep = &now
	s.Sweep(ctx)
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.store.FailExhaustedStale(ctx, s.staleAfter)
	if err != nil {
		s.logger.Printf("error failing exhausted stale documents: %v", err)
	} else if n > 0 {
		s.logger.Printf("terminal-failed %d exhausted stale document(s)", n)
	}

	if depth, err := s.store.QueueDepth(ctx); err != nil {
		s.logger.Printf("warn: queue depth query failed: %v", err)
	} else {
		s.queueDepthGauge.WithLabelValues("eligible").Set(float64(depth))
	}

	workloads, err := s.store.DepartmentWorkloads(ctx)
	if err != nil {
		s.logger.Printf("warn: workload query failed: %v", err)
		return
	}
	for _, w := range workloads {
		s.workloadGauge.WithLabelValues(w.Department).Set(float64(w.OpenTasks))
	}
}

// isDue reports whether the cron schedule has a firing between the last sweep
// and now. Supports "@hourly", "@daily" and 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
