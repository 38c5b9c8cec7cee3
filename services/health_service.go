package services

import (
	"context"
	"sort"
	"time"

	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
)

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// HealthCheck probes one external dependency.
type HealthCheck func(ctx context.Context) error

type OutboxHealth struct {
	Enabled   bool                  `json:"enabled"`
	Scheduler OutboxSchedulerStatus `json:"scheduler"`
	Stats     []models.OutboxStat   `json:"stats,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type ReconciliationHealth struct {
	Enabled   bool                          `json:"enabled"`
	Scheduler ReconciliationSchedulerStatus `json:"scheduler"`
	Stats     *models.ReconciliationStats   `json:"stats,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

// HealthReport is the combined health view.
type HealthReport struct {
	Status         string                       `json:"status"`
	Service        string                       `json:"service"`
	Timestamp      time.Time                    `json:"timestamp"`
	Database       string                       `json:"database"`
	Dependencies   map[string]string            `json:"dependencies,omitempty"`
	Processors     []processors.ProcessorHealth `json:"processors"`
	Outbox         OutboxHealth                 `json:"outbox"`
	Reconciliation ReconciliationHealth         `json:"reconciliation"`
	Features       map[string]bool              `json:"features"`
}

// HealthDeps wires a HealthService. Schedulers may be nil when the process
// does not run them.
type HealthDeps struct {
	ServiceName             string
	Store                   repository.Store
	Registry                *processors.Registry
	Outbox                  OutboxService
	Reconciliation          ReconciliationService
	OutboxScheduler         *OutboxScheduler
	ReconciliationScheduler *ReconciliationScheduler
	OutboxEnabled           bool
	ReconciliationEnabled   bool
	Features                map[string]bool
	Checks                  map[string]HealthCheck
}

type HealthService struct {
	deps HealthDeps
	now  func() time.Time
}

func NewHealthService(deps HealthDeps) *HealthService {
	return &HealthService{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// Check builds the report; it is degraded when any component is unhealthy.
func (h *HealthService) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := HealthReport{
		Status:     HealthHealthy,
		Service:    h.deps.ServiceName,
		Timestamp:  h.now(),
		Database:   "ok",
		Processors: h.deps.Registry.Health(),
		Features:   h.deps.Features,
	}
	degrade := func() { report.Status = HealthDegraded }

	if err := h.deps.Store.Ping(ctx); err != nil {
		report.Database = err.Error()
		degrade()
	}

	if len(h.deps.Checks) > 0 {
		report.Dependencies = make(map[string]string, len(h.deps.Checks))
		names := make([]string, 0, len(h.deps.Checks))
		for name := range h.deps.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := h.deps.Checks[name](ctx); err != nil {
				report.Dependencies[name] = err.Error()
				degrade()
				continue
			}
			report.Dependencies[name] = "ok"
		}
	}

	if len(report.Processors) == 0 {
		degrade()
	}
	for _, p := range report.Processors {
		if !p.Healthy {
			degrade()
		}
	}

	report.Outbox.Enabled = h.deps.OutboxEnabled
	if h.deps.OutboxScheduler != nil {
		report.Outbox.Scheduler = h.deps.OutboxScheduler.Status()
	}
	if h.deps.OutboxEnabled && !report.Outbox.Scheduler.Running {
		degrade()
	}
	if stats, err := h.deps.Outbox.Stats(ctx, 1); err != nil {
		report.Outbox.Error = err.Error()
		degrade()
	} else {
		report.Outbox.Stats = stats
	}

	report.Reconciliation.Enabled = h.deps.ReconciliationEnabled
	if h.deps.ReconciliationScheduler != nil {
		report.Reconciliation.Scheduler = h.deps.ReconciliationScheduler.Status()
	}
	if h.deps.ReconciliationEnabled && !report.Reconciliation.Scheduler.Running {
		degrade()
	}
	if stats, err := h.deps.Reconciliation.Stats(ctx); err != nil {
		report.Reconciliation.Error = err.Error()
		degrade()
	} else {
		report.Reconciliation.Stats = stats
	}

	return report
}
