package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// ArchiveReport summarizes one archive cycle.
type ArchiveReport struct {
	Archived         int `json:"archived"`
	ApprovalsExpired int `json:"approvals_expired"`
	ApprovalsCleaned int `json:"approvals_cleaned"`
	CacheEvicted     int `json:"cache_evicted"`
}

// Archiver periodically:
//   - archives terminal workflows older than the retention window
//   - flags approval requests past their TTL
//   - drops closed approval requests older than the retention window
//   - sweeps expired cache entries
type Archiver struct {
	dispatcher *Dispatcher
	schedule   string
	retention  time.Duration
	logger     observability.Logger
	cron       *cron.Cron
}

// NewArchiver creates an Archiver running on the dispatcher's configured
// schedule (ArchiveSchedule, standard cron or "@every <duration>").
func NewArchiver(d *Dispatcher) (*Archiver, error) {
	schedule := d.cfg.ArchiveSchedule
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", schedule, err)
	}
	logger := d.logger.Bind("component", "archiver")
	cl := cronLogger{logger: logger}
	return &Archiver{
		dispatcher: d,
		schedule:   schedule,
		retention:  d.cfg.Retention(),
		logger:     logger,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		)),
	}, nil
}

// Start schedules the archive cycle.
func (a *Archiver) Start() error {
	if _, err := a.cron.AddFunc(a.schedule, func() {
		a.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule archive cycle: %w", err)
	}
	a.cron.Start()
	a.logger.Info("archiver_started", "schedule", a.schedule, "retention", a.retention.String())
	return nil
}

// Stop stops scheduling and waits for a running cycle or ctx.
func (a *Archiver) Stop(ctx context.Context) {
	done := a.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	a.logger.Info("archiver_stopped")
}

// RunOnce performs a single archive cycle.
func (a *Archiver) RunOnce(ctx context.Context) ArchiveReport {
	var report ArchiveReport
	d := a.dispatcher
	cutoff := d.now().UTC().Add(-a.retention)

	for _, wf := range d.List(ctx) {
		if !wf.Phase.IsTerminal() || wf.FinishedAt.After(cutoff) {
			continue
		}
		if err := d.Archive(ctx, wf.ID); err != nil {
			a.logger.Warn("workflow_archive_failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		report.Archived++
	}

	for _, req := range d.inbox.ExpirePending() {
		a.logger.Warn("approval_expired",
			"request_id", req.ID,
			"workflow_id", req.WorkflowID,
			"kind", string(req.Kind),
			"expires_at", req.ExpiresAt,
		)
		report.ApprovalsExpired++
	}
	report.ApprovalsCleaned = d.inbox.CleanupResolved(a.retention)
	report.CacheEvicted = d.cache.Sweep(ctx)

	a.logger.Debug("archive_cycle_completed",
		"archived", report.Archived,
		"approvals_expired", report.ApprovalsExpired,
		"approvals_cleaned", report.ApprovalsCleaned,
		"cache_evicted", report.CacheEvicted,
	)
	return report
}

// cronLogger adapts observability.Logger to cron.Logger.
type cronLogger struct {
	logger observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron_"+msg, append([]any{"error", err}, keysAndValues...)...)
}
