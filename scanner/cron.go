package scanner

import (
	"context"
	"time"

	"encore.dev/cron"

	"encore.app/pkg/models"
)

// staleHealthAge is how long a type may go unscanned before its health
// samples are dropped.
const staleHealthAge = 24 * time.Hour

// Cron: the sweep keeps every registered source scanned on its interval.
var _ = cron.NewJob("continuous-scan-sweep", cron.JobConfig{
	Title:    "Continuous log scan sweep",
	Schedule: "*/5 * * * *", // Every 5 minutes
	Endpoint: ContinuousScanSweep,
})

// ContinuousScanSweep plans and queues scans for all due sources.
//
//encore:api private
func ContinuousScanSweep(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	if svc.emergencyStop.Load() {
		return nil
	}

	_, _, err := svc.runSweep(ctx, "", 0)
	return err
}

// Cron: the audit closes coverage gaps the inline detection missed, for
// example spans opened by crashed workers or dropped queue tasks.
var _ = cron.NewJob("continuity-audit", cron.JobConfig{
	Title:    "Scan continuity audit",
	Schedule: "0 * * * *", // Every hour
	Endpoint: ContinuityAudit,
})

// ContinuityAudit validates recorded coverage for every tracked type and
// queues a closing scan per gap. Also drops health samples for types that
// stopped scanning.
//
//encore:api private
func ContinuityAudit(ctx context.Context) error {
	if svc == nil {
		return nil
	}

	svc.tracker.Cleanup(staleHealthAge)

	if svc.emergencyStop.Load() {
		return nil
	}

	var tasks []ScanTask
	for _, logType := range svc.manager.TrackedTypes() {
		_, gaps := svc.manager.ValidateScanContinuity(logType)
		if len(gaps) == 0 {
			continue
		}

		svc.mu.RLock()
		source, ok := svc.sources[logType]
		svc.mu.RUnlock()
		if !ok {
			// History without a registered source; nothing to run.
			continue
		}

		for _, gap := range gaps {
			tasks = append(tasks, ScanTask{
				LogType:  logType,
				Query:    source.Query,
				RuleType: source.RuleType,
				Window:   models.NewScanWindow(gap.Start, gap.End, 0),
				Priority: 90,
				Reason:   "continuity-audit",
			})
		}
	}

	if len(tasks) > 0 {
		svc.metrics.GapsDetected.Add(int64(len(tasks)))
		svc.metrics.GapTasksQueued.Add(int64(svc.workerPool.QueueTasks(tasks)))
	}

	return nil
}
