package supervise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/dispatch"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/pool"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

// Workload is the unit of work every model executes: insert documents
// through the shared store handle.
type Workload struct {
	Documents []protocol.Document
}

// ExecuteInsert runs the insert workload and folds the result into a
// worker report. Workload-level failures are recovered into the report's
// error status; only the guard's process-level effects (fault signal,
// lock wait) escape this function. Both dispatch paths run their insert
// through here, so the two mechanics stay behind one call.
func ExecuteInsert(ctx context.Context, store *vecstore.Store, docs []protocol.Document, logger *slog.Logger) *protocol.WorkerReport {
	report := &protocol.WorkerReport{
		Status:    protocol.ReportStatusSuccess,
		PID:       os.Getpid(),
		ParentPID: os.Getppid(),
	}

	n, err := store.Insert(ctx, docs)
	if err != nil {
		logger.Warn("insert workload failed", "error", err, "pid", report.PID)
		report.Status = protocol.ReportStatusError
		report.Message = err.Error()
		return report
	}

	report.DocumentsInserted = n
	report.Message = fmt.Sprintf("inserted %d documents", n)
	return report
}

// InsertHandler adapts the insert workload to the pool task interface.
// Unknown task names and malformed args are task-level failures; the
// workload's own errors travel inside the report.
func InsertHandler(store *vecstore.Store, logger *slog.Logger) pool.Handler {
	return func(ctx context.Context, task *dispatch.Task) (any, error) {
		if task.Name != protocol.TaskInsert {
			return nil, fmt.Errorf("unknown task %q", task.Name)
		}
		var docs []protocol.Document
		if len(task.Args) > 0 {
			if err := json.Unmarshal(task.Args, &docs); err != nil {
				return nil, fmt.Errorf("parse insert args: %w", err)
			}
		}
		return ExecuteInsert(ctx, store, docs, logger), nil
	}
}
