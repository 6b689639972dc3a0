// Package protocol defines the shared vocabulary of the fork-safety harness:
// worker models, outcomes, lifecycle states, and the report format that
// crosses the process boundary between a supervisor and its workers.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WorkerModel identifies a concurrency model under test.
type WorkerModel string

// Worker model constants.
const (
	// ModelForking duplicates the parent process; the child inherits a
	// snapshot of the shared store handle. This is the control expected
	// to fail.
	ModelForking WorkerModel = "forking"
	// ModelCooperative runs the workload on a single scheduler goroutine
	// with run-to-completion semantics, sharing the handle by reference.
	ModelCooperative WorkerModel = "cooperative"
	// ModelThreads runs the workload on OS-thread-pinned workers, sharing
	// the handle by reference.
	ModelThreads WorkerModel = "threads"
)

// DispatchKind distinguishes how a workload reaches its worker.
type DispatchKind string

// Dispatch kind constants.
const (
	DispatchFork DispatchKind = "fork" // process duplication via re-exec snapshot handoff
	DispatchPool DispatchKind = "pool" // broker submission to an in-process pool
)

// ModelSpec describes one worker model: how it dispatches, what it needs,
// and whether the shared handle is expected to survive it.
type ModelSpec struct {
	Model       WorkerModel
	Dispatch    DispatchKind
	Requires    []string // external dependencies checked before any worker starts
	ExpectPass  bool
	Description string
}

// models is the registry, in suite execution order. The forking model runs
// first so its crash artifacts are on disk before the passing models report.
var models = []ModelSpec{
	{
		Model:       ModelForking,
		Dispatch:    DispatchFork,
		Requires:    nil,
		ExpectPass:  false,
		Description: "process-duplicating pool; child inherits the store handle by copy",
	},
	{
		Model:       ModelCooperative,
		Dispatch:    DispatchPool,
		Requires:    []string{DependencyRedis},
		ExpectPass:  true,
		Description: "single cooperative scheduler goroutine; handle shared by reference",
	},
	{
		Model:       ModelThreads,
		Dispatch:    DispatchPool,
		Requires:    []string{DependencyRedis},
		ExpectPass:  true,
		Description: "OS-thread-pinned worker pool; handle shared by reference",
	},
}

// Models returns every registered model spec in suite order.
func Models() []ModelSpec {
	out := make([]ModelSpec, len(models))
	copy(out, models)
	return out
}

// LookupModel resolves a model by name. Unknown names are a validation
// error, surfaced before any worker or resource is created.
func LookupModel(name string) (ModelSpec, error) {
	for _, m := range models {
		if string(m.Model) == name {
			return m, nil
		}
	}
	return ModelSpec{}, &ValidationError{
		Field:  "model",
		Reason: fmt.Sprintf("unknown model %q (valid: %s)", name, strings.Join(ModelNames(), ", ")),
	}
}

// ParseModels resolves a comma-separated model list. The literal "all"
// expands to the full registry.
func ParseModels(list string) ([]ModelSpec, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		return Models(), nil
	}
	var out []ModelSpec
	for _, name := range strings.Split(list, ",") {
		spec, err := LookupModel(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// ModelNames returns the registered model names in suite order.
func ModelNames() []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = string(m.Model)
	}
	return out
}

// ExpectationTable maps each model to its expected pass/fail outcome.
// Built once from the registry; never mutated during a run.
func ExpectationTable(specs []ModelSpec) map[WorkerModel]bool {
	table := make(map[WorkerModel]bool, len(specs))
	for _, s := range specs {
		table[s.Model] = s.ExpectPass
	}
	return table
}

// LifecycleState tracks a worker invocation through its milestones.
type LifecycleState string

// Lifecycle state constants, in order.
const (
	StateCreated          LifecycleState = "created"
	StateReady            LifecycleState = "ready"             // instrumentation installed
	StateOperationStarted LifecycleState = "operation_started" // milestone signal sent
	StateTerminated       LifecycleState = "terminated"
)

// rank orders lifecycle states. Observers may miss intermediate states;
// a later state implies every earlier one occurred.
func (s LifecycleState) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateReady:
		return 1
	case StateOperationStarted:
		return 2
	case StateTerminated:
		return 3
	default:
		return -1
	}
}

// Covers reports whether observing s implies other already occurred.
func (s LifecycleState) Covers(other LifecycleState) bool {
	return s.rank() >= other.rank() && other.rank() >= 0
}

// OutcomeKind classifies how a worker invocation ended.
type OutcomeKind string

// Outcome kind constants.
const (
	OutcomeCompleted  OutcomeKind = "completed"  // clean exit with a parseable report
	OutcomeCrashed    OutcomeKind = "crashed"    // terminated by a signal
	OutcomeDeadlocked OutcomeKind = "deadlocked" // unresponsive until forced kill
	OutcomeErrored    OutcomeKind = "errored"    // clean exit but no usable report
)

// WorkerOutcome is the supervisor's terminal classification of one worker
// invocation. Exactly one is recorded per invocation.
type WorkerOutcome struct {
	Kind    OutcomeKind   `json:"kind"`
	Report  *WorkerReport `json:"report,omitempty"`  // OutcomeCompleted
	Signal  string        `json:"signal,omitempty"`  // OutcomeCrashed
	Message string        `json:"message,omitempty"` // OutcomeErrored
}

// Completed builds an outcome for a clean exit carrying a report. The
// report's own status may still be an error; that judgment belongs to the
// driver, not the supervisor.
func Completed(r *WorkerReport) WorkerOutcome {
	return WorkerOutcome{Kind: OutcomeCompleted, Report: r}
}

// Crashed builds an outcome for a signal-terminated worker.
func Crashed(signal string) WorkerOutcome {
	return WorkerOutcome{Kind: OutcomeCrashed, Signal: signal}
}

// Deadlocked builds an outcome for a worker that never responded and had
// to be forcibly killed.
func Deadlocked() WorkerOutcome {
	return WorkerOutcome{Kind: OutcomeDeadlocked}
}

// Errored builds an outcome for a worker that exited without a usable
// report.
func Errored(message string) WorkerOutcome {
	return WorkerOutcome{Kind: OutcomeErrored, Message: message}
}

// Passed reports whether the outcome counts as a workload pass: a clean
// exit whose report states success.
func (o WorkerOutcome) Passed() bool {
	return o.Kind == OutcomeCompleted && o.Report != nil && o.Report.Status == ReportStatusSuccess
}

func (o WorkerOutcome) String() string {
	switch o.Kind {
	case OutcomeCompleted:
		if o.Report != nil && o.Report.Status != ReportStatusSuccess {
			return fmt.Sprintf("completed (workload error: %s)", o.Report.Message)
		}
		return "completed"
	case OutcomeCrashed:
		if o.Signal == "" {
			return "crashed"
		}
		return fmt.Sprintf("crashed (%s)", o.Signal)
	case OutcomeDeadlocked:
		return "deadlocked"
	case OutcomeErrored:
		return fmt.Sprintf("errored: %s", o.Message)
	default:
		return string(o.Kind)
	}
}

// WorkerReport is the workload's own result payload, produced inside the
// worker and carried back verbatim.
type WorkerReport struct {
	Status            string `json:"status"` // success or error
	PID               int    `json:"pid"`
	ParentPID         int    `json:"parent_pid"`
	DocumentsInserted int    `json:"documents_inserted"`
	Message           string `json:"message,omitempty"`
}

// Document is one item of the insert workload.
type Document struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SampleDocuments builds the deterministic insert workload for n documents.
// A duplicated worker rebuilds the same documents from a count instead of
// carrying them across the process boundary; pool workers receive them as
// task args. Both paths insert identical content.
func SampleDocuments(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = Document{
			Content: fmt.Sprintf("probe document %d: shared handle exercise", i+1),
			Metadata: map[string]string{
				"index":  strconv.Itoa(i),
				"source": "forkprobe",
			},
		}
	}
	return docs
}

// CrashArtifact is the persisted diagnostic bundle for one abnormal
// termination. Written at most once per crash; never mutated afterwards.
type CrashArtifact struct {
	WorkerPID       int       `json:"worker_pid"`
	StackDumpPath   string    `json:"stack_dump_path,omitempty"`
	CoreDumpPath    string    `json:"core_dump_path,omitempty"`
	DebuggerText    string    `json:"debugger_text,omitempty"`
	DebuggerOutcome string    `json:"debugger_outcome,omitempty"` // e.g. "captured", "attach-timeout (deadlock corroborated)"
	CreatedAt       time.Time `json:"created_at"`
}

// EncodeReportLine renders a report as the single stdout line the
// supervisor scans for.
func EncodeReportLine(r *WorkerReport) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return ResultLinePrefix + string(data), nil
}

// ParseReportLine recognizes and decodes a report line. The second return
// is false when the line is not a report, letting callers skip ordinary
// worker output.
func ParseReportLine(line string) (*WorkerReport, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), ResultLinePrefix)
	if !found {
		return nil, false
	}
	var r WorkerReport
	if err := json.Unmarshal([]byte(rest), &r); err != nil {
		return nil, false
	}
	return &r, true
}
