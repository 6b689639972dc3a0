package protocol

// Path and file-name constants used throughout the harness.
const (
	// ProbeDir is the user-level state directory (e.g., ~/.forkprobe).
	ProbeDir = ".forkprobe"

	// PIDFileName is the worker's published PID file inside the run dir.
	PIDFileName = "worker.pid"

	// StackDumpFileName is the fault handler's stack dump, append-opened
	// once so repeated signal delivery cannot truncate it.
	StackDumpFileName = "fault-stacks.txt"

	// SnapshotFileName carries the store capability snapshot from parent
	// to the duplicated worker.
	SnapshotFileName = "store-snapshot.json"

	// CrashDirName holds crash artifacts; created before any worker
	// starts so the duplicate never races directory creation.
	CrashDirName = "crash"
)

// Report status values.
const (
	ReportStatusSuccess = "success"
	ReportStatusError   = "error"
)

// ResultLinePrefix marks the single stdout line carrying a worker report
// across the fork boundary.
const ResultLinePrefix = "RESULT "

// TaskInsert is the broker task name for the insert workload.
const TaskInsert = "vecstore.insert"

// DependencyRedis names the broker dependency checked before pool models
// run; DependencyOllama joins a model's requirements only when the real
// embedder is selected.
const (
	DependencyRedis  = "redis"
	DependencyOllama = "ollama"
)
