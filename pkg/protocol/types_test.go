package protocol_test

import (
	"strings"
	"testing"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

func TestLookupModel(t *testing.T) {
	tests := []struct {
		name         string
		model        string
		wantDispatch protocol.DispatchKind
		wantErr      bool
	}{
		{
			name:         "forking dispatches by process duplication",
			model:        "forking",
			wantDispatch: protocol.DispatchFork,
		},
		{
			name:         "cooperative dispatches through the pool",
			model:        "cooperative",
			wantDispatch: protocol.DispatchPool,
		},
		{
			name:         "threads dispatches through the pool",
			model:        "threads",
			wantDispatch: protocol.DispatchPool,
		},
		{
			name:    "unknown model is a validation error",
			model:   "prefork",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := protocol.LookupModel(tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("LookupModel(%q) = %+v, want error", tt.model, spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("LookupModel(%q) returned error: %v", tt.model, err)
			}
			if spec.Dispatch != tt.wantDispatch {
				t.Errorf("Dispatch = %v, want %v", spec.Dispatch, tt.wantDispatch)
			}
		})
	}
}

func TestLookupModel_UnknownNamesValidModels(t *testing.T) {
	_, err := protocol.LookupModel("bogus")
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	for _, name := range protocol.ModelNames() {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention valid model %q", err, name)
		}
	}
}

func TestParseModels(t *testing.T) {
	tests := []struct {
		name    string
		list    string
		want    int
		wantErr bool
	}{
		{name: "all expands to the registry", list: "all", want: 3},
		{name: "empty expands to the registry", list: "", want: 3},
		{name: "single model", list: "forking", want: 1},
		{name: "comma list with spaces", list: "cooperative, threads", want: 2},
		{name: "unknown member fails", list: "forking,prefork", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := protocol.ParseModels(tt.list)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseModels(%q) succeeded, want error", tt.list)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModels(%q) returned error: %v", tt.list, err)
			}
			if len(specs) != tt.want {
				t.Errorf("len = %d, want %d", len(specs), tt.want)
			}
		})
	}
}

func TestExpectationTable_MatchesRegistry(t *testing.T) {
	table := protocol.ExpectationTable(protocol.Models())

	if table[protocol.ModelForking] {
		t.Error("forking model must be expected to fail")
	}
	if !table[protocol.ModelCooperative] {
		t.Error("cooperative model must be expected to pass")
	}
	if !table[protocol.ModelThreads] {
		t.Error("threads model must be expected to pass")
	}
}

func TestLifecycleState_Covers(t *testing.T) {
	tests := []struct {
		name  string
		later protocol.LifecycleState
		prior protocol.LifecycleState
		want  bool
	}{
		{
			name:  "operation started implies ready",
			later: protocol.StateOperationStarted,
			prior: protocol.StateReady,
			want:  true,
		},
		{
			name:  "terminated implies everything",
			later: protocol.StateTerminated,
			prior: protocol.StateCreated,
			want:  true,
		},
		{
			name:  "ready does not imply operation started",
			later: protocol.StateReady,
			prior: protocol.StateOperationStarted,
			want:  false,
		},
		{
			name:  "state covers itself",
			later: protocol.StateReady,
			prior: protocol.StateReady,
			want:  true,
		},
		{
			name:  "unknown state is never covered",
			later: protocol.StateTerminated,
			prior: protocol.LifecycleState("rebooted"),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.later.Covers(tt.prior); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkerOutcome_Passed(t *testing.T) {
	tests := []struct {
		name    string
		outcome protocol.WorkerOutcome
		want    bool
	}{
		{
			name:    "completed with success report passes",
			outcome: protocol.Completed(&protocol.WorkerReport{Status: protocol.ReportStatusSuccess}),
			want:    true,
		},
		{
			name:    "completed with error report fails",
			outcome: protocol.Completed(&protocol.WorkerReport{Status: protocol.ReportStatusError, Message: "embed failed"}),
			want:    false,
		},
		{
			name:    "crashed fails",
			outcome: protocol.Crashed("SIGTRAP"),
			want:    false,
		},
		{
			name:    "deadlocked fails",
			outcome: protocol.Deadlocked(),
			want:    false,
		},
		{
			name:    "errored fails",
			outcome: protocol.Errored("no report line"),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Passed(); got != tt.want {
				t.Errorf("Passed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkerOutcome_String(t *testing.T) {
	crashed := protocol.Crashed("SIGTRAP")
	if got := crashed.String(); got != "crashed (SIGTRAP)" {
		t.Errorf("String() = %q, want %q", got, "crashed (SIGTRAP)")
	}

	workloadErr := protocol.Completed(&protocol.WorkerReport{
		Status:  protocol.ReportStatusError,
		Message: "connection refused",
	})
	if got := workloadErr.String(); !strings.Contains(got, "connection refused") {
		t.Errorf("String() = %q, want workload error message included", got)
	}
}

func TestReportLine_RoundTrip(t *testing.T) {
	report := &protocol.WorkerReport{
		Status:            protocol.ReportStatusSuccess,
		PID:               4242,
		ParentPID:         4200,
		DocumentsInserted: 3,
	}

	line, err := protocol.EncodeReportLine(report)
	if err != nil {
		t.Fatalf("EncodeReportLine returned error: %v", err)
	}
	if !strings.HasPrefix(line, protocol.ResultLinePrefix) {
		t.Fatalf("encoded line %q missing %q prefix", line, protocol.ResultLinePrefix)
	}

	got, ok := protocol.ParseReportLine(line)
	if !ok {
		t.Fatal("ParseReportLine rejected its own encoding")
	}
	if got.PID != report.PID || got.DocumentsInserted != report.DocumentsInserted {
		t.Errorf("round trip = %+v, want %+v", got, report)
	}
}

func TestParseReportLine_SkipsOrdinaryOutput(t *testing.T) {
	lines := []string{
		"worker starting up",
		"RESULT not-json",
		"  RESULTS {\"status\":\"success\"}",
		"",
	}
	for _, line := range lines {
		if _, ok := protocol.ParseReportLine(line); ok {
			t.Errorf("ParseReportLine(%q) = ok, want skip", line)
		}
	}

	// Leading whitespace before the prefix is tolerated.
	if _, ok := protocol.ParseReportLine("  RESULT {\"status\":\"success\"}"); !ok {
		t.Error("ParseReportLine rejected padded report line")
	}
}
