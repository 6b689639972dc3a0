// Package integration_test provides end-to-end comparison tests for
// forkprobe.
package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/artifact"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// TestE2E_FullComparisonSuite exercises the complete comparison in a single
// test:
//
//  1. A live broker backs the pool-dispatched models
//  2. A scripted worker binary stands in on the fork path: it publishes
//     its PID, dumps a stack, and dies of SIGSEGV
//  3. RunSuite executes all three models in registry order, forking first
//  4. The forking model crashes; its evidence is collected from the run dir
//  5. The cooperative and threads models insert through the owner handle
//  6. Every model matches the expectation table, so the verdict is "match"
//  7. The history database holds the run, three outcomes, and the crash
//     evidence; the store holds only the pool models' documents
func TestE2E_FullComparisonSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	binary := fakeWorkerBinary(t, crashingWorkerBody())
	rig := newProbeRig(t, binary, startBroker(t))

	specs := protocol.Models()
	res, err := rig.driver.RunSuite(context.Background(), specs)
	if err != nil {
		t.Fatalf("RunSuite: %v", err)
	}

	// --- Suite result ---
	if len(res.Results) != len(specs) {
		t.Fatalf("got %d results, want %d", len(res.Results), len(specs))
	}
	for i, mr := range res.Results {
		if mr.Spec.Model != specs[i].Model {
			t.Errorf("result %d is %s, want %s (registry order)", i, mr.Spec.Model, specs[i].Model)
		}
		if !mr.Matched {
			t.Errorf("%s diverged from expectation: %s", mr.Spec.Model, mr.Outcome.String())
		}
	}
	if !res.Matched() {
		t.Fatalf("suite should match, got %d mismatches", res.Mismatches)
	}
	if res.GuardMode != rig.cfg.GuardMode || res.Embedder != rig.cfg.Embedder.Kind {
		t.Errorf("result carries guard=%q embedder=%q, want %q/%q",
			res.GuardMode, res.Embedder, rig.cfg.GuardMode, rig.cfg.Embedder.Kind)
	}
	if res.Elapsed <= 0 {
		t.Error("elapsed time was not recorded")
	}

	// --- Per-model outcomes ---
	fork := res.Results[0].Outcome
	if fork.Kind != protocol.OutcomeCrashed || fork.Signal != "SIGSEGV" {
		t.Errorf("forking outcome = %s, want crashed (SIGSEGV)", fork.String())
	}
	for _, mr := range res.Results[1:] {
		if mr.Outcome.Kind != protocol.OutcomeCompleted {
			t.Errorf("%s outcome = %s, want completed", mr.Spec.Model, mr.Outcome.Kind)
		}
	}

	// --- Store state: the crashed fork worker inserted nothing ---
	count, err := rig.store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if want := 2 * rig.cfg.Documents; count != want {
		t.Errorf("store holds %d documents, want %d (pool models only)", count, want)
	}

	// --- History ---
	runs, err := rig.history.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d history runs, want 1", len(runs))
	}
	run := runs[0]
	if run.ID != res.RunID {
		t.Errorf("history run id = %q, want %q", run.ID, res.RunID)
	}
	if run.Kind != artifact.RunKindSuite || run.Verdict != artifact.VerdictMatch {
		t.Errorf("run kind/verdict = %q/%q, want suite/match", run.Kind, run.Verdict)
	}
	if run.Models != len(specs) || run.Mismatches != 0 {
		t.Errorf("run models/mismatches = %d/%d, want %d/0", run.Models, run.Mismatches, len(specs))
	}
	if run.FinishedAt.IsZero() {
		t.Error("finished run is still open in history")
	}

	detail, err := rig.history.RunDetail(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("RunDetail: %v", err)
	}
	if len(detail.Outcomes) != len(specs) {
		t.Errorf("got %d outcome rows, want %d", len(detail.Outcomes), len(specs))
	}
	if len(detail.Artifacts) != 1 {
		t.Fatalf("got %d crash artifacts, want 1 (forking only)", len(detail.Artifacts))
	}
	evidence := detail.Artifacts[0]
	if evidence.Model != string(protocol.ModelForking) {
		t.Errorf("crash evidence is attributed to %q, want forking", evidence.Model)
	}
	if evidence.WorkerPID <= 0 || evidence.StackDumpPath == "" {
		t.Errorf("crash evidence incomplete: %+v", evidence)
	}
}

// TestE2E_PrecheckBlocksSuiteWithoutRedis verifies the dependency gate:
// with an unreachable broker, a suite containing pool models fails up
// front with a DependencyError, before any worker starts or any run row
// is written.
func TestE2E_PrecheckBlocksSuiteWithoutRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	// Port 1 is never a redis server.
	rig := newProbeRig(t, fakeWorkerBinary(t, crashingWorkerBody()), "127.0.0.1:1")

	_, err := rig.driver.RunSuite(context.Background(), protocol.Models())
	var depErr *protocol.DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyError, got %v", err)
	}
	if depErr.Dependency != protocol.DependencyRedis {
		t.Errorf("dependency = %q, want %q", depErr.Dependency, protocol.DependencyRedis)
	}

	// Nothing ran: no documents, no history.
	count, err := rig.store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("store holds %d documents after a blocked suite", count)
	}
	runs, err := rig.history.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("history holds %d runs after a blocked suite", len(runs))
	}
}

// TestE2E_ForkOnlyRunNeedsNoBroker confirms the dependency table: the
// forking model declares no broker requirement, so it runs with no redis
// anywhere in sight.
func TestE2E_ForkOnlyRunNeedsNoBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	rig := newProbeRig(t, fakeWorkerBinary(t, crashingWorkerBody()), "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := rig.driver.RunSuite(ctx, []protocol.ModelSpec{lookupModel(t, "forking")})
	if err != nil {
		t.Fatalf("RunSuite: %v", err)
	}
	if !res.Matched() {
		t.Errorf("fork-only run should match, got %d mismatches", res.Mismatches)
	}
}
